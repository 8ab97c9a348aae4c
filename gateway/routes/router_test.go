package routes

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"notoristake/core/chain"
	"notoristake/core/staking"
	"notoristake/gateway/auth"
	"notoristake/services/identity"
	"notoristake/services/payments"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type acceptingOracle struct{}

func (acceptingOracle) VerifyProof(context.Context, string, string, string, identity.Proof) error {
	return nil
}

type portalStub struct {
	mu       sync.Mutex
	receipts map[chain.TxID]chain.Receipt
}

func (p *portalStub) set(r chain.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[r.ID] = r
}

func (p *portalStub) PollStatus(_ context.Context, id chain.TxID) (chain.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receipts[id]
	if !ok {
		return chain.Receipt{}, chain.ErrTransactionNotFound
	}
	return r, nil
}

type harness struct {
	server *httptest.Server
	client *http.Client
	clock  *fixedClock
	book   *chain.RewardBook
	portal *portalStub
	key    *ecdsa.PrivateKey
	addr   common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	book := chain.NewRewardBook()
	ledger, err := staking.NewLedger(context.Background(), staking.Config{
		RatePerSecond: uint256.NewInt(1_000_000_000_000_000_000),
		Admin:         addr,
		Payer:         book,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	identityStore, err := identity.NewStore(filepath.Join(dir, "identity.db"), nil)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	t.Cleanup(func() { _ = identityStore.Close() })
	paymentStore, err := payments.NewSQLiteStore(filepath.Join(dir, "payments.db"))
	if err != nil {
		t.Fatalf("payments store: %v", err)
	}
	t.Cleanup(func() { _ = paymentStore.Close() })

	sessions, err := auth.NewSessionManager(auth.SessionOptions{
		Secret: "0123456789abcdef0123456789abcdef",
		Issuer: "stake-gateway-test",
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	portal := &portalStub{receipts: make(map[chain.TxID]chain.Receipt)}

	handler := New(Config{
		Nonces:       auth.NewNonceAuthority(auth.NonceOptions{Domain: "stake.example", TTL: 5 * time.Minute, Capacity: 16}),
		Sessions:     sessions,
		Identity:     identity.NewVerifier(acceptingOracle{}, identityStore, nil),
		Payments:     payments.NewConfirmer(paymentStore, portal, nil),
		Transactions: portal,
		Gateway:      chain.NewLocalGateway(ledger, nil),
		Ledger:       ledger,
		AppID:        "app_test",
		ActionID:     "verify-human",
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &harness{
		server: server,
		client: &http.Client{Jar: jar},
		clock:  clock,
		book:   book,
		portal: portal,
		key:    key,
		addr:   addr,
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := make(map[string]interface{})
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	status, body := h.do(t, http.MethodGet, "/nonce", nil)
	if status != http.StatusOK {
		t.Fatalf("nonce: status %d", status)
	}
	nonce, _ := body["nonce"].(string)
	message := fmt.Sprintf(`stake.example wants you to sign in with your Ethereum account:
%s

Sign in to stake.

URI: https://stake.example
Version: 1
Chain ID: 480
Nonce: %s
Issued At: %s`, h.addr.Hex(), nonce, time.Now().UTC().Format(time.RFC3339))
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), h.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	status, body = h.do(t, http.MethodPost, "/complete-siwe", map[string]interface{}{
		"payload": map[string]string{
			"status":    "success",
			"message":   message,
			"signature": hexutil.Encode(sig),
			"address":   h.addr.Hex(),
		},
	})
	if status != http.StatusOK || body["isValid"] != true {
		t.Fatalf("complete-siwe: status %d body %v", status, body)
	}
}

func (h *harness) verifyHuman(t *testing.T, nullifier string) (int, map[string]interface{}) {
	t.Helper()
	return h.do(t, http.MethodPost, "/verify", map[string]interface{}{
		"payload": map[string]string{
			"proof":              "0xproof",
			"merkle_root":        "0xroot",
			"nullifier_hash":     nullifier,
			"verification_level": "orb",
		},
	})
}

func TestStakingFlowEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	status, body := h.do(t, http.MethodPost, "/stake", map[string]string{"amount": "100", "approval": "permit"})
	if status != http.StatusForbidden || body["code"] != "not_verified" {
		t.Fatalf("unverified stake: status %d body %v", status, body)
	}

	status, body = h.verifyHuman(t, "0xABC")
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("verify: status %d body %v", status, body)
	}
	status, body = h.verifyHuman(t, "0xabc")
	if status != http.StatusBadRequest || body["code"] != "nullifier_reused" {
		t.Fatalf("reused nullifier: status %d body %v", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/stake", map[string]string{"amount": "100"})
	if status != http.StatusBadRequest || body["code"] != "approval_required" {
		t.Fatalf("stake without approval: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/stake", map[string]string{"amount": "100", "approval": "permit"})
	if status != http.StatusOK || body["status"] != string(chain.StatusMined) {
		t.Fatalf("stake: status %d body %v", status, body)
	}

	h.clock.Advance(10 * time.Second)
	status, body = h.do(t, http.MethodGet, "/positions/"+h.addr.Hex(), nil)
	if status != http.StatusOK {
		t.Fatalf("position: status %d", status)
	}
	if body["staked"] != "100" || body["rewards"] != "10000000000000000000" {
		t.Fatalf("unexpected position %v", body)
	}

	status, body = h.do(t, http.MethodPost, "/unstake", map[string]string{"amount": "101"})
	if status != http.StatusBadRequest || body["code"] != "insufficient_principal" {
		t.Fatalf("over-unstake: status %d body %v", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/claim", nil)
	if status != http.StatusOK || body["status"] != string(chain.StatusMined) {
		t.Fatalf("claim: status %d body %v", status, body)
	}
	if got := h.book.Balance(h.addr).Dec(); got != "10000000000000000000" {
		t.Fatalf("paid %s", got)
	}
	status, body = h.do(t, http.MethodPost, "/claim", nil)
	if status != http.StatusBadRequest || body["code"] != "nothing_to_claim" {
		t.Fatalf("second claim: status %d body %v", status, body)
	}

	status, body = h.do(t, http.MethodGet, "/ledger", nil)
	if status != http.StatusOK || body["totalPrincipal"] != "100" || body["totalPaid"] != "10000000000000000000" {
		t.Fatalf("ledger: status %d body %v", status, body)
	}

	status, _ = h.do(t, http.MethodPost, "/logout", nil)
	if status != http.StatusOK {
		t.Fatalf("logout: status %d", status)
	}
	status, body = h.do(t, http.MethodPost, "/unstake", map[string]string{"amount": "1"})
	if status != http.StatusUnauthorized {
		t.Fatalf("after logout: status %d body %v", status, body)
	}
}

func TestCompleteSIWERequiresNonceCookie(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodPost, "/complete-siwe", map[string]interface{}{
		"payload": map[string]string{"message": "m", "signature": "0x00", "address": h.addr.Hex()},
	})
	if status != http.StatusUnprocessableEntity || body["isValid"] != false {
		t.Fatalf("status %d body %v", status, body)
	}
}

func TestStakingRoutesRequireSession(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/stake", "/unstake", "/claim", "/initiate-payment", "/admin/reward-rate"} {
		status, body := h.do(t, http.MethodPost, path, map[string]string{"amount": "1"})
		if status != http.StatusUnauthorized || body["code"] != "unauthenticated" {
			t.Fatalf("%s: status %d body %v", path, status, body)
		}
	}
}

func TestSetRewardRateAdminOnly(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	status, body := h.do(t, http.MethodPost, "/admin/reward-rate", map[string]string{"rate": "5"})
	if status != http.StatusOK || body["status"] != string(chain.StatusMined) {
		t.Fatalf("admin rate: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodGet, "/ledger", nil)
	if status != http.StatusOK || body["ratePerSecond"] != "5" {
		t.Fatalf("ledger: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/admin/reward-rate", map[string]string{"rate": "not-a-number"})
	if status != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("bad rate: status %d body %v", status, body)
	}
}

func TestPaymentReferenceMismatchStaysPending(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	status, body := h.do(t, http.MethodPost, "/initiate-payment", nil)
	if status != http.StatusOK {
		t.Fatalf("initiate: status %d", status)
	}
	reference, _ := body["reference"].(string)
	if reference == "" {
		t.Fatalf("missing reference in %v", body)
	}

	h.portal.set(chain.Receipt{ID: "tx-other", Status: chain.StatusMined, Reference: "someone-else"})
	status, body = h.do(t, http.MethodPost, "/confirm-payment", map[string]string{"transaction_id": "tx-other", "reference": reference})
	if status != http.StatusBadRequest || body["code"] != "reference_mismatch" || body["status"] != string(chain.StatusMined) {
		t.Fatalf("mismatch: status %d body %v", status, body)
	}

	h.portal.set(chain.Receipt{ID: "tx-1", Status: chain.StatusMined, Reference: reference})
	status, body = h.do(t, http.MethodPost, "/confirm-payment", map[string]string{"transaction_id": "tx-1", "reference": reference})
	if status != http.StatusOK || body["status"] != string(chain.StatusMined) {
		t.Fatalf("confirm: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/confirm-payment", map[string]string{"transaction_id": "tx-1", "reference": reference})
	if status != http.StatusConflict || body["code"] != "already_consumed" {
		t.Fatalf("replay: status %d body %v", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/confirm-transaction", map[string]string{"transaction_id": "tx-1"})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("confirm-transaction: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/confirm-transaction", map[string]string{"transaction_id": "missing"})
	if status != http.StatusNotFound || body["code"] != "transaction_not_found" {
		t.Fatalf("missing transaction: status %d body %v", status, body)
	}
}

func TestConfirmPaymentFailedTransactionReportsStatus(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	_, body := h.do(t, http.MethodPost, "/initiate-payment", nil)
	reference, _ := body["reference"].(string)
	h.portal.set(chain.Receipt{ID: "tx-fail", Status: chain.StatusFailed, Reference: reference})

	status, body := h.do(t, http.MethodPost, "/confirm-payment", map[string]string{"transaction_id": "tx-fail", "reference": reference})
	if status != http.StatusBadRequest || body["success"] != false || body["code"] != "transaction_failed" {
		t.Fatalf("failed transaction: status %d body %v", status, body)
	}
	if body["status"] != string(chain.StatusFailed) || body["reference"] != reference {
		t.Fatalf("expected upstream status in body, got %v", body)
	}
}

func TestVerifyRequiresSessionAndKeepsNullifierUsable(t *testing.T) {
	h := newHarness(t)

	status, body := h.verifyHuman(t, "0x77")
	if status != http.StatusUnauthorized || body["code"] != "unauthenticated" {
		t.Fatalf("sessionless verify: status %d body %v", status, body)
	}

	h.signIn(t)
	status, body = h.verifyHuman(t, "0x77")
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("verify after sign-in: status %d body %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/stake", map[string]string{"amount": "5", "approval": "permit"})
	if status != http.StatusOK {
		t.Fatalf("stake after verify: status %d body %v", status, body)
	}
}

func TestCompleteSIWERejectsForeignDomain(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/nonce", nil)
	if status != http.StatusOK {
		t.Fatalf("nonce: status %d", status)
	}
	nonce, _ := body["nonce"].(string)
	message := fmt.Sprintf(`phishing.example wants you to sign in with your Ethereum account:
%s

URI: https://phishing.example
Version: 1
Chain ID: 480
Nonce: %s
Issued At: %s`, h.addr.Hex(), nonce, time.Now().UTC().Format(time.RFC3339))
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), h.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	status, body = h.do(t, http.MethodPost, "/complete-siwe", map[string]interface{}{
		"payload": map[string]string{
			"status":    "success",
			"message":   message,
			"signature": hexutil.Encode(sig),
			"address":   h.addr.Hex(),
		},
	})
	if status != http.StatusUnauthorized || body["isValid"] != false {
		t.Fatalf("foreign domain: status %d body %v", status, body)
	}
	status, _ = h.do(t, http.MethodPost, "/claim", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected no session after rejected sign-in, got %d", status)
	}
}

func TestPositionRejectsBadAddress(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/positions/not-an-address", nil)
	if status != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("status %d body %v", status, body)
	}
}
