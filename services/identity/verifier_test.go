package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notoristake/core/chain"
)

type stubOracle struct {
	err   error
	calls atomic.Int32
}

func (s *stubOracle) VerifyProof(context.Context, string, string, string, Proof) error {
	s.calls.Add(1)
	return s.err
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "identity.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func validProof(nullifier string) Proof {
	return Proof{Proof: "0xproof", MerkleRoot: "0xroot", NullifierHash: nullifier, VerificationLevel: "orb"}
}

func TestVerifierRecordsNullifierOnce(t *testing.T) {
	oracle := &stubOracle{}
	verifier := NewVerifier(oracle, newTestStore(t), nil)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ctx := context.Background()

	result, err := verifier.Verify(ctx, owner, validProof("0xABC"), "app_test", "stake", owner.Hex())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.NullifierHash != "0x0000000000000000000000000000000000000000000000000000000000000abc" || result.ActionID != "stake" {
		t.Fatalf("unexpected result %+v", result)
	}
	verified, err := verifier.IsVerified(owner)
	if err != nil || !verified {
		t.Fatalf("expected owner verified, got %v err=%v", verified, err)
	}

	// Same nullifier with different casing is still the same identity.
	if _, err := verifier.Verify(ctx, common.Address{}, validProof("0xabc"), "app_test", "stake", ""); !errors.Is(err, ErrNullifierReused) {
		t.Fatalf("expected ErrNullifierReused, got %v", err)
	}
	// A different action accepts the same nullifier.
	if _, err := verifier.Verify(ctx, common.Address{}, validProof("0xabc"), "app_test", "vote", ""); err != nil {
		t.Fatalf("expected different action to succeed, got %v", err)
	}

	rec, err := verifier.Lookup("stake", "0xAbC")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Owner != owner.Hex() || rec.VerificationLevel != "orb" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := verifier.Lookup("stake", "0xdef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerifierTreatsNullifierSpellingsAsOneValue(t *testing.T) {
	oracle := &stubOracle{}
	verifier := NewVerifier(oracle, newTestStore(t), nil)
	ctx := context.Background()

	if _, err := verifier.Verify(ctx, common.Address{}, validProof("0x1"), "app", "stake", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	for _, spelling := range []string{
		"0x01",
		"0X0001",
		"0x0000000000000000000000000000000000000000000000000000000000000001",
		"1",
	} {
		if _, err := verifier.Verify(ctx, common.Address{}, validProof(spelling), "app", "stake", ""); !errors.Is(err, ErrNullifierReused) {
			t.Fatalf("%s: expected ErrNullifierReused, got %v", spelling, err)
		}
	}
	if _, err := verifier.Lookup("stake", "0x00001"); err != nil {
		t.Fatalf("lookup padded spelling: %v", err)
	}
}

func TestCanonicalNullifierRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"0x", "0xzz", "-0x1", "0x1" + strings.Repeat("0", 64)} {
		if _, err := CanonicalNullifier(raw); !errors.Is(err, ErrProofInvalid) {
			t.Fatalf("%q: expected ErrProofInvalid, got %v", raw, err)
		}
	}
	oracle := &stubOracle{}
	verifier := NewVerifier(oracle, newTestStore(t), nil)
	if _, err := verifier.Verify(context.Background(), common.Address{}, validProof("0xnothex"), "app", "stake", ""); !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid, got %v", err)
	}
	if oracle.calls.Load() != 0 {
		t.Fatalf("expected oracle not to be called for a malformed nullifier")
	}
}

func TestVerifierValidation(t *testing.T) {
	oracle := &stubOracle{}
	verifier := NewVerifier(oracle, newTestStore(t), nil)
	ctx := context.Background()

	if _, err := verifier.Verify(ctx, common.Address{}, validProof("0x1"), "", "stake", ""); !errors.Is(err, ErrAppNotConfigured) {
		t.Fatalf("expected ErrAppNotConfigured, got %v", err)
	}
	if _, err := verifier.Verify(ctx, common.Address{}, Proof{Proof: "p", MerkleRoot: "r"}, "app", "stake", ""); !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid for missing nullifier, got %v", err)
	}
	if _, err := verifier.Verify(ctx, common.Address{}, validProof("0x1"), "app", " ", ""); !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid for missing action, got %v", err)
	}
	if oracle.calls.Load() != 0 {
		t.Fatalf("expected oracle not to be called for malformed input")
	}
}

func TestVerifierOracleFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rejected := NewVerifier(&stubOracle{err: &Rejection{Code: "invalid_merkle_root", Detail: "root unknown"}}, store, nil)
	_, err := rejected.Verify(ctx, common.Address{}, validProof("0x1"), "app", "stake", "")
	if !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid, got %v", err)
	}
	code, detail, ok := RejectionDetail(err)
	if !ok || code != "invalid_merkle_root" || detail != "root unknown" {
		t.Fatalf("unexpected rejection detail %q %q %v", code, detail, ok)
	}

	down := NewVerifier(&stubOracle{err: errors.New("connection refused")}, store, nil)
	if _, err := down.Verify(ctx, common.Address{}, validProof("0x1"), "app", "stake", ""); !errors.Is(err, chain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	// Neither failure consumed the nullifier.
	ok2 := NewVerifier(&stubOracle{}, store, nil)
	if _, err := ok2.Verify(ctx, common.Address{}, validProof("0x1"), "app", "stake", ""); err != nil {
		t.Fatalf("expected nullifier still available, got %v", err)
	}
}

func TestVerifierConcurrentNullifierSingleSuccess(t *testing.T) {
	verifier := NewVerifier(&stubOracle{}, newTestStore(t), nil)
	ctx := context.Background()

	const callers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		reused    atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := verifier.Verify(ctx, common.Address{}, validProof("0xfeed"), "app", "stake", "")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrNullifierReused):
				reused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if successes.Load() != 1 || reused.Load() != callers-1 {
		t.Fatalf("expected one success, got %d successes and %d reused", successes.Load(), reused.Load())
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Insert(NullifierRecord{ActionID: "stake", NullifierHash: "0x1", UsedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Insert(NullifierRecord{ActionID: "stake", NullifierHash: "0x1"}); !errors.Is(err, ErrNullifierReused) {
		t.Fatalf("expected ErrNullifierReused after reopen, got %v", err)
	}
}

func TestCloudOracle(t *testing.T) {
	var received cloudRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/verify/app_ok":
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("decode request: %v", err)
			}
			_, _ = w.Write([]byte(`{"success":true,"action":"stake"}`))
		case "/api/v2/verify/app_bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"max_verifications_reached","detail":"already verified"}`))
		case "/api/v2/verify/app_empty":
			w.WriteHeader(http.StatusOK)
		case "/api/v2/verify/app_unconfirmed":
			_, _ = w.Write([]byte(`{"action":"stake"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	oracle := NewCloudOracle(srv.URL, time.Second, srv.Client())
	ctx := context.Background()

	if err := oracle.VerifyProof(ctx, "app_ok", "stake", "signal", validProof("0x1")); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if received.Action != "stake" || received.NullifierHash != "0x1" || received.SignalHash != SignalHash("signal") {
		t.Fatalf("unexpected request %+v", received)
	}

	err := oracle.VerifyProof(ctx, "app_bad", "stake", "", validProof("0x1"))
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Code != "max_verifications_reached" {
		t.Fatalf("expected rejection, got %v", err)
	}

	if err := oracle.VerifyProof(ctx, "app_down", "stake", "", validProof("0x1")); !errors.Is(err, chain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if err := oracle.VerifyProof(ctx, "app_empty", "stake", "", validProof("0x1")); !errors.Is(err, chain.ErrUpstream) {
		t.Fatalf("expected empty 200 to be an upstream failure, got %v", err)
	}
	if err := oracle.VerifyProof(ctx, "app_unconfirmed", "stake", "", validProof("0x1")); !errors.As(err, &rejection) || rejection.Code != "invalid_proof" {
		t.Fatalf("expected 200 without success to be rejected, got %v", err)
	}
}

func TestSignalHashShape(t *testing.T) {
	got := SignalHash("")
	// keccak256("") = c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470, shifted right one byte.
	want := "0x00c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a4"
	if got != want {
		t.Fatalf("unexpected signal hash %s", got)
	}
}
