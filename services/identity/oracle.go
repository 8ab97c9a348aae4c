package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"notoristake/core/chain"
)

// DefaultOracleURL is the World ID cloud verification service.
const DefaultOracleURL = "https://developer.worldcoin.org"

// Proof is the uniqueness proof submitted by a client.
type Proof struct {
	Proof             string `json:"proof"`
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	VerificationLevel string `json:"verification_level"`
}

// Rejection carries the oracle's reason for refusing a proof.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "proof rejected: " + r.Code
	}
	return fmt.Sprintf("proof rejected: %s: %s", r.Code, r.Detail)
}

// ProofOracle validates a proof cryptographically. A *Rejection means the
// proof is invalid; any other error means the oracle could not answer.
type ProofOracle interface {
	VerifyProof(ctx context.Context, appID, actionID, signal string, proof Proof) error
}

// CloudOracle calls the hosted verification API.
type CloudOracle struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewCloudOracle builds an oracle client against baseURL.
func NewCloudOracle(baseURL string, timeout time.Duration, client *http.Client) *CloudOracle {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultOracleURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &CloudOracle{baseURL: base, timeout: timeout, client: client}
}

type cloudRequest struct {
	NullifierHash     string `json:"nullifier_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level,omitempty"`
	Action            string `json:"action"`
	SignalHash        string `json:"signal_hash"`
}

type cloudResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

// VerifyProof implements ProofOracle.
func (o *CloudOracle) VerifyProof(ctx context.Context, appID, actionID, signal string, proof Proof) error {
	body, err := json.Marshal(cloudRequest{
		NullifierHash:     proof.NullifierHash,
		MerkleRoot:        proof.MerkleRoot,
		Proof:             proof.Proof,
		VerificationLevel: proof.VerificationLevel,
		Action:            actionID,
		SignalHash:        SignalHash(signal),
	})
	if err != nil {
		return fmt.Errorf("encode verify request: %w", err)
	}
	_, err = chain.Retry(ctx, "proof_oracle", o.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.post(ctx, appID, body)
	})
	return err
}

func (o *CloudOracle) post(ctx context.Context, appID string, body []byte) error {
	endpoint := o.baseURL + "/api/v2/verify/" + url.PathEscape(appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", chain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read verify response: %w", chain.ErrUpstream, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: verify status %d", chain.ErrUpstream, resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty verify response (status %d)", chain.ErrUpstream, resp.StatusCode)
	}
	var decoded cloudResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: decode verify response: %w", chain.ErrUpstream, err)
	}
	// Only an explicit success approves a proof.
	if resp.StatusCode == http.StatusOK && decoded.Success {
		return nil
	}
	code := decoded.Code
	if code == "" {
		code = "invalid_proof"
	}
	return &Rejection{Code: code, Detail: decoded.Detail}
}

// SignalHash maps signal to the field element the oracle expects: keccak256
// shifted right by 8 bits, as 0x-prefixed 32-byte hex.
func SignalHash(signal string) string {
	digest := new(big.Int).SetBytes(ethcrypto.Keccak256([]byte(signal)))
	digest.Rsh(digest, 8)
	return fmt.Sprintf("0x%064x", digest)
}
