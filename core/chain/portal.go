package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPortalURL is the developer portal base URL.
const DefaultPortalURL = "https://developer.worldcoin.org"

// TransactionKind selects the portal lookup type.
type TransactionKind string

const (
	KindPayment     TransactionKind = "payment"
	KindTransaction TransactionKind = "transaction"
)

// PortalConfig configures a PortalClient.
type PortalConfig struct {
	BaseURL string
	AppID   string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// PortalError is a non-2xx answer from the developer portal.
type PortalError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *PortalError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("portal: %s (%d): %s", e.Code, e.StatusCode, detail)
	}
	return fmt.Sprintf("portal: status %d: %s", e.StatusCode, detail)
}

// PortalClient reads mini-app transaction status from the developer portal.
// Transactions are submitted by the client wallet, so the portal only
// implements StatusSource.
type PortalClient struct {
	baseURL string
	appID   string
	apiKey  string
	kind    TransactionKind
	timeout time.Duration
	http    *http.Client
}

// NewPortalClient constructs a status client for the given lookup kind.
func NewPortalClient(cfg PortalConfig, kind TransactionKind) *PortalClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultPortalURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if kind == "" {
		kind = KindTransaction
	}
	return &PortalClient{
		baseURL: base,
		appID:   strings.TrimSpace(cfg.AppID),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		kind:    kind,
		timeout: cfg.Timeout,
		http:    client,
	}
}

// Configured reports whether both the app id and API key are present.
func (c *PortalClient) Configured() bool {
	return c != nil && c.appID != "" && c.apiKey != ""
}

type portalTransaction struct {
	TransactionID     string `json:"transactionId"`
	TransactionHash   string `json:"transactionHash"`
	TransactionStatus string `json:"transactionStatus"`
	Status            string `json:"status"`
	Reference         string `json:"reference"`
	From              string `json:"from"`
	FromWalletAddress string `json:"fromWalletAddress"`
}

// PollStatus implements StatusSource.
func (c *PortalClient) PollStatus(ctx context.Context, id TxID) (Receipt, error) {
	if !c.Configured() {
		return Receipt{}, ErrNotConfigured
	}
	if strings.TrimSpace(string(id)) == "" {
		return Receipt{}, ErrTransactionNotFound
	}
	return Retry(ctx, "portal_"+string(c.kind), c.timeout, func(ctx context.Context) (Receipt, error) {
		return c.fetch(ctx, id)
	})
}

func (c *PortalClient) fetch(ctx context.Context, id TxID) (Receipt, error) {
	endpoint := fmt.Sprintf("%s/api/v2/minikit/transaction/%s?%s", c.baseURL, url.PathEscape(string(id)), url.Values{
		"app_id": {c.appID},
		"type":   {string(c.kind)},
	}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: read portal response: %w", ErrUpstream, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Receipt{}, ErrTransactionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &PortalError{StatusCode: resp.StatusCode}
		var payload struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &payload) == nil {
			perr.Code, perr.Detail = payload.Code, payload.Detail
		}
		if resp.StatusCode >= 500 {
			return Receipt{}, fmt.Errorf("%w: %w", ErrUpstream, perr)
		}
		return Receipt{}, perr
	}
	var tx portalTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return Receipt{}, fmt.Errorf("decode portal transaction: %w", err)
	}
	status := tx.TransactionStatus
	if status == "" {
		status = tx.Status
	}
	from := tx.From
	if from == "" {
		from = tx.FromWalletAddress
	}
	txID := TxID(tx.TransactionID)
	if txID == "" {
		txID = id
	}
	return Receipt{
		ID:        txID,
		Status:    ParseStatus(status),
		Reference: tx.Reference,
		Hash:      tx.TransactionHash,
		From:      from,
		Raw:       json.RawMessage(body),
	}, nil
}
