package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"

	"notoristake/core/chain"
)

const maxDisplayNameRunes = 64

// DefaultUsernameURL is the public username directory.
const DefaultUsernameURL = "https://usernames.worldcoin.org"

// UsernameResolver looks up a display name for an address. An empty name with
// a nil error means the address has none.
type UsernameResolver interface {
	ResolveUsername(ctx context.Context, address common.Address) (string, error)
}

// HTTPUsernameResolver queries the username directory.
type HTTPUsernameResolver struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPUsernameResolver builds a resolver against baseURL.
func NewHTTPUsernameResolver(baseURL string, timeout time.Duration, client *http.Client) *HTTPUsernameResolver {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultUsernameURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUsernameResolver{baseURL: base, timeout: timeout, client: client}
}

// ResolveUsername implements UsernameResolver.
func (r *HTTPUsernameResolver) ResolveUsername(ctx context.Context, address common.Address) (string, error) {
	return chain.Retry(ctx, "usernames", r.timeout, func(ctx context.Context) (string, error) {
		endpoint := r.baseURL + "/api/v1/" + url.PathEscape(strings.ToLower(address.Hex()))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %w", chain.ErrUpstream, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return "", nil
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%w: username lookup status %d", chain.ErrUpstream, resp.StatusCode)
		}
		var payload struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("decode username: %w", err)
		}
		return NormalizeDisplayName(payload.Username), nil
	})
}

// NormalizeDisplayName applies NFKC, drops control characters and bounds the length.
func NormalizeDisplayName(raw string) string {
	normalized := norm.NFKC.String(strings.TrimSpace(raw))
	var b strings.Builder
	count := 0
	for _, r := range normalized {
		if unicode.IsControl(r) {
			continue
		}
		if count == maxDisplayNameRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String())
}
