package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const maxNonceTTL = 15 * time.Minute

var (
	ErrSessionSecretRequired = errors.New("auth.sessionSecret must be at least 32 bytes")
	ErrDomainRequired        = errors.New("auth.domain required outside dev")
)

// Validate checks the configuration once at startup.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstreamTimeout must be positive")
	}
	if cfg.Auth.NonceTTL <= 0 || cfg.Auth.NonceTTL > maxNonceTTL {
		return fmt.Errorf("auth.nonceTTL must be within (0, 15m]")
	}
	if strings.TrimSpace(cfg.Auth.Domain) == "" && !cfg.IsDev() {
		return ErrDomainRequired
	}
	if len(strings.TrimSpace(cfg.Auth.SessionSecret)) < 32 {
		return ErrSessionSecretRequired
	}
	if _, err := uint256.FromDecimal(strings.TrimSpace(cfg.Ledger.RatePerSecond)); err != nil {
		return fmt.Errorf("ledger.ratePerSecond: %w", err)
	}
	if admin := strings.TrimSpace(cfg.Ledger.Admin); admin != "" && !common.IsHexAddress(admin) {
		return fmt.Errorf("ledger.admin must be a hex address")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("ledger.driver %q unsupported", cfg.Ledger.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Chain.Mode)) {
	case "", "local":
	case "rpc":
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain.rpcURL required in rpc mode")
		}
		if !common.IsHexAddress(cfg.Chain.Contract) {
			return fmt.Errorf("chain.contract must be a hex address in rpc mode")
		}
	default:
		return fmt.Errorf("chain.mode %q unsupported", cfg.Chain.Mode)
	}
	for name, raw := range map[string]string{
		"identity.oracleURL": cfg.Identity.OracleURL,
		"payments.portalURL": cfg.Payments.PortalURL,
		"auth.usernameURL":   cfg.Auth.UsernameURL,
	} {
		if raw == "" {
			continue
		}
		if err := checkURL(raw, cfg.IsDev()); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := cfg.TrustedProxyPrefixes(); err != nil {
		return err
	}
	for i, limit := range cfg.RateLimits {
		if strings.TrimSpace(limit.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id required", i)
		}
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rateLimits[%d] must not be negative", i)
		}
	}
	return nil
}

// checkURL requires an absolute URL; plaintext HTTP is only allowed in dev.
func checkURL(raw string, dev bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !dev {
			return fmt.Errorf("plaintext HTTP endpoints are not permitted outside dev")
		}
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL host required")
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare IP becomes a single-host
// prefix.
func (cfg Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cfg.TrustedProxies))
	for i, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trustedProxies[%d]: %w", i, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trustedProxies[%d]: %w", i, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
