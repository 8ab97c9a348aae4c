package routes

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"

	"notoristake/core/chain"
	"notoristake/core/staking"
	"notoristake/gateway/auth"
	"notoristake/gateway/middleware"
	"notoristake/services/identity"
	"notoristake/services/payments"
)

const (
	groupAuth    = "auth"
	groupStaking = "staking"
)

// LedgerReader exposes global ledger totals.
type LedgerReader interface {
	Totals() staking.Totals
}

type Config struct {
	Nonces    *auth.NonceAuthority
	Sessions  *auth.SessionManager
	Usernames auth.UsernameResolver
	Identity  *identity.Verifier
	Payments  *payments.Confirmer
	// Transactions answers read-only status queries for /confirm-transaction.
	Transactions chain.StatusSource
	Gateway      chain.Gateway
	Ledger       LedgerReader

	AppID    string
	ActionID string
	// SecureCookies marks cookies Secure; disabled only in dev.
	SecureCookies bool

	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

type api struct {
	cfg    Config
	logger *slog.Logger
}

// New builds the gateway router.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{cfg: cfg, logger: logger}
	sessions := middleware.NewSessions(cfg.Sessions, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Group(func(ar chi.Router) {
		a.limit(ar, groupAuth)
		a.handle(ar, http.MethodGet, "/nonce", groupAuth, a.nonce)
		a.handle(ar, http.MethodPost, "/complete-siwe", groupAuth, a.completeSIWE)
		ar.Group(func(sr chi.Router) {
			sr.Use(sessions.Optional())
			a.handle(sr, http.MethodPost, "/logout", groupAuth, a.logout)
		})
		// A nullifier is only consumed on behalf of a signed-in owner.
		ar.Group(func(vr chi.Router) {
			vr.Use(sessions.Require())
			a.handle(vr, http.MethodPost, "/verify", "identity", a.verify)
		})
	})

	r.Group(func(pr chi.Router) {
		a.limit(pr, groupStaking)
		pr.Use(sessions.Require())
		a.handle(pr, http.MethodPost, "/initiate-payment", "payments", a.initiatePayment)
		a.handle(pr, http.MethodPost, "/confirm-payment", "payments", a.confirmPayment)
		a.handle(pr, http.MethodPost, "/confirm-transaction", "payments", a.confirmTransaction)
		a.handle(pr, http.MethodPost, "/admin/reward-rate", groupStaking, a.setRewardRate)
		pr.Group(func(vr chi.Router) {
			vr.Use(middleware.RequireVerified(cfg.Identity, logger))
			a.handle(vr, http.MethodPost, "/stake", groupStaking, a.stake)
			a.handle(vr, http.MethodPost, "/unstake", groupStaking, a.unstake)
			a.handle(vr, http.MethodPost, "/claim", groupStaking, a.claim)
		})
	})

	r.Group(func(qr chi.Router) {
		a.limit(qr, groupStaking)
		a.handle(qr, http.MethodGet, "/positions/{address}", groupStaking, a.position)
		a.handle(qr, http.MethodGet, "/ledger", groupStaking, a.ledger)
	})
	return r
}

func (a *api) limit(r chi.Router, group string) {
	if a.cfg.RateLimiter != nil {
		r.Use(a.cfg.RateLimiter.Middleware(group))
	}
}

func (a *api) handle(r chi.Router, method, pattern, module string, h http.HandlerFunc) {
	if a.cfg.Observability != nil {
		r.With(a.cfg.Observability.Middleware(module, pattern)).Method(method, pattern, h)
		return
	}
	r.Method(method, pattern, h)
}

func decimal(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return value.Dec()
}
