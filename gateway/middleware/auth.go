package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"notoristake/gateway/auth"
)

type contextKey string

const contextKeySession contextKey = "gateway.session"

// SessionParser validates a session token.
type SessionParser interface {
	Parse(token string) (auth.Session, error)
}

// VerificationChecker reports whether an address completed identity verification.
type VerificationChecker interface {
	IsVerified(address common.Address) (bool, error)
}

// Sessions attaches the caller's session to the request context.
type Sessions struct {
	parser SessionParser
	logger *slog.Logger
}

func NewSessions(parser SessionParser, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{parser: parser, logger: logger}
}

// Optional attaches a valid session when one is presented and otherwise
// passes the request through unchanged.
func (s *Sessions) Optional() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if session, err := s.fromRequest(r); err == nil {
				r = r.WithContext(WithSession(r.Context(), session))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require rejects requests without a valid session.
func (s *Sessions) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := s.fromRequest(r)
			if err != nil {
				if !errors.Is(err, errNoToken) {
					s.logger.Warn("session validation failed", slog.String("error", err.Error()))
				}
				WriteError(w, http.StatusUnauthorized, "unauthenticated", "a valid session is required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

var errNoToken = errors.New("no session token")

func (s *Sessions) fromRequest(r *http.Request) (auth.Session, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" {
		return auth.Session{}, errNoToken
	}
	return s.parser.Parse(token)
}

// RequireVerified rejects sessions whose address has not completed identity
// verification. It must run after Require.
func RequireVerified(checker VerificationChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "unauthenticated", "a valid session is required")
				return
			}
			verified, err := checker.IsVerified(session.Address)
			if err != nil {
				logger.Error("verification lookup failed", slog.String("address", session.Address.Hex()), slog.String("error", err.Error()))
				WriteError(w, http.StatusInternalServerError, "internal", "verification lookup failed")
				return
			}
			if !verified {
				WriteError(w, http.StatusForbidden, "not_verified", "identity verification required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithSession stores session in ctx.
func WithSession(ctx context.Context, session auth.Session) context.Context {
	return context.WithValue(ctx, contextKeySession, session)
}

// SessionFromContext returns the session attached by Sessions.
func SessionFromContext(ctx context.Context) (auth.Session, bool) {
	session, ok := ctx.Value(contextKeySession).(auth.Session)
	return session, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
