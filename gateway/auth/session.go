package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookie carries the signed session token.
const SessionCookie = "stake-session"

const (
	defaultSessionTTL = 24 * time.Hour
	defaultClockSkew  = 2 * time.Minute
)

var (
	ErrSessionInvalid = errors.New("auth: session invalid")
	ErrSessionRevoked = errors.New("auth: session revoked")
)

// Session is an authenticated caller identity established by a consumed nonce.
type Session struct {
	ID              string
	Address         common.Address
	DisplayName     string
	AuthenticatedAt time.Time
	ExpiresAt       time.Time
}

type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// SessionManager issues HS256 session tokens and tracks revoked ids until they
// would have expired anyway.
type SessionManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewSessionManager validates opts and returns a manager.
func NewSessionManager(opts SessionOptions) (*SessionManager, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SessionManager{
		secret:  []byte(secret),
		issuer:  strings.TrimSpace(opts.Issuer),
		ttl:     ttl,
		nowFn:   nowFn,
		revoked: make(map[string]time.Time),
	}, nil
}

// TTL returns the session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a new session for address.
func (m *SessionManager) Issue(address common.Address, displayName string) (string, Session, error) {
	now := m.nowFn().UTC().Truncate(time.Second)
	session := Session{
		ID:              uuid.NewString(),
		Address:         address,
		DisplayName:     displayName,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(m.ttl),
	}
	claims := sessionClaims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   address.Hex(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session: %w", err)
	}
	return token, session, nil
}

// Parse validates token and returns the session it carries.
func (m *SessionManager) Parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrSessionInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(defaultClockSkew),
		jwt.WithTimeFunc(m.nowFn),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if claims.ID == "" || !common.IsHexAddress(claims.Subject) {
		return Session{}, ErrSessionInvalid
	}
	if m.isRevoked(claims.ID) {
		return Session{}, ErrSessionRevoked
	}
	session := Session{
		ID:          claims.ID,
		Address:     common.HexToAddress(claims.Subject),
		DisplayName: claims.Name,
	}
	if claims.IssuedAt != nil {
		session.AuthenticatedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return session, nil
}

// Revoke invalidates session for the rest of its lifetime.
func (m *SessionManager) Revoke(session Session) {
	if session.ID == "" {
		return
	}
	expires := session.ExpiresAt
	if expires.IsZero() {
		expires = m.nowFn().Add(m.ttl)
	}
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, until := range m.revoked {
		if now.After(until.Add(defaultClockSkew)) {
			delete(m.revoked, id)
		}
	}
	m.revoked[session.ID] = expires
}

func (m *SessionManager) isRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}
