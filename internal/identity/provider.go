package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Event is an auth state change.
type Event string

const (
	SignedIn  Event = "signed_in"
	SignedOut Event = "signed_out"
)

type claims struct {
	jwt.RegisteredClaims
	// IssuedNano is the issue instant in unix nanoseconds. iat only has
	// second precision, too coarse to order a token against a sign-out.
	IssuedNano int64 `json:"ins"`
}

// Provider issues and verifies HS256 bearer tokens whose subject is the
// owner id, and notifies listeners on sign-in and sign-out.
type Provider struct {
	issuer string
	secret []byte
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	signedOut map[string]time.Time
	listeners []func(Event, string)
}

func NewProvider(issuer, secret string, logger *slog.Logger) (*Provider, error) {
	if len(secret) < 16 {
		return nil, errors.New("identity: secret must be at least 16 bytes")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		issuer:    issuer,
		secret:    []byte(secret),
		now:       time.Now,
		logger:    logger.With(slog.String("agent", "identity")),
		signedOut: make(map[string]time.Time),
	}, nil
}

// OnChange registers fn for every subsequent sign-in and sign-out.
func (p *Provider) OnChange(fn func(event Event, owner string)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// SignIn issues a token for owner and notifies listeners.
func (p *Provider) SignIn(owner string, ttl time.Duration) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("identity: owner required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IssuedNano: now.UnixNano(),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	p.notify(SignedIn, owner)
	return signed, nil
}

// SignOut retires every token issued to owner up to now and notifies
// listeners. Tokens issued afterwards, by this provider or any other holding
// the same secret, remain valid.
func (p *Provider) SignOut(owner string) {
	p.mu.Lock()
	p.signedOut[owner] = p.now()
	p.mu.Unlock()
	p.notify(SignedOut, owner)
}

// Verify returns the owner id carried by a token.
func (p *Provider) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if parsed.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	p.mu.RLock()
	cutoff, revoked := p.signedOut[parsed.Subject]
	p.mu.RUnlock()
	if revoked && !time.Unix(0, parsed.IssuedNano).After(cutoff) {
		return "", fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}
	return parsed.Subject, nil
}

// Authenticate reads the bearer token from the Authorization header, falling
// back to the access_token query parameter used by websocket clients.
func (p *Provider) Authenticate(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthenticated)
		}
		return p.Verify(token)
	}
	return p.Verify(r.URL.Query().Get("access_token"))
}

func (p *Provider) notify(event Event, owner string) {
	p.mu.RLock()
	listeners := append([]func(Event, string)(nil), p.listeners...)
	p.mu.RUnlock()
	p.logger.Info("auth state changed", slog.String("event", string(event)), slog.String("owner", owner))
	for _, fn := range listeners {
		fn(event, owner)
	}
}
