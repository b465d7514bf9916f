package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goShield/internal"
)

var (
	// ErrMalformed indicates the token string does not match the expected format.
	ErrMalformed = errors.New("malformed csrf token")
	// ErrInvalidSignature indicates the recomputed digest does not match.
	ErrInvalidSignature = errors.New("invalid csrf signature")
	// ErrExpired indicates the token timestamp is older than the configured TTL.
	ErrExpired = errors.New("csrf token expired")
	// ErrSessionMismatch indicates the token binds to a different session id.
	ErrSessionMismatch = errors.New("csrf token session mismatch")
)

const (
	// DefaultTTL bounds token validity when Config.TTL is zero.
	DefaultTTL = time.Hour

	minServerKeySize = 32
	maxFutureSkew    = 2 * time.Minute
)

// Config holds the CSRF token manager tuning parameters.
type Config struct {
	ServerKey []byte
	TTL       time.Duration
}

// Pair is one issued CSRF token pair. Token travels in the X-CSRF-Token
// header or a form field; Secret travels only in the HttpOnly csrf_secret
// cookie.
type Pair struct {
	Token  string
	Secret string
}

// Manager issues and verifies CSRF token pairs. Manager is immutable after
// construction and safe for concurrent use.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewManager creates a CSRF token [Manager]. The server key must be at
// least 32 bytes; a zero TTL defaults to [DefaultTTL].
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.ServerKey) < minServerKeySize {
		return nil, errors.New("csrf server key must be at least 32 bytes")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, errors.New("invalid csrf TTL configuration")
	}

	key := make([]byte, len(cfg.ServerKey))
	copy(key, cfg.ServerKey)

	return &Manager{
		key: key,
		ttl: ttl,
		now: time.Now,
	}, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue generates a fresh secret and a token bound to sessionID. An empty
// sessionID issues an unbound token (pre-authentication forms).
//
// Issuing has no effect on previously issued tokens: rotation supersedes,
// it never revokes.
func (m *Manager) Issue(sessionID string) (Pair, error) {
	return m.issueAt(sessionID, m.now())
}

func (m *Manager) issueAt(sessionID string, at time.Time) (Pair, error) {
	secret, err := internal.NewTokenSecret()
	if err != nil {
		return Pair{}, err
	}

	ts := strconv.FormatInt(at.Unix(), 10)
	digest := m.digest(secret[:], sessionID, ts)

	return Pair{
		Token:  base64.RawURLEncoding.EncodeToString([]byte(ts)) + "." + base64.RawURLEncoding.EncodeToString(digest),
		Secret: internal.EncodeSecret(secret),
	}, nil
}

// Verify checks token against the cookie-held secret and the resolved
// session id.
//
// The digest comparison is constant-time and runs before the TTL check so
// that timing does not leak which check failed. When the bound comparison
// fails but the unbound digest matches, the result depends on
// allowTransitionFallback: nil during the authentication transition window,
// [ErrSessionMismatch] otherwise. Callers must source the flag from a
// single-use transition marker; this package never widens the exception.
func (m *Manager) Verify(token, secret, sessionID string, allowTransitionFallback bool) error {
	tsPart, digestPart, ok := strings.Cut(token, ".")
	if !ok || tsPart == "" || digestPart == "" {
		return ErrMalformed
	}

	tsRaw, err := base64.RawURLEncoding.DecodeString(tsPart)
	if err != nil {
		return ErrMalformed
	}
	issuedUnix, err := strconv.ParseInt(string(tsRaw), 10, 64)
	if err != nil || issuedUnix <= 0 {
		return ErrMalformed
	}

	digest, err := base64.RawURLEncoding.DecodeString(digestPart)
	if err != nil || len(digest) != sha256.Size {
		return ErrMalformed
	}

	secretRaw, err := internal.DecodeSecret(secret)
	if err != nil {
		return ErrMalformed
	}

	ts := string(tsRaw)
	expected := m.digest(secretRaw, sessionID, ts)

	if !hmac.Equal(digest, expected) {
		if sessionID == "" {
			return ErrInvalidSignature
		}

		// Secondary unbound comparison. Legitimate only while the session
		// identity changes underneath an already-rendered form.
		unbound := m.digest(secretRaw, "", ts)
		if !hmac.Equal(digest, unbound) {
			return ErrInvalidSignature
		}
		if err := m.checkFreshness(issuedUnix); err != nil {
			return err
		}
		if !allowTransitionFallback {
			return ErrSessionMismatch
		}
		return nil
	}

	return m.checkFreshness(issuedUnix)
}

func (m *Manager) checkFreshness(issuedUnix int64) error {
	now := m.now()
	issued := time.Unix(issuedUnix, 0)

	if issued.After(now.Add(maxFutureSkew)) {
		return ErrMalformed
	}
	if now.Sub(issued) > m.ttl {
		return ErrExpired
	}
	return nil
}

func (m *Manager) digest(secret []byte, sessionID, ts string) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(secret)
	mac.Write([]byte{0})
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(ts))
	return mac.Sum(nil)
}
