// Package transportauth implements the socket variant of the Request
// Transport's optional remote-peer authentication and accept-loop
// throttling. Local credential passing over the FIFO-pair and
// local-socket transports is unaffected; this package only guards a
// remote (non-abstract-unix-socket) SocketTransport listener.
package transportauth

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// tokenTTL is the lifetime of a transport session token.
const tokenTTL = 1 * time.Hour

// Claims identify the remote peer a token was issued to.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies transport session tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a TokenIssuer over a 32-byte secret, typically
// config.Config.JWTSecretBytes().
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue mints a fresh token for a new remote session, using a random
// subject id rather than trusting anything the caller supplies.
func (ti *TokenIssuer) Issue() (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	claims := Claims{
		Subject: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "sndsrv",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing transport token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks a bearer token presented during a remote socket
// transport's accept handshake and returns the authenticated subject.
func (ti *TokenIssuer) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return ti.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired transport token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("transport token missing subject")
	}
	return claims.Subject, nil
}

// peerLimitEntry tracks a per-peer rate limiter and when it was last used.
type peerLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerRateLimiter throttles requests per remote peer address; it satisfies
// aio.PeerLimiter for throttling connection acceptance. The mixer's refresh
// throttle (SetRefreshRateLimit) is a separate limiter, not this one.
type PeerRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*peerLimitEntry
	rps     rate.Limit
	burst   int
	maxAge  time.Duration
	stopCh  chan struct{}
}

// NewPeerRateLimiter creates a PeerRateLimiter and starts its background
// stale-entry cleanup loop.
func NewPeerRateLimiter(rps float64, burst int) *PeerRateLimiter {
	rl := &PeerRateLimiter{
		entries: make(map[string]*peerLimitEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		maxAge:  10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a connection attempt or refresh request from addr
// is within budget, consuming one token if so.
func (rl *PeerRateLimiter) Allow(addr net.Addr) bool {
	key := peerKey(addr)
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &peerLimitEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()
	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *PeerRateLimiter) Stop() { close(rl.stopCh) }

func (rl *PeerRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *PeerRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.maxAge)
	for k, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, k)
		}
	}
}

func peerKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
