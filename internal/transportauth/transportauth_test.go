package transportauth

import (
	"net"
	"testing"
	"time"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:32]
}

func TestIssueAndVerifyRoundtrip(t *testing.T) {
	ti := NewTokenIssuer(testSecret())

	tok, expiresAt, err := ti.Issue()
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("Issue() returned an already-expired token")
	}

	subject, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if subject == "" {
		t.Fatal("Verify() returned an empty subject")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(testSecret())
	tok, _, err := issuer.Issue()
	if err != nil {
		t.Fatal(err)
	}

	other := NewTokenIssuer([]byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected Verify() with mismatched secret to fail")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	ti := NewTokenIssuer(testSecret())
	if _, err := ti.Verify("not-a-jwt"); err == nil {
		t.Fatal("expected Verify() to reject malformed token")
	}
}

func TestPeerRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewPeerRateLimiter(1, 2)
	defer rl.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 4000}

	if !rl.Allow(addr) {
		t.Fatal("expected first connection to be allowed")
	}
	if !rl.Allow(addr) {
		t.Fatal("expected second connection to be allowed (burst = 2)")
	}
	if rl.Allow(addr) {
		t.Fatal("expected third connection to exceed burst")
	}

	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 4000}
	if !rl.Allow(other) {
		t.Fatal("expected a different peer to be unaffected")
	}
}

func TestPeerRateLimiterCleanup(t *testing.T) {
	rl := NewPeerRateLimiter(10, 10)
	defer rl.Stop()
	rl.maxAge = 0

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	rl.Allow(addr)

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	rl.cleanup()

	rl.mu.Lock()
	count = len(rl.entries)
	rl.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 entries after cleanup, got %d", count)
	}
}
