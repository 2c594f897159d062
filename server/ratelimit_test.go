package server

import (
	"net"
	"testing"
	"time"
)

func addr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 54321}
}

func testLimiter() *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		MaxFailedAttempts:   3,
		FailedAttemptWindow: time.Minute,
		BanDuration:         time.Minute,
		MaxConnectionsPerIP: 2,
	})
}

func TestRateLimiterBansAfterFailures(t *testing.T) {
	rl := testLimiter()
	a := addr("10.0.0.1")

	if rl.RecordFailedAuth(a) {
		t.Error("first failure should not ban")
	}
	rl.RecordFailedAuth(a)
	if !rl.RecordFailedAuth(a) {
		t.Error("third failure should ban")
	}
	if msg := rl.CheckConnection(a); msg == "" {
		t.Error("banned IP should be rejected")
	}
	if msg := rl.CheckConnection(addr("10.0.0.2")); msg != "" {
		t.Errorf("other IP rejected: %s", msg)
	}
}

func TestRateLimiterSuccessClearsFailures(t *testing.T) {
	rl := testLimiter()
	a := addr("10.0.0.1")

	rl.RecordFailedAuth(a)
	rl.RecordFailedAuth(a)
	rl.RecordSuccessfulAuth(a)
	if rl.RecordFailedAuth(a) {
		t.Error("failure count should reset after success")
	}
}

func TestRateLimiterConnectionCap(t *testing.T) {
	rl := testLimiter()
	a := addr("10.0.0.1")

	if !rl.RegisterConnection(a) || !rl.RegisterConnection(a) {
		t.Fatal("connections under the cap should register")
	}
	if rl.RegisterConnection(a) {
		t.Error("third concurrent connection should be rejected")
	}
	rl.UnregisterConnection(a)
	if !rl.RegisterConnection(a) {
		t.Error("freed slot should register")
	}
}
