package server

import (
	"net"
	"sync"
	"time"
)

// RateLimitConfig tunes per-IP connection and auth-failure limiting.
type RateLimitConfig struct {
	// MaxFailedAttempts within FailedAttemptWindow triggers a ban.
	MaxFailedAttempts   int
	FailedAttemptWindow time.Duration
	// BanDuration is how long a banned IP stays rejected.
	BanDuration time.Duration
	// MaxConnectionsPerIP caps concurrent connections per IP (0 = unlimited).
	MaxConnectionsPerIP int
}

// DefaultRateLimitConfig returns the defaults applied when the config is
// left empty.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 5 * time.Minute,
		BanDuration:         15 * time.Minute,
		MaxConnectionsPerIP: 100,
	}
}

// ipRecord tracks connections and auth attempts from one IP.
type ipRecord struct {
	failedAttempts []time.Time
	bannedUntil    time.Time
	activeConns    int
}

// RateLimiter applies RateLimitConfig per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	records map[string]*ipRecord
}

// NewRateLimiter starts a limiter with a background cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  cfg,
		records: make(map[string]*ipRecord),
	}
	go rl.cleanupLoop()
	return rl
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// CheckConnection reports why a connection should be rejected, or "" when
// it is allowed.
func (rl *RateLimiter) CheckConnection(addr net.Addr) string {
	ip := extractIP(addr)
	if ip == "" {
		return ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)

	if !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil) {
		remaining := time.Until(record.bannedUntil).Round(time.Second)
		return "too many failed authentication attempts, try again in " + remaining.String()
	}
	if rl.config.MaxConnectionsPerIP > 0 && record.activeConns >= rl.config.MaxConnectionsPerIP {
		return "too many connections from your IP address"
	}
	return ""
}

// RegisterConnection claims a connection slot for the IP.
func (rl *RateLimiter) RegisterConnection(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)
	if !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil) {
		return false
	}
	if rl.config.MaxConnectionsPerIP > 0 && record.activeConns >= rl.config.MaxConnectionsPerIP {
		return false
	}
	record.activeConns++
	return true
}

// UnregisterConnection frees the IP's connection slot.
func (rl *RateLimiter) UnregisterConnection(addr net.Addr) {
	ip := extractIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if record, ok := rl.records[ip]; ok && record.activeConns > 0 {
		record.activeConns--
	}
}

// RecordFailedAuth logs a failed authentication. Returns true when the IP
// crossed the threshold and is now banned.
func (rl *RateLimiter) RecordFailedAuth(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)
	now := time.Now()
	record.failedAttempts = append(record.failedAttempts, now)

	windowStart := now.Add(-rl.config.FailedAttemptWindow)
	recent := 0
	for _, t := range record.failedAttempts {
		if t.After(windowStart) {
			recent++
		}
	}
	if recent >= rl.config.MaxFailedAttempts {
		record.bannedUntil = now.Add(rl.config.BanDuration)
		return true
	}
	return false
}

// RecordSuccessfulAuth clears the IP's failure history.
func (rl *RateLimiter) RecordSuccessfulAuth(addr net.Addr) {
	ip := extractIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if record, ok := rl.records[ip]; ok {
		record.failedAttempts = nil
		record.bannedUntil = time.Time{}
	}
}

func (rl *RateLimiter) getOrCreateRecord(ip string) *ipRecord {
	record, ok := rl.records[ip]
	if !ok {
		record = &ipRecord{}
		rl.records[ip] = record
	}
	return record
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.cleanup()
	}
}

// cleanup drops expired attempts, bans, and empty records.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.config.FailedAttemptWindow)

	for ip, record := range rl.records {
		var recent []time.Time
		for _, t := range record.failedAttempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		record.failedAttempts = recent

		if !record.bannedUntil.IsZero() && now.After(record.bannedUntil) {
			record.bannedUntil = time.Time{}
		}

		if len(record.failedAttempts) == 0 && record.bannedUntil.IsZero() && record.activeConns == 0 {
			delete(rl.records, ip)
		}
	}
}
