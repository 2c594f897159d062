// Package server is the Postgres v3 wire-protocol front-end: startup and
// authentication, the access guard, and the simple and extended query
// flows over the engine.
package server

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/engine"
	"github.com/queryproxy/queryproxy/hooks"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "queryproxy_connections_open",
	Help: "Number of currently open client connections",
})

var queryDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "queryproxy_query_duration_seconds",
	Help:    "Query execution duration in seconds",
	Buckets: prometheus.DefBuckets,
})

var queryErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "queryproxy_query_errors_total",
	Help: "Total number of failed queries",
})

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "queryproxy_auth_failures_total",
	Help: "Total number of authentication failures",
})

var rateLimitRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "queryproxy_rate_limit_rejects_total",
	Help: "Total number of connections rejected due to rate limiting",
})

var queryCancellationsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "queryproxy_query_cancellations_total",
	Help: "Total number of queries cancelled via cancel request",
})

// BackendKey uniquely identifies a backend connection for cancel requests.
type BackendKey struct {
	Pid       int32
	SecretKey int32
}

// Config is the wire front-end configuration.
type Config struct {
	Host string
	Port int

	// TLS is optional; when both files are set the server answers
	// SSLRequest with 'S' and upgrades.
	TLSCertFile string
	TLSKeyFile  string

	RateLimit RateLimitConfig

	// ShutdownTimeout bounds the drain on Close (default 30s).
	ShutdownTimeout time.Duration

	// IdleTimeout closes connections with no traffic (default 24h,
	// negative disables).
	IdleTimeout time.Duration
}

// Server accepts client connections and serves them sessions.
type Server struct {
	cfg         Config
	store       *catalog.Store
	cache       *engine.Cache
	pipeline    []hooks.Hook
	listener    net.Listener
	tlsConfig   *tls.Config
	rateLimiter *RateLimiter
	wg          sync.WaitGroup
	closed      bool
	closeMu     sync.Mutex
	activeConns int64

	nextPid int32

	// Query cancellation tracking for wire-level cancel requests.
	activeQueries   map[BackendKey]func()
	activeQueriesMu sync.RWMutex
}

// New builds a server over the admin store and the engine cache.
func New(cfg Config, store *catalog.Store, cache *engine.Cache) (*Server, error) {
	if cfg.RateLimit.MaxFailedAttempts == 0 {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}

	s := &Server{
		cfg:           cfg,
		store:         store,
		cache:         cache,
		pipeline:      hooks.Pipeline(),
		rateLimiter:   NewRateLimiter(cfg.RateLimit),
		activeQueries: make(map[BackendKey]func()),
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS keypair: %w", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return s, nil
}

// ListenAndServe binds the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from an existing listener (used for zero-
// downtime handover, where the listener comes from the upgrader).
func (s *Server) Serve(ln net.Listener) error {
	s.closeMu.Lock()
	s.listener = ln
	s.closeMu.Unlock()

	slog.Info("Proxy online", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if msg := s.rateLimiter.CheckConnection(conn.RemoteAddr()); msg != "" {
			rateLimitRejectsCounter.Inc()
			_ = writeErrorResponse(conn, "FATAL", "53300", msg)
			_ = conn.Close()
			continue
		}
		s.rateLimiter.RegisterConnection(conn.RemoteAddr())

		s.wg.Add(1)
		atomic.AddInt64(&s.activeConns, 1)
		connectionsGauge.Inc()

		go func() {
			defer func() {
				s.rateLimiter.UnregisterConnection(conn.RemoteAddr())
				atomic.AddInt64(&s.activeConns, -1)
				connectionsGauge.Dec()
				s.wg.Done()
			}()
			c := &clientConn{server: s, conn: conn}
			if err := c.serve(); err != nil {
				slog.Debug("Connection closed with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Close stops accepting and drains in-flight connections for up to the
// shutdown timeout; in-flight queries may complete within the grace
// period.
func (s *Server) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	s.closeMu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		slog.Warn("Shutdown timeout reached, cancelling in-flight queries.")
		s.activeQueriesMu.RLock()
		for _, cancel := range s.activeQueries {
			cancel()
		}
		s.activeQueriesMu.RUnlock()
	}
}

// newBackendKey allocates a per-connection key for cancel requests.
func (s *Server) newBackendKey() BackendKey {
	pid := atomic.AddInt32(&s.nextPid, 1)
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return BackendKey{Pid: pid, SecretKey: int32(binary.BigEndian.Uint32(buf[:]))}
}

func (s *Server) registerQuery(key BackendKey, cancel func()) {
	s.activeQueriesMu.Lock()
	s.activeQueries[key] = cancel
	s.activeQueriesMu.Unlock()
}

func (s *Server) unregisterQuery(key BackendKey) {
	s.activeQueriesMu.Lock()
	delete(s.activeQueries, key)
	s.activeQueriesMu.Unlock()
}

// cancelQuery trips the in-flight query for a backend key, if any.
func (s *Server) cancelQuery(key BackendKey) {
	s.activeQueriesMu.RLock()
	cancel, ok := s.activeQueries[key]
	s.activeQueriesMu.RUnlock()
	if ok {
		queryCancellationsCounter.Inc()
		cancel()
	}
}
