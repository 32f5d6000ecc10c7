// Package debugserver serves pprof, a liveness probe and JSON counters on an
// optional local HTTP listener.
package debugserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback Addr needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// MetricsFunc returns the value served as JSON on /metrics.
type MetricsFunc func(ctx context.Context) (any, error)

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	metrics MetricsFunc

	sup  *rtsup.Supervisor
	addr string
}

func New(metrics MetricsFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{metrics: metrics, log: log}
}

// Addr is the bound listen address, empty while not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply installs cfg and starts, stops or restarts the listener as needed.
// Safe to call on every config reload.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func (s *Server) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	// Debug endpoints never take the daemon down.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("debug.http", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the listener down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("debug server stop", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !IsLoopbackAddr(addr) {
		s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("debug server: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("debug server listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.mux(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(cur.Prefix)),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *Server) mux(cur Config) *http.ServeMux {
	prefix := normalizePrefix(cur.Prefix)
	guard := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	routes := map[string]http.HandlerFunc{
		"/healthz": func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) },
		"/metrics": s.serveMetrics,

		prefix:              pprofIndexAt(prefix),
		prefix + "cmdline": hpprof.Cmdline,
		prefix + "profile": hpprof.Profile,
		prefix + "symbol":  hpprof.Symbol,
		prefix + "trace":   hpprof.Trace,
	}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, guard(h))
	}
	mux.Handle(strings.TrimSuffix(prefix, "/"), http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	return mux
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	v, err := s.metrics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth requires the token as a bearer header or a token query param.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			unauthorized(w)
			return
		}
		h(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return "/debug/pprof/"
	}
	return "/" + p + "/"
}

// pprof.Index expects requests rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

// IsLoopbackAddr reports whether host:port binds only to loopback. An empty
// host binds every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
