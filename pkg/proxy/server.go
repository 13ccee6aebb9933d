package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/go-errors/errors"
	"github.com/lkarlslund/kotoba/pkg/config"
	"github.com/lkarlslund/kotoba/pkg/llmclient"
	"github.com/lkarlslund/kotoba/pkg/logstore"
	"github.com/lkarlslund/kotoba/pkg/provider"
	"github.com/lkarlslund/kotoba/pkg/version"
	"golang.org/x/crypto/acme/autocert"
)

type Server struct {
	cfg            config.ServerConfig
	maxBodyBytes   int64
	client         *provider.Client
	logs           *logstore.Store
	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
	shutdown       chan struct{}
	shutdownOnce   sync.Once
}

// NewServer wires the HTTP routes around a validated configuration. logs may be nil, in
// which case a private log ring is created.
func NewServer(cfg *config.ServerConfig, logs *logstore.Store) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil server config")
	}
	c := *cfg
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if logs == nil {
		logs = logstore.NewStore(logstore.Settings{MaxLines: c.Logs.MaxLines})
	}
	transport := llmclient.NewSession(llmclient.WithUserAgent(version.UserAgent())).WrapRoundTripper(nil)

	s := &Server{
		cfg:          c,
		maxBodyBytes: c.MaxBodyBytes(),
		client:       provider.NewClient(time.Duration(c.Upstream.TimeoutSeconds)*time.Second, transport),
		logs:         logs,
		shutdown:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/auth", s.handleAuthStatus)
		api.Post("/auth", s.handleAuthLogin)
		api.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, version.Current())
		})

		api.Group(func(ai chi.Router) {
			ai.Use(s.trackActive)
			ai.Post("/chat", s.forwardHandler(func() forwardRequest { return &ChatRequest{} }))
			ai.Post("/grammar-analysis", s.forwardHandler(func() forwardRequest { return &GrammarAnalysisRequest{} }))
			ai.Post("/word-detail", s.forwardHandler(func() forwardRequest { return &WordDetailRequest{} }))
			ai.Post("/tts", s.forwardHandler(func() forwardRequest { return &TTSRequest{} }))
		})

		api.Group(func(ops chi.Router) {
			ops.Use(s.requireAccessCode)
			ops.Get("/logs", s.handleLogs)
			ops.Delete("/logs", s.handleLogs)
			ops.Get("/logs/ws", s.handleLogsWebsocket)
		})
	})

	s.httpServer = &http.Server{
		Addr:              c.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("http challenge/redirect listening on :80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Printf("https listening on :443 for %s", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForStop(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return err
	}

	go func() {
		log.Printf("kotoba listening on %s", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	err := s.waitForStop(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return err
}

// waitForStop blocks until ctx ends or a listener fails, then drains in-flight AI requests.
func (s *Server) waitForStop(ctx context.Context, errCh <-chan error) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.draining.Store(true)
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForIdle(drainCtx)
	if err != nil {
		return err
	}
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// requestLifecycleMiddleware turns away new /api/ requests once shutdown has begun.
func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorMessage{Message: "server shutting down"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trackActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Printf("shutdown: idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Printf("shutdown: waiting for %d active request(s)", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on active requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			kv := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).Round(time.Millisecond),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if r.URL.Path == "/healthz" {
				log.Debug("http request", kv...)
				return
			}
			log.Info("http request", kv...)
		}()
		next.ServeHTTP(ww, r)
	})
}

// recoverer converts handler panics into a JSON InternalError.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			writeError(w, r, internalError("Internal server error", goerrors.Wrap(rec, 2)))
		}()
		next.ServeHTTP(w, r)
	})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
