package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lkarlslund/kotoba/pkg/config"
	"github.com/lkarlslund/kotoba/pkg/logstore"
)

type upstreamSpy struct {
	mu     sync.Mutex
	hits   int
	path   string
	header http.Header
	body   []byte
}

func (s *upstreamSpy) record(r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.path = r.URL.Path
	s.header = r.Header.Clone()
	s.body = b
}

func (s *upstreamSpy) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *upstreamSpy) Last() (string, http.Header, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.header, s.body
}

// newUpstream starts a fake provider that records each call before delegating to respond.
func newUpstream(t *testing.T, respond http.HandlerFunc) (*httptest.Server, *upstreamSpy) {
	t.Helper()
	spy := &upstreamSpy{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spy.record(r)
		respond(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, spy
}

func newTestServer(t *testing.T, upstreamURL string, mutate func(*config.ServerConfig)) *Server {
	t.Helper()
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.APIKey = "server-key"
	cfg.Upstream.APIURL = upstreamURL + "/v1/chat/completions"
	cfg.Upstream.Model = "test-model"
	cfg.Speech.BaseURL = upstreamURL + "/v1beta"
	cfg.TLS.CacheDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(cfg, logstore.NewStore(logstore.Settings{MaxLines: 100}))
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func jsonOK(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
