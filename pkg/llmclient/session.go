package llmclient

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Session holds the headers stamped on every outbound upstream request.
type Session struct {
	UserAgent string
}

type Option func(*Session)

func NewSession(opts ...Option) Session {
	s := Session{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.UserAgent = strings.TrimSpace(s.UserAgent)
	return s
}

func WithUserAgent(ua string) Option {
	ua = strings.TrimSpace(ua)
	return func(s *Session) {
		s.UserAgent = ua
	}
}

func (s Session) WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	return sessionHeaderRoundTripper{
		Base:      base,
		UserAgent: s.UserAgent,
	}
}

type sessionHeaderRoundTripper struct {
	Base      http.RoundTripper
	UserAgent string
}

// RoundTrip copies the inbound chi request id into X-Request-ID so upstream logs can be
// correlated with ours.
func (rt sessionHeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if rid := strings.TrimSpace(middleware.GetReqID(req.Context())); rid != "" && out.Header.Get("X-Request-ID") == "" {
		out.Header.Set("X-Request-ID", rid)
	}
	if rt.UserAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", rt.UserAgent)
	}
	return base.RoundTrip(out)
}
