package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/kotoba/pkg/provider"
)

type relayMode int

const (
	modeJSON relayMode = iota
	modeStream
	modeSpeech
)

func (m relayMode) String() string {
	switch m {
	case modeStream:
		return "stream"
	case modeSpeech:
		return "speech"
	default:
		return "json"
	}
}

// forwardRequest is implemented by every AI route body.
type forwardRequest interface {
	// requestAPIURL is the caller supplied endpoint override, or "".
	requestAPIURL() string
	validate() error
	build(s *Server, creds credentials) (outbound, error)
}

type outbound struct {
	target  provider.Target
	payload any
	mode    relayMode
	// contentType is used for modeStream only.
	contentType string
}

// forwardHandler decodes the body, resolves credentials, validates, then makes exactly one
// upstream call and relays the answer. Failures before the call never reach the upstream.
func (s *Server) forwardHandler(newRequest func() forwardRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := newRequest()
		if err := s.decodeBody(w, r, req); err != nil {
			writeError(w, r, err)
			return
		}
		creds, err := s.resolveCredentials(r.Header, req.requestAPIURL())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := validateAPIURL(creds.APIURL); err != nil {
			writeError(w, r, err)
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		out, err := req.build(s, creds)
		if err != nil {
			writeError(w, r, err)
			return
		}

		start := time.Now()
		resp, err := s.client.Post(r.Context(), out.target, out.payload)
		if err != nil {
			var httpErr *provider.HTTPError
			switch {
			case errors.As(err, &httpErr):
				writeError(w, r, upstreamError(httpErr))
			case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
				log.Debug("client went away before upstream answered", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
			default:
				writeError(w, r, internalError("Upstream request failed", err))
			}
			return
		}
		defer resp.Body.Close()
		log.Debug("upstream responded", "path", r.URL.Path, "mode", out.mode, "status", resp.StatusCode, "latency", time.Since(start))

		switch out.mode {
		case modeStream:
			if err := relayStream(w, resp, out.contentType); err != nil {
				log.Warn("stream relay aborted", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
			}
		case modeSpeech:
			if err := relaySpeech(w, resp); err != nil {
				writeError(w, r, err)
			}
		default:
			if err := relayJSON(w, resp); err != nil {
				writeError(w, r, err)
			}
		}
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := invalidRequest("request body exceeds %d bytes", tooLarge.Limit)
			e.Status = http.StatusRequestEntityTooLarge
			return e
		}
		return invalidRequest("failed to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return invalidRequest("invalid JSON body: %v", err)
	}
	return nil
}

// relayStream copies upstream bytes to the client unmodified, flushing after every read.
func relayStream(w http.ResponseWriter, resp *http.Response, contentType string) error {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// relayJSON re-emits a syntactically valid upstream JSON body byte for byte.
func relayJSON(w http.ResponseWriter, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internalError("Failed to read upstream response", err)
	}
	if !json.Valid(body) {
		return internalError("Upstream returned invalid JSON", fmt.Errorf("%d byte body is not JSON", len(body)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return nil
}

func relaySpeech(w http.ResponseWriter, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internalError("Failed to read upstream response", err)
	}
	speech, err := provider.ExtractSpeech(body)
	if err != nil {
		if errors.Is(err, provider.ErrNoAudioData) {
			return errNoAudioData()
		}
		return internalError("Upstream returned invalid JSON", err)
	}
	writeJSON(w, http.StatusOK, speech)
	return nil
}
