package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/go-errors/errors"
	"github.com/lkarlslund/kotoba/pkg/provider"
)

type ErrorKind string

const (
	KindMissingCredential ErrorKind = "missing_credential"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindUpstream          ErrorKind = "upstream_error"
	KindNoAudioData       ErrorKind = "no_audio_data"
	KindInternal          ErrorKind = "internal_error"
)

const missingCredentialMessage = "API key is not configured"

// Error is the only error type handlers hand to writeError. Upstream, when set, replaces
// the generated {message} object in the response body.
type Error struct {
	Kind     ErrorKind
	Status   int
	Message  string
	Upstream json.RawMessage
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func errMissingCredential() *Error {
	return &Error{Kind: KindMissingCredential, Status: http.StatusInternalServerError, Message: missingCredentialMessage}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errNoAudioData() *Error {
	return &Error{Kind: KindNoAudioData, Status: http.StatusInternalServerError, Message: "No audio data received"}
}

// internalError records a stack trace at the call site.
func internalError(message string, err error) *Error {
	var stacked *goerrors.Error
	if err != nil && !errors.As(err, &stacked) {
		err = goerrors.Wrap(err, 1)
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// upstreamError keeps the upstream status and picks the member to relay: the JSON "error"
// field, else the whole JSON document, else the raw text as a message.
func upstreamError(httpErr *provider.HTTPError) *Error {
	e := &Error{Kind: KindUpstream, Status: httpErr.StatusCode, Err: httpErr}
	body := bytes.TrimSpace(httpErr.Body)
	if json.Valid(body) && len(body) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err == nil {
			if member, ok := obj["error"]; ok && len(member) > 0 && string(member) != "null" {
				e.Upstream = member
			}
		}
		if e.Upstream == nil {
			e.Upstream = json.RawMessage(body)
		}
		e.Message = upstreamMessage(e.Upstream)
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(httpErr.StatusCode)
	}
	if e.Status < 400 || e.Status > 599 {
		e.Status = http.StatusBadGateway
	}
	return e
}

func upstreamMessage(member json.RawMessage) string {
	var withMessage struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(member, &withMessage); err == nil && withMessage.Message != "" {
		return withMessage.Message
	}
	var s string
	if err := json.Unmarshal(member, &s); err == nil {
		return s
	}
	return ""
}

type errorBody struct {
	Error any `json:"error"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = internalError("Internal server error", err)
	}
	logError(r, e)

	if e.Upstream != nil {
		writeJSON(w, e.Status, errorBody{Error: e.Upstream})
		return
	}
	writeJSON(w, e.Status, errorBody{Error: errorMessage{Message: e.Message}})
}

func logError(r *http.Request, e *Error) {
	kv := []any{"kind", e.Kind, "status", e.Status, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context())}
	if e.Err != nil {
		kv = append(kv, "err", e.Err.Error())
	}
	if e.Status >= 500 {
		log.Error(e.Message, kv...)
	} else {
		log.Warn(e.Message, kv...)
	}
	var stacked *goerrors.Error
	if errors.As(e.Err, &stacked) {
		log.Debug("stack trace", "request_id", middleware.GetReqID(r.Context()), "stack", stacked.ErrorStack())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
