package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/kotoba/pkg/config"
)

const accessCodeHeader = "X-Access-Code"

type credentials struct {
	APIKey string
	APIURL string
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// resolveCredentials picks the key (bearer header, then configured) and the URL (request
// field unless pinned, then configured, then the built-in default).
func (s *Server) resolveCredentials(h http.Header, requestURL string) (credentials, error) {
	key := bearerToken(h)
	if key == "" {
		key = strings.TrimSpace(s.cfg.Upstream.APIKey)
	}
	if key == "" {
		return credentials{}, errMissingCredential()
	}
	u := strings.TrimSpace(requestURL)
	if u != "" && s.cfg.Upstream.PinAPIURL {
		log.Debug("ignoring request apiUrl, upstream url is pinned", "api_url", u)
		u = ""
	}
	if u == "" {
		u = strings.TrimSpace(s.cfg.Upstream.APIURL)
	}
	if u == "" {
		u = config.DefaultAPIURL
	}
	return credentials{APIKey: key, APIURL: u}, nil
}

func validateAPIURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidRequest("apiUrl must be an absolute http(s) URL")
	}
	return nil
}

func accessCodeMatches(configured, supplied string) bool {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(strings.TrimSpace(supplied))) == 1
}

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"requiresAuth": s.cfg.RequiresAuth()})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err == nil && len(strings.TrimSpace(string(body))) > 0 {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		log.Error("auth: unreadable request", "err", err)
		writeJSON(w, http.StatusInternalServerError, authResponse{Success: false, Message: "Authentication failed"})
		return
	}
	if !s.cfg.RequiresAuth() {
		writeJSON(w, http.StatusOK, authResponse{Success: true, Message: "No password required"})
		return
	}
	if !accessCodeMatches(s.cfg.AccessCode, req.Password) {
		log.Warn("auth: wrong password", "ip", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, authResponse{Success: false, Message: "Invalid password"})
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Success: true, Message: "Authenticated"})
}

// requireAccessCode gates operator endpoints. Without a configured code they stay closed.
func (s *Server) requireAccessCode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequiresAuth() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: errorMessage{Message: "an access code must be configured to use this endpoint"}})
			return
		}
		supplied := r.Header.Get(accessCodeHeader)
		if supplied == "" {
			supplied = r.URL.Query().Get("code")
		}
		if strings.TrimSpace(supplied) == "" || !accessCodeMatches(s.cfg.AccessCode, supplied) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorMessage{Message: "unauthorized"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}
