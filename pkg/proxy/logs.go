package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lkarlslund/kotoba/pkg/logstore"
)

const (
	logsWSPingInterval = 25 * time.Second
	logsWSReadTimeout  = 60 * time.Second
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.logs.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	entries := s.logs.List(logstore.ListFilter{
		Level: q.Get("level"),
		Query: q.Get("q"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

var logsUpgrader = websocket.Upgrader{
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

// handleLogsWebsocket pushes every new log entry as a JSON text frame. An optional level
// query parameter filters the feed the same way as the list endpoint.
func (s *Server) handleLogsWebsocket(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	conn, err := logsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(logsWSReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(logsWSReadTimeout))
	})

	entries, cancel := s.logs.Subscribe()
	defer cancel()

	pingTicker := time.NewTicker(logsWSPingInterval)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-s.shutdown:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			if !logstore.LevelMatches(level, e.Level) {
				continue
			}
			msg, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
