package logstore

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxLines  = 5000
	subscriberBuffer = 64
)

type Settings struct {
	MaxLines int `json:"max_lines"`
}

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

// Store is a bounded in-memory ring of recent log lines. Nothing is written to disk.
type Store struct {
	mu sync.RWMutex

	settings Settings
	entries  []Entry

	subs   map[int]chan Entry
	nextID int
}

// Sink turns formatted log output back into entries. A record header and its indented
// continuation lines become one entry.
type Sink struct {
	store   *Store
	mu      sync.Mutex
	buf     []byte
	pending []string
	level   string
}

func normalizeSettings(s Settings) Settings {
	out := s
	if out.MaxLines <= 0 {
		out.MaxLines = defaultMaxLines
	}
	return out
}

func NewStore(settings Settings) *Store {
	return &Store{
		settings: normalizeSettings(settings),
		entries:  []Entry{},
		subs:     map[int]chan Entry{},
	}
}

func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) Add(level, message string, ts time.Time) {
	level = normalizeLevel(level)
	if level == "" || level == "all" {
		level = "info"
	}
	message = strings.TrimSpace(stripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Level:     level,
		Message:   message,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.pruneLocked()
	for _, ch := range s.subs {
		// Slow subscribers lose entries; logging never blocks on them.
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every entry added after the call. The returned
// cancel func must be called to release it; it closes the channel.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, subscriberBuffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level := normalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit > 10000 {
		limit = 10000
	}

	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !LevelMatches(level, e.Level) {
			continue
		}
		if query != "" {
			hay := strings.ToLower(e.Message + "\n" + e.Level)
			if !strings.Contains(hay, query) {
				continue
			}
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// LevelMatches reports whether an entry at entryLevel passes a "this level and above"
// filter. An empty or "all" filter matches everything.
func LevelMatches(filterLevel, entryLevel string) bool {
	f := normalizeLevel(filterLevel)
	if f == "" || f == "all" {
		return true
	}
	ev := normalizeLevel(entryLevel)
	if ev == "" {
		return false
	}
	return logLevelRank(ev) >= logLevelRank(f)
}

func logLevelRank(level string) int {
	switch normalizeLevel(level) {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return -1
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}

func (s *Store) Writer() io.Writer {
	return &Sink{store: s}
}

func (w *Sink) Write(p []byte) (int, error) {
	if w == nil || w.store == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.consumeLineLocked(line)
	}
	// The logger emits one record per Write, so a drained buffer ends the record.
	if len(w.buf) == 0 {
		w.flushLocked()
	}
	return len(p), nil
}

func (w *Sink) consumeLineLocked(raw string) {
	line := strings.TrimRight(stripANSI(raw), " \t\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if IsContinuation(line) && w.level != "" {
		if len(w.pending) == 0 {
			// Orphaned continuation keeps the level of the record it belongs to.
			w.pending = append(w.pending, strings.TrimSpace(line))
			return
		}
		w.pending = append(w.pending, line)
		return
	}
	w.flushLocked()
	level, message, ok := ParseRecord(line)
	if !ok {
		level = "info"
	}
	w.level = level
	w.pending = append(w.pending, message)
}

func (w *Sink) flushLocked() {
	if len(w.pending) == 0 {
		return
	}
	w.store.Add(w.level, strings.Join(w.pending, "\n"), time.Now().UTC())
	w.pending = w.pending[:0]
}

func (s *Store) pruneLocked() {
	maxLines := s.settings.MaxLines
	if len(s.entries) <= maxLines {
		return
	}
	start := len(s.entries) - maxLines
	s.entries = append([]Entry(nil), s.entries[start:]...)
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trac":
		return "trace"
	case "debug", "debu":
		return "debug"
	case "info", "inf":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

var levelTokens = []struct {
	level  string
	tokens []string
}{
	{"trace", []string{"TRACE", "TRAC"}},
	{"debug", []string{"DEBUG", "DEBU"}},
	{"info", []string{"INFO"}},
	{"warn", []string{"WARN", "WARNING"}},
	{"error", []string{"ERROR", "ERRO"}},
	{"fatal", []string{"FATAL", "FATA"}},
}

// ParseRecord splits a record header into level and message. The level is only read from
// its fixed position: the first field, or the field right after the timestamp. Message
// text never decides the level. ok is false when the line carries no level.
func ParseRecord(line string) (level, message string, ok bool) {
	s := strings.TrimSpace(stripANSI(line))
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", "", false
	}
	i := 0
	switch {
	case looksTimestampToken(fields[0]):
		i = 1
	case len(fields) >= 2 && looksTimestampToken(fields[0]+" "+fields[1]):
		i = 2
	}
	if i < len(fields) {
		if lv := levelToken(fields[i]); lv != "" {
			return lv, strings.Join(fields[i+1:], " "), true
		}
	}
	return "", s, false
}

// IsContinuation reports whether line continues the previous record, as the indented
// "│" lines of a multi-line value do.
func IsContinuation(line string) bool {
	s := stripANSI(line)
	if s == "" {
		return false
	}
	if s[0] == ' ' || s[0] == '\t' {
		return true
	}
	return strings.HasPrefix(s, "│")
}

func looksTimestampToken(v string) bool {
	s := strings.TrimSpace(v)
	if !strings.Contains(s, ":") {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return true
	}
	return strings.Contains(s, "T") || strings.Contains(s, "/") || strings.Contains(s, "-")
}

func levelToken(v string) string {
	s := strings.TrimSpace(v)
	if len(s) > len("level=") && strings.EqualFold(s[:len("level=")], "level=") {
		return normalizeLevel(strings.Trim(s[len("level="):], `"`))
	}
	u := strings.ToUpper(s)
	if u != s {
		return ""
	}
	for _, lt := range levelTokens {
		for _, tok := range lt.tokens {
			if u == tok {
				return lt.level
			}
		}
	}
	return ""
}

func stripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
