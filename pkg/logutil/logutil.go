package logutil

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/kotoba/pkg/logstore"
)

var (
	outputMu   sync.Mutex
	outputTee  io.Writer
	stderrSink = &stderrLevelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the stderr level and routes log/slog through the charm logger, so both
// reach stderr and the tee.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.mu.Lock()
	stderrSink.minLevel = level
	stderrSink.mu.Unlock()
	// Every level is emitted; stderr filtering happens in the sink so the tee sees debug.
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	applyOutputLocked()
	slog.SetDefault(slog.New(log.Default()))
	return nil
}

func parseConfiguredLevel(levelRaw string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "trace", "trac":
		// No native trace level.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.mu.Lock()
	outputTee = w
	stderrSink.mu.Unlock()
	applyOutputLocked()
}

func applyOutputLocked() {
	stderrSink.mu.Lock()
	stderrSink.out = os.Stderr
	stderrSink.tee = outputTee
	stderrSink.mu.Unlock()
	log.SetOutput(stderrSink)
}

type stderrLevelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
	// pass is the stderr decision of the current record, shared by its continuation lines.
	pass bool
}

func (w *stderrLevelFilterWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *stderrLevelFilterWriter) writeLineLocked(line []byte) {
	if len(line) == 0 || w.out == nil {
		return
	}
	text := string(line)
	if !logstore.IsContinuation(text) {
		w.pass = lineLevel(text) >= w.minLevel
	}
	if !w.pass {
		return
	}
	_, _ = w.out.Write(line)
}

func lineLevel(line string) log.Level {
	level, _, ok := logstore.ParseRecord(line)
	if !ok {
		return log.InfoLevel
	}
	switch level {
	case "trace", "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}
