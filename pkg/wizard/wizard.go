package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lkarlslund/kotoba/pkg/config"
)

func RunServerWizard(path string, cfg *config.ServerConfig) error {
	return run(os.Stdin, os.Stdout, path, cfg)
}

func run(r io.Reader, w io.Writer, path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(r)
	fmt.Fprintln(w, "Server configuration wizard")
	cfg.ListenAddr = ask(in, w, "Listen address", cfg.ListenAddr)
	cfg.AccessCode = ask(in, w, "Access code (blank disables the password gate)", cfg.AccessCode)

	fmt.Fprintln(w, "Chat completions upstream")
	cfg.Upstream.APIURL = ask(in, w, "  api_url", cfg.Upstream.APIURL)
	cfg.Upstream.APIKey = ask(in, w, "  api_key", cfg.Upstream.APIKey)
	cfg.Upstream.Model = ask(in, w, "  model", cfg.Upstream.Model)
	tout := ask(in, w, "  timeout_seconds (0 = none)", strconv.Itoa(cfg.Upstream.TimeoutSeconds))
	if v, err := strconv.Atoi(strings.TrimSpace(tout)); err == nil && v >= 0 {
		cfg.Upstream.TimeoutSeconds = v
	}
	pin := ask(in, w, "  ignore apiUrl sent by clients? (y/N)", boolStr(cfg.Upstream.PinAPIURL))
	cfg.Upstream.PinAPIURL = isYes(pin)

	fmt.Fprintln(w, "Text-to-speech")
	cfg.Speech.BaseURL = ask(in, w, "  base_url", cfg.Speech.BaseURL)
	cfg.Speech.Model = ask(in, w, "  model", cfg.Speech.Model)
	cfg.Speech.Voice = ask(in, w, "  voice", cfg.Speech.Voice)

	cfg.MaxBodySize = ask(in, w, "Max request body size", cfg.MaxBodySize)

	tlsEnabled := ask(in, w, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled))
	cfg.TLS.Enabled = isYes(tlsEnabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, w, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, w, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, w, "ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, w io.Writer, label, def string) string {
	if def == "" {
		fmt.Fprintf(w, "%s: ", label)
	} else {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true":
		return true
	}
	return false
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
