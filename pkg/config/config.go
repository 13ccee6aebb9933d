package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	units "github.com/labstack/gommon/bytes"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "kotoba.toml"

	DefaultListenAddr   = "127.0.0.1:3000"
	DefaultAPIURL       = "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"
	DefaultModel        = "gemini-2.5-flash"
	DefaultSpeechURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultSpeechModel  = "gemini-2.5-flash-preview-tts"
	DefaultSpeechVoice  = "Kore"
	DefaultMaxBodySize  = "8MB"
	defaultLogMaxLines  = 5000
	minLogMaxLines      = 100
	maxLogMaxLines      = 200000
	minMaxBodySizeBytes = 1024
)

// Environment variables consumed on top of the config file.
const (
	EnvAPIKey     = "API_KEY"
	EnvAPIURL     = "API_URL"
	EnvAccessCode = "CODE"
	EnvListenAddr = "KOTOBA_LISTEN_ADDR"
)

// UpstreamConfig describes the OpenAI-compatible chat completions endpoint used by the
// chat, grammar-analysis and word-detail routes.
type UpstreamConfig struct {
	APIKey         string `toml:"api_key,omitempty"`
	APIURL         string `toml:"api_url,omitempty"`
	Model          string `toml:"model,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
	// PinAPIURL ignores the apiUrl field of requests, so the configured key is only ever
	// sent to APIURL.
	PinAPIURL bool `toml:"pin_api_url,omitempty"`
}

// SpeechConfig describes the Gemini generateContent endpoint used for text-to-speech.
type SpeechConfig struct {
	BaseURL string `toml:"base_url,omitempty"`
	Model   string `toml:"model,omitempty"`
	Voice   string `toml:"voice,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

type LogsConfig struct {
	MaxLines int `toml:"max_lines,omitempty"`
}

type ServerConfig struct {
	ListenAddr  string         `toml:"listen_addr"`
	AccessCode  string         `toml:"access_code,omitempty"`
	MaxBodySize string         `toml:"max_body_size,omitempty"`
	LogLevel    string         `toml:"log_level,omitempty"`
	Upstream    UpstreamConfig `toml:"upstream"`
	Speech      SpeechConfig   `toml:"speech"`
	Logs        LogsConfig     `toml:"logs"`
	TLS         TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "kotoba", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "kotoba", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:  DefaultListenAddr,
		MaxBodySize: DefaultMaxBodySize,
		LogLevel:    "info",
		Upstream: UpstreamConfig{
			APIURL: DefaultAPIURL,
			Model:  DefaultModel,
		},
		Speech: SpeechConfig{
			BaseURL: DefaultSpeechURL,
			Model:   DefaultSpeechModel,
			Voice:   DefaultSpeechVoice,
		},
		Logs: LogsConfig{
			MaxLines: defaultLogMaxLines,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig reads the TOML file at path. A missing file is reported with an error
// wrapping os.ErrNotExist so callers can fall back to defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load resolves the effective server configuration: defaults, then the TOML file if it
// exists, then environment variables (after loading envFile into the process environment).
func Load(path, envFile string) (*ServerConfig, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = NewDefaultServerConfig()
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on the file configuration.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Upstream.APIKey = v
	}
	if v, ok := lookup(EnvAPIURL); ok && strings.TrimSpace(v) != "" {
		c.Upstream.APIURL = v
	}
	if v, ok := lookup(EnvAccessCode); ok && strings.TrimSpace(v) != "" {
		c.AccessCode = v
	}
	if v, ok := lookup(EnvListenAddr); ok && strings.TrimSpace(v) != "" {
		c.ListenAddr = v
	}
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.AccessCode = strings.TrimSpace(c.AccessCode)
	c.MaxBodySize = strings.TrimSpace(c.MaxBodySize)
	if c.MaxBodySize == "" {
		c.MaxBodySize = DefaultMaxBodySize
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	c.Upstream.APIURL = strings.TrimSpace(c.Upstream.APIURL)
	if c.Upstream.APIURL == "" {
		c.Upstream.APIURL = DefaultAPIURL
	}
	c.Upstream.Model = strings.TrimSpace(c.Upstream.Model)
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultModel
	}
	if c.Upstream.TimeoutSeconds < 0 {
		c.Upstream.TimeoutSeconds = 0
	}

	c.Speech.BaseURL = strings.TrimRight(strings.TrimSpace(c.Speech.BaseURL), "/")
	if c.Speech.BaseURL == "" {
		c.Speech.BaseURL = DefaultSpeechURL
	}
	c.Speech.Model = strings.TrimSpace(c.Speech.Model)
	if c.Speech.Model == "" {
		c.Speech.Model = DefaultSpeechModel
	}
	c.Speech.Voice = strings.TrimSpace(c.Speech.Voice)
	if c.Speech.Voice == "" {
		c.Speech.Voice = DefaultSpeechVoice
	}

	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = defaultLogMaxLines
	}

	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	size, err := units.Parse(c.MaxBodySize)
	if err != nil {
		return fmt.Errorf("max_body_size %q: %w", c.MaxBodySize, err)
	}
	if size < minMaxBodySizeBytes {
		return fmt.Errorf("max_body_size must be >= %s", units.Format(minMaxBodySizeBytes))
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error, fatal")
	}
	if !strings.HasPrefix(c.Upstream.APIURL, "http://") && !strings.HasPrefix(c.Upstream.APIURL, "https://") {
		return fmt.Errorf("upstream.api_url must be an http(s) URL")
	}
	if !strings.HasPrefix(c.Speech.BaseURL, "http://") && !strings.HasPrefix(c.Speech.BaseURL, "https://") {
		return fmt.Errorf("speech.base_url must be an http(s) URL")
	}
	if c.Logs.MaxLines < minLogMaxLines {
		return fmt.Errorf("logs.max_lines must be >= %d", minLogMaxLines)
	}
	if c.Logs.MaxLines > maxLogMaxLines {
		return fmt.Errorf("logs.max_lines must be <= %d", maxLogMaxLines)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// MaxBodyBytes returns the parsed request body limit. Validate must have succeeded.
func (c *ServerConfig) MaxBodyBytes() int64 {
	size, err := units.Parse(c.MaxBodySize)
	if err != nil || size <= 0 {
		size, _ = units.Parse(DefaultMaxBodySize)
	}
	return size
}

// RequiresAuth reports whether the access gate is active.
func (c *ServerConfig) RequiresAuth() bool {
	return strings.TrimSpace(c.AccessCode) != ""
}
