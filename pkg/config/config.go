package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lkarlslund/buddyproxy/pkg/credstore"
	"github.com/lkarlslund/buddyproxy/pkg/identity"
	"github.com/lkarlslund/buddyproxy/pkg/upstream"
)

const defaultConfigFileName = "buddyproxy.toml"

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type IdentityConfig struct {
	SignUpURL      string `toml:"signup_url"`
	RefreshURL     string `toml:"refresh_url"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type StoreConfig struct {
	Backend        string `toml:"backend"`
	Path           string `toml:"path,omitempty"`
	DSN            string `toml:"dsn,omitempty"`
	MaxConns       int32  `toml:"max_conns,omitempty"`
	MigrateOnStart bool   `toml:"migrate_on_start"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr string         `toml:"listen_addr"`
	LogLevel   string         `toml:"log_level"`
	Upstream   UpstreamConfig `toml:"upstream"`
	Identity   IdentityConfig `toml:"identity"`
	Store      StoreConfig    `toml:"store"`
	CORS       CORSConfig     `toml:"cors"`
	Metrics    MetricsConfig  `toml:"metrics"`
	TLS        TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "buddyproxy", defaultConfigFileName)
}

func DefaultTokenStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokens.json"
	}
	return filepath.Join(home, ".cache", "buddyproxy", "tokens.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "buddyproxy", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",
		Upstream: UpstreamConfig{
			BaseURL: upstream.DefaultBaseURL,
		},
		Identity: IdentityConfig{
			SignUpURL:  identity.DefaultSignUpURL,
			RefreshURL: identity.DefaultRefreshURL,
		},
		Store: StoreConfig{
			Backend:        credstore.BackendMemory,
			MigrateOnStart: true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig loads path, writing the defaults there first when
// the file does not exist.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Marshal renders v the way Save writes it.
func Marshal(v any) ([]byte, error) {
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
		c.ListenAddr = ":8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = upstream.DefaultBaseURL
	}
	c.Identity.SignUpURL = strings.TrimSpace(c.Identity.SignUpURL)
	if c.Identity.SignUpURL == "" {
		c.Identity.SignUpURL = identity.DefaultSignUpURL
	}
	c.Identity.RefreshURL = strings.TrimSpace(c.Identity.RefreshURL)
	if c.Identity.RefreshURL == "" {
		c.Identity.RefreshURL = identity.DefaultRefreshURL
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = credstore.BackendMemory
	}
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Backend == credstore.BackendFile && c.Store.Path == "" {
		c.Store.Path = DefaultTokenStorePath()
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)

	origins := make([]string, 0, len(c.CORS.AllowedOrigins))
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.AllowedOrigins = origins

	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}

	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if err := validateURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
		return err
	}
	if err := validateURL("identity.signup_url", c.Identity.SignUpURL); err != nil {
		return err
	}
	if err := validateURL("identity.refresh_url", c.Identity.RefreshURL); err != nil {
		return err
	}
	if c.Upstream.TimeoutSeconds < 0 || c.Identity.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be >= 0")
	}

	switch c.Store.Backend {
	case credstore.BackendMemory:
	case credstore.BackendFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file backend")
		}
	case credstore.BackendPostgres, credstore.BackendMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("%w: %q", credstore.ErrUnknownBackend, c.Store.Backend)
	}
	if c.Store.MaxConns < 0 {
		return errors.New("store.max_conns must be >= 0")
	}

	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q: absolute http(s) URL required", field, raw)
	}
	return nil
}

func (c *ServerConfig) UpstreamClientConfig() upstream.Config {
	return upstream.Config{
		BaseURL: c.Upstream.BaseURL,
		Timeout: seconds(c.Upstream.TimeoutSeconds),
	}
}

func (c *ServerConfig) IdentityClientConfig() identity.Config {
	return identity.Config{
		SignUpURL:  c.Identity.SignUpURL,
		RefreshURL: c.Identity.RefreshURL,
		Timeout:    seconds(c.Identity.TimeoutSeconds),
	}
}

func (c *ServerConfig) CredStoreConfig() credstore.Config {
	return credstore.Config{
		Backend:        c.Store.Backend,
		Path:           c.Store.Path,
		DSN:            c.Store.DSN,
		MaxConns:       c.Store.MaxConns,
		MigrateOnStart: c.Store.MigrateOnStart,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
