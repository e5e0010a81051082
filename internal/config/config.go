// Package config loads the JSON gateway configuration file (spec §6's
// "Config file (JSON)" table), grounded on the teacher's per-provider
// Config/Validate shape (pkg/providers/moonshot/config.go,
// pkg/providers/alibaba/config.go): a plain struct, a loader, and a
// Validate method returning a descriptive error rather than panicking.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// TLSBackend selects the outbound TLS implementation name carried through
// from the config file. Go's net/http always uses crypto/tls regardless of
// this value; the field is retained for wire/config compatibility with
// deployments that pin one of these two names.
type TLSBackend string

const (
	TLSBackendRustls    TLSBackend = "rustls"
	TLSBackendNativeTLS TLSBackend = "native-tls"
)

// AuthType mirrors internal/tokencount.AuthType at the config-file layer.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "x-api-key"
	AuthTypeBearer AuthType = "bearer"
)

const DefaultRegion = "us-east-1"

// Config is the fully-resolved gateway configuration.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	APIKey      string     `json:"apiKey"`
	AdminAPIKey string     `json:"adminApiKey"`
	Region      string     `json:"region"`
	TLSBackend  TLSBackend `json:"tlsBackend"`

	KiroVersion   string `json:"kiroVersion"`
	MachineID     string `json:"machineId"`
	SystemVersion string `json:"systemVersion"`
	NodeVersion   string `json:"nodeVersion"`

	ProxyURL      string `json:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword"`

	CountTokensAPIURL   string   `json:"countTokensApiUrl"`
	CountTokensAPIKey   string   `json:"countTokensApiKey"`
	CountTokensAuthType AuthType `json:"countTokensAuthType"`
}

// Load reads and validates the config file at path. Any I/O, parse, or
// validation failure is a fatal startup error per spec §7 ("Config:
// malformed at startup → fatal"); the caller is expected to exit non-zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.TLSBackend == "" {
		c.TLSBackend = TLSBackendRustls
	}
	if c.CountTokensAuthType == "" {
		c.CountTokensAuthType = AuthTypeAPIKey
	}
}

// Validate checks the required fields and enumerated values.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("apiKey is required")
	}
	if c.TLSBackend != TLSBackendRustls && c.TLSBackend != TLSBackendNativeTLS {
		return fmt.Errorf("tlsBackend must be %q or %q, got %q", TLSBackendRustls, TLSBackendNativeTLS, c.TLSBackend)
	}
	if c.CountTokensAuthType != AuthTypeAPIKey && c.CountTokensAuthType != AuthTypeBearer {
		return fmt.Errorf("countTokensAuthType must be %q or %q, got %q", AuthTypeAPIKey, AuthTypeBearer, c.CountTokensAuthType)
	}
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxyUrl %q is not a valid absolute URL", c.ProxyURL)
		}
	}
	return nil
}

// Addr returns the host:port the server should bind to.
func (c *Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
