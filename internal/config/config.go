// Package config loads and holds the read-only configuration view (C1)
// that the rest of hostbridge consults: the host table, listen ports,
// timeouts, and the certificate directory hint.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSMode is the three-way TLS policy a site entry can request. "auto"
// and "manual" both mean TLS is required for the host; only the
// certificate provisioning strategy differs between them, and
// hostbridge's default provider treats them identically.
type TLSMode string

const (
	TLSOff    TLSMode = "off"
	TLSAuto   TLSMode = "auto"
	TLSManual TLSMode = "manual"
)

// Duration wraps time.Duration so config files can use strings like
// "30s" instead of nanosecond integers.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Site is one host entry as it appears in the configuration file,
// matching spec.md §6's "per-host entries with domain, backend,
// tls, websocket".
type Site struct {
	Domain    string  `yaml:"domain" json:"domain"`
	Backend   string  `yaml:"backend" json:"backend"`
	TLS       TLSMode `yaml:"tls" json:"tls"`
	WebSocket bool    `yaml:"websocket" json:"websocket"`
}

// File is the on-disk shape of the configuration, YAML by default with
// a JSON fallback, the way the teacher's LoadConfig tries both.
type File struct {
	HTTPPort      int      `yaml:"http_port" json:"http_port"`
	HTTPSPort     int      `yaml:"https_port" json:"https_port"`
	Email         string   `yaml:"email" json:"email"`
	CertDir       string   `yaml:"cert_dir" json:"cert_dir"`
	ACMEServer    string   `yaml:"acme_server" json:"acme_server"`
	TimeoutSecs   int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxConns      int      `yaml:"max_connections" json:"max_connections"`
	IdleTimeout   Duration `yaml:"idle_timeout" json:"idle_timeout"`
	Sites         []Site   `yaml:"sites" json:"sites"`
	LogLevel      string   `yaml:"log_level" json:"log_level"`
}

// Snapshot is the immutable, read-only view handed to the rest of the
// engine (spec.md §4.1). A reload produces a brand-new Snapshot value;
// nothing in Snapshot is ever mutated after construction.
type Snapshot struct {
	HTTPPort      string
	HTTPSPort     string
	Email         string
	CertDir       string
	ACMEServer    string
	IdleTimeout   time.Duration
	MaxConns      int
	LogLevel      string
	Sites         []Site
}

const (
	defaultHTTPPort    = "80"
	defaultHTTPSPort   = "443"
	defaultCertDir     = "./certs"
	defaultIdleTimeout = 30 * time.Second
	defaultMaxConns    = 1000
)

// Load reads a YAML (falling back to JSON) configuration file from
// disk and converts it into an immutable Snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse converts raw configuration bytes into a Snapshot, trying YAML
// first and falling back to JSON, mirroring the teacher's LoadConfig.
func Parse(data []byte) (*Snapshot, error) {
	var f File
	yamlErr := yaml.Unmarshal(data, &f)
	if yamlErr != nil {
		jsonErr := json.Unmarshal(data, &f)
		if jsonErr != nil {
			return nil, fmt.Errorf("could not parse config as YAML or JSON: yaml error: %v; json error: %v", yamlErr, jsonErr)
		}
	}
	return f.snapshot()
}

func (f File) snapshot() (*Snapshot, error) {
	seen := make(map[string]struct{}, len(f.Sites))
	sites := make([]Site, 0, len(f.Sites))
	for _, s := range f.Sites {
		if s.Domain == "" {
			return nil, fmt.Errorf("site entry missing domain")
		}
		domain := strings.ToLower(s.Domain)
		if _, dup := seen[domain]; dup {
			return nil, fmt.Errorf("duplicate site domain %q", s.Domain)
		}
		seen[domain] = struct{}{}
		s.Domain = domain
		if s.TLS == "" {
			s.TLS = TLSOff
		}
		sites = append(sites, s)
	}

	httpPort := defaultHTTPPort
	if f.HTTPPort != 0 {
		httpPort = fmt.Sprintf("%d", f.HTTPPort)
	}
	httpsPort := defaultHTTPSPort
	if f.HTTPSPort != 0 {
		httpsPort = fmt.Sprintf("%d", f.HTTPSPort)
	}

	certDir := f.CertDir
	if certDir == "" {
		certDir = defaultCertDir
	}
	if abs, err := filepath.Abs(certDir); err == nil {
		certDir = abs
	}

	idle := defaultIdleTimeout
	switch {
	case f.IdleTimeout.Duration > 0:
		idle = f.IdleTimeout.Duration
	case f.TimeoutSecs > 0:
		idle = time.Duration(f.TimeoutSecs) * time.Second
	}

	maxConns := f.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	return &Snapshot{
		HTTPPort:    httpPort,
		HTTPSPort:   httpsPort,
		Email:       f.Email,
		CertDir:     certDir,
		ACMEServer:  f.ACMEServer,
		IdleTimeout: idle,
		MaxConns:    maxConns,
		LogLevel:    f.LogLevel,
		Sites:       sites,
	}, nil
}
