// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the server configuration.
//
// Configuration starts from Default, is merged with a single YAML file, and is
// then overridden by XMPPD_* environment variables.
// Durations are written as strings such as "30s" in both places.
package config // import "mellium.im/xmppd/config"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
)

// EnvFile is the environment variable that names the configuration file when
// no path is given on the command line.
const EnvFile = "XMPPD_CONFIG"

// Config is the complete server configuration.
type Config struct {
	// Domain is the XMPP domain served.
	Domain string `yaml:"domain" env:"XMPPD_DOMAIN"`

	// LocalpartPolicy is "fold" or "preserve".
	LocalpartPolicy string `yaml:"localpart_policy" env:"XMPPD_LOCALPART_POLICY"`

	Log     LogConfig     `yaml:"log"`
	Client  ClientConfig  `yaml:"client"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Router  RouterConfig  `yaml:"router"`
	BOSH    BOSHConfig    `yaml:"bosh"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level" env:"XMPPD_LOG_LEVEL"`

	// Format is "text" or "json".
	Format string `yaml:"format" env:"XMPPD_LOG_FORMAT"`
}

// ClientConfig configures the client to server listeners.
type ClientConfig struct {
	// Addr is the STARTTLS listener address.
	// An empty address disables the listener.
	Addr string `yaml:"addr" env:"XMPPD_CLIENT_ADDR"`

	// TLSAddr is the direct TLS listener address.
	// An empty address disables the listener.
	TLSAddr string `yaml:"tls_addr" env:"XMPPD_CLIENT_TLS_ADDR"`

	WriteTimeout time.Duration `yaml:"write_timeout" env:"XMPPD_CLIENT_WRITE_TIMEOUT"`
}

// TLSConfig locates the server certificate.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"XMPPD_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"XMPPD_TLS_KEY_FILE"`

	// Required rejects authentication on streams that are not encrypted.
	Required bool `yaml:"required" env:"XMPPD_TLS_REQUIRED"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// AccountsFile is a YAML file mapping usernames to passwords.
	// It is reloaded when it changes.
	AccountsFile string `yaml:"accounts_file" env:"XMPPD_AUTH_ACCOUNTS_FILE"`

	Anonymous     bool          `yaml:"anonymous" env:"XMPPD_AUTH_ANONYMOUS"`
	InsecurePlain bool          `yaml:"insecure_plain" env:"XMPPD_AUTH_INSECURE_PLAIN"`
	MaxAttempts   int           `yaml:"max_attempts" env:"XMPPD_AUTH_MAX_ATTEMPTS"`
	Timeout       time.Duration `yaml:"timeout" env:"XMPPD_AUTH_TIMEOUT"`
}

// SessionConfig configures every client stream.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" env:"XMPPD_SESSION_IDLE_TIMEOUT"`
	MaxStanzaSize int           `yaml:"max_stanza_size" env:"XMPPD_SESSION_MAX_STANZA_SIZE"`
	QueueSize     int           `yaml:"queue_size" env:"XMPPD_SESSION_QUEUE_SIZE"`
}

// RouterConfig configures stanza routing.
type RouterConfig struct {
	// FanOut is "highest-priority" or "broadcast".
	FanOut string `yaml:"fan_out" env:"XMPPD_ROUTER_FAN_OUT"`
}

// BOSHConfig configures the HTTP binding.
type BOSHConfig struct {
	// Addr is the HTTP listen address.
	// An empty address disables BOSH.
	Addr string `yaml:"addr" env:"XMPPD_BOSH_ADDR"`
	Path string `yaml:"path" env:"XMPPD_BOSH_PATH"`

	// TLS serves BOSH over HTTPS using the certificate in the tls section.
	TLS bool `yaml:"tls" env:"XMPPD_BOSH_TLS"`

	// AssumeSecure treats every session as encrypted, for deployments behind
	// a proxy that terminates TLS.
	AssumeSecure bool `yaml:"assume_secure" env:"XMPPD_BOSH_ASSUME_SECURE"`

	Wait        time.Duration `yaml:"wait" env:"XMPPD_BOSH_WAIT"`
	Hold        int           `yaml:"hold" env:"XMPPD_BOSH_HOLD"`
	Polling     time.Duration `yaml:"polling" env:"XMPPD_BOSH_POLLING"`
	Inactivity  time.Duration `yaml:"inactivity" env:"XMPPD_BOSH_INACTIVITY"`
	GapTimeout  time.Duration `yaml:"gap_timeout" env:"XMPPD_BOSH_GAP_TIMEOUT"`
	AllowOrigin string        `yaml:"allow_origin" env:"XMPPD_BOSH_ALLOW_ORIGIN"`
	MaxBodySize int64         `yaml:"max_body_size" env:"XMPPD_BOSH_MAX_BODY_SIZE"`
	Compression bool          `yaml:"compression" env:"XMPPD_BOSH_COMPRESSION"`
}

// Default returns a configuration that serves localhost without TLS.
func Default() *Config {
	return &Config{
		Domain:          "localhost",
		LocalpartPolicy: "fold",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			Addr:         ":5222",
			WriteTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			MaxAttempts: 3,
			Timeout:     time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:   10 * time.Minute,
			MaxStanzaSize: 256 << 10,
			QueueSize:     1024,
		},
		Router: RouterConfig{
			FanOut: "highest-priority",
		},
		BOSH: BOSHConfig{
			Addr:        ":5280",
			Path:        "/http-bind",
			Wait:        60 * time.Second,
			Hold:        1,
			Polling:     2 * time.Second,
			AllowOrigin: "*",
			MaxBodySize: 1 << 20,
		},
	}
}

// Load reads the configuration with Read and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads the file at path over the defaults and applies environment
// overrides.
// An empty path skips the file.
// The result is not validated so that callers may apply further overrides.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.Decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges a YAML document into c.
// Unknown keys are an error.
func (c *Config) Decode(r io.Reader) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	err := d.Decode(c)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields of c from XMPPD_* environment variables.
func (c *Config) ApplyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate reports every invalid value in c.
func (c *Config) Validate() error {
	var errs []error

	if c.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	} else if d, err := jid.Parse(c.Domain); err != nil || !d.Equal(d.Domain()) {
		errs = append(errs, fmt.Errorf("domain %q is not a valid domainpart", c.Domain))
	}
	if _, err := jid.ParsePolicy(c.LocalpartPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := router.ParsePolicy(c.Router.FanOut); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.CertFile == "" {
		if c.Client.TLSAddr != "" {
			errs = append(errs, errors.New("client.tls_addr requires a certificate"))
		}
		if c.TLS.Required {
			errs = append(errs, errors.New("tls.required requires a certificate"))
		}
		if c.BOSH.TLS {
			errs = append(errs, errors.New("bosh.tls requires a certificate"))
		}
	}
	if c.Client.Addr == "" && c.Client.TLSAddr == "" && c.BOSH.Addr == "" {
		errs = append(errs, errors.New("no listeners configured"))
	}

	if c.Auth.MaxAttempts < 0 {
		errs = append(errs, errors.New("auth.max_attempts must not be negative"))
	}
	if c.Session.MaxStanzaSize < 0 {
		errs = append(errs, errors.New("session.max_stanza_size must not be negative"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}

	if c.BOSH.Addr != "" {
		if c.BOSH.Wait <= 0 {
			errs = append(errs, errors.New("bosh.wait must be positive"))
		}
		if c.BOSH.Hold < 0 {
			errs = append(errs, errors.New("bosh.hold must not be negative"))
		}
		if c.BOSH.Polling < 0 || c.BOSH.Inactivity < 0 || c.BOSH.GapTimeout < 0 {
			errs = append(errs, errors.New("bosh durations must not be negative"))
		}
		if c.BOSH.Path == "" || c.BOSH.Path[0] != '/' {
			errs = append(errs, fmt.Errorf("bosh.path must start with a slash, got %q", c.BOSH.Path))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
