package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"

	apxerrors "agent/errors"
)

// DefaultConfig is loaded first; environment variables prefixed
// BROWSER_ override it field by field.
var DefaultConfig = []byte(`
application: "agent"

mode: "full"

cors:
  allowed_origins:
  - "http://localhost"
  - "http://localhost:3000"

logger:
  level: "info"

listen: ":5000"

prefix: "/agent"

pool_size: 2
name_prefix: "bx"
image: "agent/browser:latest"

docker_path: ""

webhook_timeout: "10s"
`)

// ApxConfig is the agent's top-level configuration, populated from
// DefaultConfig and then overridden by BROWSER_-prefixed environment
// variables.
type ApxConfig struct {
	Application string `koanf:"application" json:"application"`
	// Mode is either "full" (the agent drives container lifecycle end
	// to end) or "manage_only" (it discovers and leases containers
	// someone else started). Read once at startup; never re-checked.
	Mode           string `koanf:"mode" json:"mode"`
	Logger         Logger `koanf:"logger" json:"logger"`
	Listen         string `koanf:"listen" json:"listen"`
	Prefix         string `koanf:"prefix" json:"prefix"`
	Hostname       string `koanf:"hostname" json:"hostname"`
	Cors           CORS   `koanf:"cors" json:"cors"`
	PoolSize       int    `koanf:"pool_size" json:"pool_size"`
	NamePrefix     string `koanf:"name_prefix" json:"name_prefix"`
	Image          string `koanf:"image" json:"image"`
	DockerPath     string `koanf:"docker_path" json:"docker_path"`
	WebhookTimeout string `koanf:"webhook_timeout" json:"webhook_timeout"`

	// LaunchArgs are extra environment variables merged into every
	// `docker run`, alongside XVFB_RESOLUTION.
	LaunchArgs map[string]string `koanf:"launch_args" json:"launch_args"`
	// AdditionalDockerArgs are extra --k=v flags passed verbatim to
	// `docker run`.
	AdditionalDockerArgs []string `koanf:"additional_docker_args" json:"additional_docker_args"`
}

type CORS struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type Logger struct {
	Level    string `koanf:"level"`
	HostName string `koanf:"host_name"`
}

// Load builds an ApxConfig from DefaultConfig, then layers BROWSER_*
// environment variables on top (BROWSER_POOL_SIZE -> pool_size,
// BROWSER_MODE -> mode, and so on).
func Load() (*ApxConfig, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, err
	}

	envProvider := env.Provider("BROWSER_", ".", envKeyToKoanfKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	var cfg ApxConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKeyToKoanfKey(s string) string {
	return strings.ToLower(stripPrefix(s, "BROWSER_"))
}

func stripPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func toLowerDotted(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			out[i] = '.'
		case c >= 'A' && c <= 'Z':
			out[i] = c + ('a' - 'A')
		default:
			out[i] = c
		}
	}
	return string(out)
}

// Validate checks the required fields and fills in derived ones.
func (c *ApxConfig) Validate() error {
	ve := apxerrors.ValidationErrs()

	if c.Application == "" {
		c.Application = "agent"
	}
	if c.Mode != "full" && c.Mode != "manage_only" {
		ve.Add("mode", "must be 'full' or 'manage_only'")
	}
	if c.Listen == "" {
		ve.Add("listen", "cannot be empty")
	}
	if c.Logger.Level == "" {
		ve.Add("logger.level", "cannot be empty")
	}
	if c.Prefix == "" {
		ve.Add("prefix", "cannot be empty")
	}
	if c.PoolSize <= 0 {
		ve.Add("pool_size", "must be positive")
	}
	if c.NamePrefix == "" {
		ve.Add("name_prefix", "cannot be empty")
	}
	if c.Image == "" {
		ve.Add("image", "cannot be empty")
	}

	if host, err := os.Hostname(); err != nil {
		ve.Add("hostname", "invalid")
	} else {
		c.Logger.HostName = host
	}

	return ve.Err()
}

// IsManageOnly reports whether the agent should only discover and
// lease already-running containers instead of owning their lifecycle.
func (c *ApxConfig) IsManageOnly() bool {
	return c.Mode == "manage_only"
}
