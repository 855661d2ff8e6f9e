// Package config resolves the relay's settings from defaults, an optional
// config file, the environment and command-line flags, in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/zcad-products/jobboss2-relay/paths"
)

// DefaultTimeoutMS is the HTTP timeout used when none is configured.
const DefaultTimeoutMS = 30000

// Environment variables read by ApplyEnv.
const (
	EnvAPIURL          = "JOBBOSS2_API_URL"
	EnvAPIKey          = "JOBBOSS2_API_KEY"
	EnvAPISecret       = "JOBBOSS2_API_SECRET"
	EnvOAuthTokenURL   = "JOBBOSS2_OAUTH_TOKEN_URL"
	EnvTimeout         = "API_TIMEOUT"
	EnvDelegateCommand = "JOBBOSS2_DELEGATE_COMMAND"
)

// Delegate describes the command line of the delegate MCP server.
type Delegate struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	Dir     string   `yaml:"dir" json:"dir"`
}

// String renders the command line for logs and error messages.
func (d Delegate) String() string {
	return strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " "))
}

// Config holds the relay configuration.
type Config struct {
	APIURL        string   `yaml:"api_url" json:"api_url"`
	APIKey        string   `yaml:"api_key" json:"api_key"`
	APISecret     string   `yaml:"api_secret" json:"api_secret"`
	OAuthTokenURL string   `yaml:"oauth_token_url" json:"oauth_token_url"`
	TimeoutMS     int      `yaml:"timeout_ms" json:"timeout_ms"`
	Delegate      Delegate `yaml:"delegate" json:"delegate"`
	LogFile       string   `yaml:"log_file" json:"log_file"`
	Debug         bool     `yaml:"debug" json:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TimeoutMS: DefaultTimeoutMS,
		Delegate: Delegate{
			Command: "bun",
			Args:    []string{"run", "start"},
		},
	}
}

// Load builds a Config from defaults, the config file and the environment.
// An explicit path must exist; with an empty path the default config file is
// read only if present.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(getenv)
	return cfg, nil
}

// LoadFile overlays the settings found in path onto c. YAML and JSONC (JSON
// with comments and trailing commas) are selected by file extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Args left nil by the file are restored unless the file changed the command
	prevCommand, prevArgs := c.Delegate.Command, c.Delegate.Args
	c.Delegate.Args = nil

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		c.Delegate.Args = prevArgs
		return fmt.Errorf("unsupported config file extension %q: %s", ext, path)
	}
	if err != nil {
		c.Delegate.Args = prevArgs
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if c.Delegate.Args == nil && c.Delegate.Command == prevCommand {
		c.Delegate.Args = prevArgs
	}
	return nil
}

// ApplyEnv overlays non-empty environment values onto c. An API_TIMEOUT that
// is not a positive integer is ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.APIURL, EnvAPIURL)
	set(&c.APIKey, EnvAPIKey)
	set(&c.APISecret, EnvAPISecret)
	set(&c.OAuthTokenURL, EnvOAuthTokenURL)

	if v := strings.TrimSpace(getenv(EnvTimeout)); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.TimeoutMS = ms
		}
	}

	if fields := strings.Fields(getenv(EnvDelegateCommand)); len(fields) > 0 {
		c.Delegate.Command = fields[0]
		c.Delegate.Args = fields[1:]
	}
}

// Timeout returns the HTTP timeout, falling back to the default when the
// configured value is not positive.
func (c *Config) Timeout() time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		ms = DefaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate reports every missing or malformed required value in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.APIURL == "" {
		missing = append(missing, EnvAPIURL)
	}
	if c.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if c.APISecret == "" {
		missing = append(missing, EnvAPISecret)
	}
	if c.OAuthTokenURL == "" {
		missing = append(missing, EnvOAuthTokenURL)
	}
	if c.Delegate.Command == "" {
		missing = append(missing, "delegate command")
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	for _, u := range []struct{ name, value string }{
		{EnvAPIURL, c.APIURL},
		{EnvOAuthTokenURL, c.OAuthTokenURL},
	} {
		if u.value == "" {
			continue
		}
		if err := checkURL(u.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.name, err))
		}
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// LogValue keeps credentials out of the log.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_url", c.APIURL),
		slog.String("oauth_token_url", c.OAuthTokenURL),
		slog.Bool("api_key_set", c.APIKey != ""),
		slog.Bool("api_secret_set", c.APISecret != ""),
		slog.Int("timeout_ms", c.TimeoutMS),
		slog.String("delegate", c.Delegate.String()),
	)
}
