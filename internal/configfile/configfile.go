// Package configfile manages the pm CLI's on-disk settings: the server URL,
// the API key, and the vault directory for session-sync. The file lives at
// ~/.config/pm/config.json (XDG_CONFIG_HOME honored). PM_URL and PM_API_KEY
// override the stored values per invocation without touching the file.
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Environment overrides recognized by Resolve.
const (
	EnvURL    = "PM_URL"
	EnvAPIKey = "PM_API_KEY"
)

// Config is the stored CLI configuration.
type Config struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Vault  string `json:"vault,omitempty"`
}

// Path returns the config file location. XDG_CONFIG_HOME wins over ~/.config.
func Path() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "pm", "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pm", "config.json"), nil
}

// Load reads the file as stored, without environment overrides. The config
// command edits through this so a PM_URL in the environment never gets
// baked into the file. A missing file is a zero config, not an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path derives from the user's own home
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve returns the effective settings for talking to the server: the
// stored file with PM_URL and PM_API_KEY bound over it. A missing file is
// fine; the environment may carry everything.
func Resolve() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	_ = v.BindEnv("url", EnvURL)
	_ = v.BindEnv("apiKey", EnvAPIKey)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return &Config{
		URL:    v.GetString("url"),
		APIKey: v.GetString("apiKey"),
		Vault:  v.GetString("vault"),
	}, nil
}

// Save writes the config, creating the directory on first use. The file is
// user-only: it holds the API key.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Redacted returns a copy safe for display: the key is reduced to its first
// eight characters.
func (c *Config) Redacted() *Config {
	out := *c
	if len(out.APIKey) > 8 {
		out.APIKey = out.APIKey[:8] + "..."
	}
	return &out
}
