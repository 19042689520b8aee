package configfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathHonorsXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := Path()
	if err != nil {
		t.Fatalf("Path() failed: %v", err)
	}
	want := filepath.Join(dir, "pm", "config.json")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestLoadMissingFileIsZeroConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed for missing file: %v", err)
	}
	if cfg.URL != "" || cfg.APIKey != "" || cfg.Vault != "" {
		t.Errorf("Load() = %+v, want zero config", cfg)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &Config{
		URL:    "https://pm.example.com",
		APIKey: "pm_live_0123456789",
		Vault:  "/home/user/notes",
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	path, _ := Path()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("file mode = %o, want 600", mode)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.URL != cfg.URL {
		t.Errorf("URL = %q, want %q", loaded.URL, cfg.URL)
	}
	if loaded.APIKey != cfg.APIKey {
		t.Errorf("APIKey = %q, want %q", loaded.APIKey, cfg.APIKey)
	}
	if loaded.Vault != cfg.Vault {
		t.Errorf("Vault = %q, want %q", loaded.Vault, cfg.Vault)
	}
}

func TestLoadIgnoresEnvironment(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvURL, "https://env.example.com")

	cfg := &Config{URL: "https://file.example.com"}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.URL != "https://file.example.com" {
		t.Errorf("URL = %q, want the stored value, not the env", loaded.URL)
	}
}

func TestResolveEnvOverridesFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &Config{
		URL:    "https://file.example.com",
		APIKey: "key-from-file",
		Vault:  "/notes",
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	t.Setenv(EnvURL, "https://env.example.com")

	got, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want the env override", got.URL)
	}
	if got.APIKey != "key-from-file" {
		t.Errorf("APIKey = %q, want the stored value", got.APIKey)
	}
	if got.Vault != "/notes" {
		t.Errorf("Vault = %q, want the stored value", got.Vault)
	}
}

func TestResolveWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvURL, "https://env.example.com")
	t.Setenv(EnvAPIKey, "key-from-env")

	got, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() failed with no file: %v", err)
	}
	if got.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want the env value", got.URL)
	}
	if got.APIKey != "key-from-env" {
		t.Errorf("APIKey = %q, want the env value", got.APIKey)
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{APIKey: "pm_live_0123456789"}
	if got := cfg.Redacted().APIKey; got != "pm_live_..." {
		t.Errorf("Redacted APIKey = %q, want pm_live_...", got)
	}

	short := &Config{APIKey: "abc"}
	if got := short.Redacted().APIKey; got != "abc" {
		t.Errorf("Redacted short APIKey = %q, want abc", got)
	}

	// Redacted must not mutate the original.
	if cfg.APIKey != "pm_live_0123456789" {
		t.Errorf("original APIKey mutated to %q", cfg.APIKey)
	}
}
