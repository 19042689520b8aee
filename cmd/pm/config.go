package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/configfile"
)

var (
	configURL   string
	configKey   string
	configVault string
	configShow  bool
)

var configCmd = &cobra.Command{
	Use:   "config [--url U --key K --vault DIR | --show]",
	Short: "Manage CLI configuration",
	Long: `Manage the pm configuration file (~/.config/pm/config.json).

The file stores the server URL, the API key, and the vault directory used
by session-sync. PM_URL and PM_API_KEY in the environment override the
stored values without modifying the file.

Examples:
  pm config --url https://pm.example.com --key pm_live_abc123
  pm config --vault ~/notes
  pm config --show`,
	Run: func(cmd *cobra.Command, args []string) {
		if configShow {
			runConfigShow()
			return
		}
		if configURL == "" && configKey == "" && configVault == "" {
			_ = cmd.Help()
			return
		}
		runConfigSet()
	},
}

func runConfigSet() {
	cfg, err := configfile.Load()
	if err != nil {
		FatalError("%v", err)
	}
	if configURL != "" {
		cfg.URL = configURL
	}
	if configKey != "" {
		cfg.APIKey = configKey
	}
	if configVault != "" {
		cfg.Vault = configVault
	}
	if err := cfg.Save(); err != nil {
		FatalError("%v", err)
	}

	path, _ := configfile.Path()
	if jsonOutput {
		outputJSON(map[string]any{
			"path":   path,
			"config": cfg.Redacted(),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Saved %s\n", path)
}

func runConfigShow() {
	cfg, err := configfile.Load()
	if err != nil {
		FatalError("%v", err)
	}
	path, _ := configfile.Path()
	red := cfg.Redacted()

	if jsonOutput {
		outputJSON(map[string]any{
			"path":   path,
			"config": red,
		})
		return
	}

	fmt.Printf("Config: %s\n", path)
	fmt.Printf("  url:   %s\n", valueOrUnset(red.URL))
	fmt.Printf("  key:   %s\n", valueOrUnset(red.APIKey))
	fmt.Printf("  vault: %s\n", valueOrUnset(red.Vault))
	if v := os.Getenv(configfile.EnvURL); v != "" {
		fmt.Printf("  (%s=%s overrides url)\n", configfile.EnvURL, v)
	}
	if os.Getenv(configfile.EnvAPIKey) != "" {
		fmt.Printf("  (%s overrides key)\n", configfile.EnvAPIKey)
	}
}

func valueOrUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func init() {
	configCmd.Flags().StringVar(&configURL, "url", "", "Server URL to store")
	configCmd.Flags().StringVar(&configKey, "key", "", "API key to store")
	configCmd.Flags().StringVar(&configVault, "vault", "", "Vault directory for session-sync")
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show the stored configuration")
	rootCmd.AddCommand(configCmd)
}
