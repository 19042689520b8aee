package main

import (
	"github.com/inkwell-pm/inkwell/internal/apiclient"
	"github.com/inkwell-pm/inkwell/internal/configfile"
)

// newClient builds the API client from the resolved configuration. Missing
// settings are fatal with a hint; every server-backed command calls through
// here.
func newClient() *apiclient.Client {
	cfg, err := configfile.Resolve()
	if err != nil {
		FatalError("%v", err)
	}
	if cfg.URL == "" {
		FatalErrorWithHint("no server URL configured", "Run 'pm config --url https://pm.example.com' or set PM_URL")
	}
	if cfg.APIKey == "" {
		FatalErrorWithHint("no API key configured", "Run 'pm config --key <key>' or set PM_API_KEY")
	}

	client, err := apiclient.New(apiclient.Config{BaseURL: cfg.URL, APIKey: cfg.APIKey}, nil)
	if err != nil {
		FatalError("%v", err)
	}
	return client
}
