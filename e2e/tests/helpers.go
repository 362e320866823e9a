package tests

import (
	"github.com/cornjacket/ses-transmitter/e2e/client"
	"github.com/cornjacket/ses-transmitter/e2e/runner"
)

func clientConfig(cfg *runner.Config) *client.Config {
	return &client.Config{
		IngestionURL: cfg.IngestionURL,
		QueryURL:     cfg.QueryURL,
		ClientID:     cfg.ClientID,
		FacilityID:   cfg.FacilityID,
	}
}

func patient(id string) map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           id,
		"name":         []map[string]any{{"family": "E2E", "given": []string{"Test"}}},
		"birthDate":    "1980-01-01",
	}
}
