package tests

import (
	"context"
	"fmt"

	"github.com/cornjacket/ses-transmitter/e2e/client"
	"github.com/cornjacket/ses-transmitter/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "submit-record",
		Description: "Submit a Patient and read the staged record back",
		Run:         runSubmitRecordTest,
	})
}

func runSubmitRecordTest(ctx context.Context, cfg *runner.Config) error {
	c := clientConfig(cfg)

	patientID := client.UniqueID("e2e-patient")
	resp, err := client.SubmitRecord(ctx, c, &client.SubmitRequest{
		ResourceType: "Patient",
		Resource:     patient(patientID),
	})
	if err != nil {
		return fmt.Errorf("failed to submit record: %w", err)
	}
	if resp.Status != "Pending" {
		return fmt.Errorf("expected status 'Pending', got '%s'", resp.Status)
	}
	if resp.RecordID == "" {
		return fmt.Errorf("expected non-empty recordId")
	}

	rec, err := client.GetRecord(ctx, c, "Patient", resp.RecordID)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("record %s not found after submit", resp.RecordID)
	}
	if rec.ClientID != cfg.ClientID {
		return fmt.Errorf("expected clientId %q, got %q", cfg.ClientID, rec.ClientID)
	}

	return nil
}
