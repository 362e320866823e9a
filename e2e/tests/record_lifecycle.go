package tests

import (
	"context"
	"fmt"

	"github.com/cornjacket/ses-transmitter/e2e/client"
	"github.com/cornjacket/ses-transmitter/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "record-lifecycle",
		Description: "Submit, wait for transmission, verify the status event and settle it",
		Run:         runRecordLifecycleTest,
	})
}

// runRecordLifecycleTest needs an active client in the directory and a
// reachable upstream. The record may end Synced or Failed; either way a
// status event must exist for the transaction.
func runRecordLifecycleTest(ctx context.Context, cfg *runner.Config) error {
	c := clientConfig(cfg)

	// 1. Submit
	resp, err := client.SubmitRecord(ctx, c, &client.SubmitRequest{
		ResourceType: "Patient",
		Resource:     patient(client.UniqueID("e2e-patient")),
	})
	if err != nil {
		return fmt.Errorf("failed to submit record: %w", err)
	}

	// 2. Wait for the sync loop
	rec, err := client.WaitForRecord(ctx, c, "Patient", resp.RecordID, cfg.SettleTimeout)
	if err != nil {
		return err
	}

	switch rec.Status {
	case "Synced":
	case "Failed":
		if rec.ErrorMessage == "" {
			return fmt.Errorf("failed record %s has no errorMessage", rec.ID)
		}
	default:
		return fmt.Errorf("unexpected record status %q", rec.Status)
	}
	if rec.TransactionID == "" {
		return fmt.Errorf("%s record %s has no transactionId", rec.Status, rec.ID)
	}

	// 3. Verify the outbox entry
	ev, err := client.GetStatusEvent(ctx, c, rec.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to read status event: %w", err)
	}
	if ev == nil {
		return fmt.Errorf("no status event for transaction %s", rec.TransactionID)
	}
	if ev.RecordID != rec.ID {
		return fmt.Errorf("status event points at record %s, want %s", ev.RecordID, rec.ID)
	}

	// 4. An accepted transaction stays Pending until upstream reports back.
	if ev.Status == "Pending" {
		if err := client.PostUpstreamCallback(ctx, c, &client.UpstreamCallback{
			TransactionID: ev.TransactionID,
			Status:        "success",
			Code:          200,
			Message:       "processed by e2e",
		}); err != nil {
			return fmt.Errorf("failed to settle transaction: %w", err)
		}
		ev, err = client.GetStatusEvent(ctx, c, ev.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to re-read status event: %w", err)
		}
		if ev == nil {
			return fmt.Errorf("status event vanished after settle")
		}
		if ev.Status != "Success" {
			return fmt.Errorf("expected settled status 'Success', got %q", ev.Status)
		}
	}

	return nil
}
