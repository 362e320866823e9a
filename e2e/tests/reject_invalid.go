package tests

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cornjacket/ses-transmitter/e2e/client"
	"github.com/cornjacket/ses-transmitter/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "reject-invalid",
		Description: "Unknown resource types and unknown transactions are rejected",
		Run:         runRejectInvalidTest,
	})
}

func runRejectInvalidTest(ctx context.Context, cfg *runner.Config) error {
	c := clientConfig(cfg)

	_, err := client.SubmitRecord(ctx, c, &client.SubmitRequest{
		ResourceType: "Spaceship",
		Resource:     map[string]any{"resourceType": "Spaceship"},
	})
	if !client.IsStatus(err, http.StatusBadRequest) {
		return fmt.Errorf("expected 400 for unknown resource type, got %v", err)
	}

	_, err = client.SubmitRecord(ctx, c, &client.SubmitRequest{
		ResourceType: "Patient",
		Operation:    "update",
		Resource:     patient("no-id"),
	})
	if !client.IsStatus(err, http.StatusBadRequest) {
		return fmt.Errorf("expected 400 for update without resourceId, got %v", err)
	}

	err = client.PostUpstreamCallback(ctx, c, &client.UpstreamCallback{
		TransactionID: client.UniqueID("e2e-unknown-tx"),
		Status:        "success",
		Code:          200,
	})
	if !client.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("expected 404 for unknown transaction, got %v", err)
	}

	return nil
}
