//go:build integration

package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// TestBrokers returns the Redpanda seed brokers for integration tests.
// Override with INTEGRATION_REDPANDA_BROKERS (comma separated).
func TestBrokers() []string {
	raw := os.Getenv("INTEGRATION_REDPANDA_BROKERS")
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return []string{"localhost:9092"}
	}
	return brokers
}

// TestTopicName returns a topic unique to the calling test. Kafka topic
// names only allow [a-zA-Z0-9._-], so everything else becomes a dash.
func TestTopicName(t *testing.T) string {
	t.Helper()
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '-'
	}, t.Name())
	return fmt.Sprintf("ses-test-%s-%d", name, time.Now().UnixNano())
}
