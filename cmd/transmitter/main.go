package main

import (
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "transmitter",
		Short:         "FHIR transmission and reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("transmitter failed", "error", err)
		os.Exit(1)
	}
}

// newLogger creates a structured logger based on configuration.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// hostIdentity returns the hostname and first non-loopback IPv4 address
// reported in tenant status and heartbeats. Either may be empty.
func hostIdentity() (string, string) {
	hostname, _ := os.Hostname()

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hostname, ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return hostname, ip4.String()
		}
	}
	return hostname, ""
}
