// cmd/vkstored/main.go
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/vkrunner/runner/internal/controlplane"
	"github.com/vkrunner/runner/internal/protocol"
	"github.com/vkrunner/runner/internal/store"
)

var (
	listenAddr string
	dbPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vkstored",
		Short: "Reference control-plane state store, for local development and integration tests",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&listenAddr, "listen", ":8077", "HTTP/WebSocket listen address")
	rootCmd.Flags().StringVar(&dbPath, "db", "vkstored.sqlite", "Path to the SQLite state database")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hub := controlplane.New(logger)
	hub.OnLog(func(msg protocol.LogMessage) {
		logger.Info("execution log", slog.String("executionId", msg.ExecutionID), slog.String("stream", msg.Stream), slog.String("line", msg.Bytes))
	})
	hub.OnStatus(func(msg protocol.StatusMessage) {
		logger.Info("execution status", slog.String("executionId", msg.ExecutionID), slog.String("status", msg.Status))
	})

	api := controlplane.NewAdminAPI(hub, st)
	mux := http.NewServeMux()
	api.Register(mux)

	logger.Info("vkstored listening", slog.String("addr", listenAddr), slog.String("db", dbPath))
	return http.ListenAndServe(listenAddr, mux)
}
