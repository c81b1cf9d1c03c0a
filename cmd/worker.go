/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/taskhub/apiserver/config"
	"github.com/taskhub/apiserver/internal/audit"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/mq"
	"github.com/taskhub/apiserver/internal/storage"
)

// auditWorkerCmd represents the audit-worker command
var auditWorkerCmd = &cobra.Command{
	Use:   "audit-worker",
	Short: "Consumes security events and archives them to object storage",
	Long: `Subscribes to the security-event channel and writes received
events to the configured archive backend in batches. Requires both
AUDIT_BROKER and AUDIT_ARCHIVE_BACKEND to be set. Usage:

	taskhub audit-worker
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()
		log := logging.New()

		if cfg.Audit.Broker == "" || cfg.Audit.ArchiveBackend == "" {
			fmt.Fprintln(os.Stderr, "audit-worker requires AUDIT_BROKER and AUDIT_ARCHIVE_BACKEND")
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.Audit.Broker, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect broker: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			_ = broker.Close()
		}()

		store, err := storage.Open(ctx, cfg.Audit.ArchiveBackend, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open archive storage: %v\n", err)
			os.Exit(1)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure archive bucket: %v\n", err)
			os.Exit(1)
		}

		consumer := audit.NewConsumer(broker, store, cfg.Audit.Channel, 0, cfg.Audit.ArchiveInterval, log)
		log.Info(ctx, "audit worker started",
			"broker", cfg.Audit.Broker,
			"archive", cfg.Audit.ArchiveBackend,
			"channel", cfg.Audit.Channel)
		if err := consumer.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "audit worker error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(auditWorkerCmd)
}
