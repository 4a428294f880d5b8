package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/clusterd/internal/audit"
	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/collab/memory"
)

var (
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history <kind> <key>",
	Short: "Query the audit sink's status history",
	Long: `Read recent status_history rows recorded by the audit sink
(config audit.enabled must be true for any rows to exist). kind is one of
address, process, or application; key is the address, namespec
("app:proc"), or application name.

This is additive observability, not a core operation: it reads the
sqlite database directly and does not require a running daemon.`,
	Args: cobra.ExactArgs(2),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows to print")
}

func runHistory(_ *cobra.Command, args []string) error {
	if cfg.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is not configured")
	}
	sink, err := audit.Open(cfg.Audit.DSN, clock.Real(), memory.NewPublisher())
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer sink.Close()

	rows, err := sink.History(args[0], args[1], historyLimit)
	if err != nil {
		return fmt.Errorf("querying history: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("no history recorded")
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%s  %-8s %-20s %-10s %s\n", row.RecordedAt, row.Kind, row.Key, row.State, row.Detail)
	}
	return nil
}
