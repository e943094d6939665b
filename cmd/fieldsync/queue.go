package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridworks/fieldsync/internal/config"
	"github.com/gridworks/fieldsync/internal/store"
)

var (
	queueJSONOutput bool
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the operation queue",
	Long:  "List, retry, and purge queued operations without running the agent.",
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 100,
		"Maximum number of operations to list")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

// openStore loads the configuration and opens the local database for the
// queue subcommands.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	initLogger(cfg.Log)
	return store.NewSQLiteStore(cfg.Database.Path)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in enqueue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListOperations(cmd.Context(), queueListLimit)
		if err != nil {
			return err
		}

		if queueJSONOutput {
			return printJSON(os.Stdout, items)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tOPERATION\tENTITY\tSTATUS\tATTEMPTS\tCREATED")
		for _, item := range items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
				item.Seq, item.Operation, item.EntityID, item.Status,
				item.Attempts, item.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed and abandoned operations to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		reset, err := db.ResetTerminalOperations(cmd.Context())
		if err != nil {
			return err
		}

		if queueJSONOutput {
			return printJSON(os.Stdout, map[string]int64{"reset": reset})
		}
		fmt.Printf("reset %d operation(s)\n", reset)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		purged, err := db.DeleteCompletedOperations(cmd.Context())
		if err != nil {
			return err
		}

		if queueJSONOutput {
			return printJSON(os.Stdout, map[string]int64{"purged": purged})
		}
		fmt.Printf("purged %d operation(s)\n", purged)
		return nil
	},
}
