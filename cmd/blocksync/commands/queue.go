package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/sym"
)

// QueueCmd inspects and manages the transaction queue
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: sym.Outbox + " Inspect and manage the transaction queue",
	Long: sym.Outbox + ` queue — Inspect and manage the transaction queue

Examples:
  blocksync queue stats
  blocksync queue ls --status failed
  blocksync queue retry <transaction-id>
  blocksync queue gc --days 7`,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters and sync state",
	RunE:  runQueueStats,
}

var queueListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List transactions",
	RunE:    runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <transaction-id>",
	Short: "Put a failed or cancelled transaction back in line",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <transaction-id>",
	Short: "Cancel a pending transaction",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

var queueGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete completed transactions older than --days",
	RunE:  runQueueGC,
}

var (
	queueDBPath string
	queueStatus string
	queuePage   string
	queueLimit  int
	queueJSON   bool
	queueDays   int
)

func init() {
	QueueCmd.PersistentFlags().StringVar(&queueDBPath, "db-path", "", "Custom database path (overrides config)")
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "Only this status (pending, processing, completed, failed, cancelled)")
	queueListCmd.Flags().StringVar(&queuePage, "page", "", "Only this page")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 50, "Maximum rows")
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Output as JSON")
	queueStatsCmd.Flags().BoolVar(&queueJSON, "json", false, "Output as JSON")
	queueGCCmd.Flags().IntVar(&queueDays, "days", -1, "Retention in days (default: sync.retention_days)")

	QueueCmd.AddCommand(queueStatsCmd)
	QueueCmd.AddCommand(queueListCmd)
	QueueCmd.AddCommand(queueRetryCmd)
	QueueCmd.AddCommand(queueCancelCmd)
	QueueCmd.AddCommand(queueGCCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, storage, err := openQueue(ctx, queueDBPath)
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := q.GetStats(ctx)
	if err != nil {
		return err
	}
	state := q.SyncState()
	if queueJSON {
		return printJSON(cmd, map[string]any{"stats": stats, "sync_state": state})
	}

	rows := pterm.TableData{
		{"Status", "Count"},
		{"pending", strconv.Itoa(stats.Pending)},
		{"processing", strconv.Itoa(stats.Processing)},
		{"completed", strconv.Itoa(stats.Completed)},
		{"failed", strconv.Itoa(stats.Failed)},
		{"cancelled", strconv.Itoa(stats.Cancelled)},
		{"total", strconv.Itoa(stats.Total)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if stats.OldestPendingAge > 0 {
		pterm.Info.Printf("Oldest pending: %s\n", stats.OldestPendingAge.Round(time.Second))
	}
	lastSync := "never"
	if !state.LastSync.IsZero() {
		lastSync = state.LastSync.Local().Format(time.RFC3339)
	}
	pterm.Info.Printf("Online: %v  Last sync: %s\n", state.IsOnline, lastSync)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, storage, err := openQueue(ctx, queueDBPath)
	if err != nil {
		return err
	}
	defer storage.Close()

	txs, err := q.List(ctx, outbox.Filter{Status: outbox.Status(queueStatus), PageID: queuePage, Limit: queueLimit})
	if err != nil {
		return err
	}
	if queueJSON {
		return printJSON(cmd, txs)
	}
	if len(txs) == 0 {
		pterm.Info.Println("No transactions")
		return nil
	}

	rows := pterm.TableData{{"ID", "Type", "Status", "Retries", "Page", "Updated", "Error"}}
	for _, tx := range txs {
		rows = append(rows, []string{
			tx.ID,
			string(tx.Type),
			string(tx.Status),
			fmt.Sprintf("%d/%d", tx.Retries, tx.MaxRetries),
			tx.PageID,
			tx.UpdatedAt.Local().Format(time.DateTime),
			truncate(tx.ErrorMessage, 48),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, storage, err := openQueue(ctx, queueDBPath)
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := q.Retry(ctx, args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Transaction %s queued for retry\n", args[0])
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, storage, err := openQueue(ctx, queueDBPath)
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := q.Cancel(ctx, args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Transaction %s cancelled\n", args[0])
	return nil
}

func runQueueGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	days := queueDays
	if days < 0 {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		days = cfg.Sync.RetentionDays
		if days == 0 {
			pterm.Info.Println("sync.retention_days is 0, completed transactions are kept forever")
			return nil
		}
	}
	q, storage, err := openQueue(ctx, queueDBPath)
	if err != nil {
		return err
	}
	defer storage.Close()

	n, err := q.ClearCompletedTransactions(ctx, days)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Removed %d completed transactions older than %d days\n", n, days)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
