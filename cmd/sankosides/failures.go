package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kevin-nav/sankosides/pkg/persistence"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
)

var (
	failuresAgent   string
	failuresSession string
	failuresLimit   int
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List escalated stage failures",
	Long: `Lists failure reports written when a stage exhausted its recovery budget.
Reports live in the SQLite store only.

Examples:
  sankosides failures --agent planner --limit 5`,
	Args: cobra.NoArgs,
	RunE: runFailures,
}

func init() {
	failuresCmd.Flags().StringVar(&failuresAgent, "agent", "", "Only failures of this stage")
	failuresCmd.Flags().StringVar(&failuresSession, "session", "", "Only failures of this session")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 20, "Maximum reports")
	rootCmd.AddCommand(failuresCmd)
}

func runFailures(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rs, ok := store.(*persistence.Store)
	if !ok {
		return fmt.Errorf("storage backend %q keeps no failure reports", cfg.Storage.Backend)
	}
	reports, err := rs.ListFailureReports(cmd.Context(), recovery.ReportFilter{
		Limit:        failuresLimit,
		SessionID:    failuresSession,
		FailingAgent: failuresAgent,
	})
	if err != nil {
		return err
	}
	if output == "json" {
		return writeJSON(cmd.OutOrStdout(), reports)
	}
	if len(reports) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failure reports.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPORT\tSESSION\tAGENT\tTYPE\tATTEMPTS\tCREATED\tERROR")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.SessionID, r.FailingAgent, r.FailureType,
			len(r.HelperAttempts), r.CreatedAt.Local().Format(time.DateTime), truncate(r.ErrorMessage, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
