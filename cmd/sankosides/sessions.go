package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kevin-nav/sankosides/pkg/config"
	"github.com/Kevin-nav/sankosides/pkg/metrics"
	"github.com/Kevin-nav/sankosides/pkg/persistence"
)

var (
	sessionsStatus []string
	sessionsLimit  int
	costsLimit     int
	costsWindow    time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Long: `Lists sessions from the configured store. With the SQLite backend the
usage ledger is joined in to show calls and cost per session.

Examples:
  sankosides sessions list
  sankosides sessions list --status failed -o json`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsCostsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show the costliest sessions from Prometheus",
	Long: `Queries the Prometheus server configured as metrics.prometheus_url for the
sessions with the highest model spend over a trailing window.

Examples:
  sankosides sessions costs --window 168h`,
	Args: cobra.NoArgs,
	RunE: runSessionsCosts,
}

func init() {
	sessionsListCmd.Flags().StringSliceVar(&sessionsStatus, "status", nil, "Only sessions in these statuses")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "Maximum sessions to list")
	sessionsCostsCmd.Flags().DurationVar(&costsWindow, "window", 24*time.Hour, "Trailing window")
	sessionsCostsCmd.Flags().IntVar(&costsLimit, "limit", 10, "Maximum sessions to show")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCostsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type sessionRow struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage"`
	UpdatedAt    time.Time `json:"updated_at"`
	Calls        int       `json:"calls"`
	CostUSD      float64   `json:"cost_usd"`
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := listSessions(cmd.Context(), store, persistence.SessionFilter{Statuses: sessionsStatus, Limit: sessionsLimit})
	if err != nil {
		return err
	}
	if output == "json" {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tSTAGE\tUPDATED\tCALLS\tCOST")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.4f\n", r.SessionID, r.Status, r.CurrentStage,
			r.UpdatedAt.Local().Format(time.DateTime), r.Calls, r.CostUSD)
	}
	return w.Flush()
}

// listSessions joins stored sessions with the usage ledger when the store keeps one.
func listSessions(ctx context.Context, store persistence.SessionStore, f persistence.SessionFilter) ([]sessionRow, error) {
	recs, err := store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	usage := map[string]persistence.UsageSummary{}
	if db, ok := store.(*persistence.Store); ok {
		summaries, err := db.UsageSummaries(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range summaries {
			usage[s.SessionID] = s
		}
	}

	rows := make([]sessionRow, 0, len(recs))
	for _, rec := range recs {
		u := usage[rec.SessionID]
		rows = append(rows, sessionRow{
			SessionID:    rec.SessionID,
			Status:       rec.Status,
			CurrentStage: rec.CurrentStage,
			UpdatedAt:    rec.UpdatedAt,
			Calls:        u.Calls,
			CostUSD:      u.CostUSD,
		})
	}
	return rows, nil
}

func runSessionsCosts(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if cfg.Metrics.PrometheusURL == "" {
		return fmt.Errorf("metrics.prometheus_url is not set in %s", config.ProjectConfigFilename)
	}
	q, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}
	top, err := q.TopSessions(cmd.Context(), costsWindow, costsLimit)
	if err != nil {
		return err
	}
	if output == "json" {
		return writeJSON(cmd.OutOrStdout(), top)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTOKENS\tCOST")
	for _, c := range top {
		fmt.Fprintf(w, "%s\t%d\t$%.4f\n", c.SessionID, c.TotalTokens, c.TotalCost)
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
