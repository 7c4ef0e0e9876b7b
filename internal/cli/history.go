package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/internal/history"
	"github.com/snapverify-project/snapverify/internal/report"
	"github.com/snapverify-project/snapverify/pkg/color"
)

var (
	historyDB        string
	historyLimit     int
	historyAgent     string
	historyFailed    bool
	historySince     time.Duration
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past verification runs",
	Long: `Show past verification runs recorded in the history database.

Examples:
  snapverify history                      # last 20 runs
  snapverify history --agent a_01 -n 5    # last 5 runs of one agent
  snapverify history --failed --since 168h
  snapverify history show 3f2a            # one run by id prefix
  snapverify history verify               # check every recorded report
  snapverify history prune --older-than 2160h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		f := history.Filter{AgentID: historyAgent, FailedOnly: historyFailed, Limit: historyLimit}
		if historySince > 0 {
			f.Since = time.Now().Add(-historySince)
		}
		entries, err := store.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if jsonOutput {
			if entries == nil {
				entries = []history.Entry{}
			}
			return outputJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No verification runs recorded.")
			return nil
		}
		for _, e := range entries {
			agent := e.AgentName
			if agent == "" {
				agent = e.AgentID
			}
			line := fmt.Sprintf("%s  %s  %s  %-20s  %d/%d steps  %s",
				color.ID(shortID(e.RunID)),
				e.StartedAt.Local().Format("2006-01-02 15:04"),
				color.Status(e.Success),
				agent,
				e.Succeeded, e.Steps,
				e.Duration().Round(time.Second))
			if e.FailureCode != "" {
				line += "  " + color.Error(e.FailureCode)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return runLookupError(args[0], err)
		}
		res, err := store.Result(cmd.Context(), e.RunID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		fmt.Printf("Run: %s\n", color.ID(e.RunID))
		if e.ReportPath != "" {
			fmt.Printf("Report: %s\n", e.ReportPath)
		}
		fmt.Print(report.QuickSummary(res))
		if res.Summary != "" {
			fmt.Printf("\n%s\n%s\n", color.Header("Summary:"), res.Summary)
		}
		return nil
	},
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify [run-id]",
	Short: "Check recorded reports for tampering",
	Long: `Check recorded reports for tampering.

Recomputes each report's checksum and compares its content with the
result stored in the history database. Without a run id every recorded
run is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var results []*history.VerifyResult
		if len(args) == 1 {
			r, err := store.Verify(cmd.Context(), args[0])
			if err != nil {
				return runLookupError(args[0], err)
			}
			results = append(results, r)
		} else {
			results, err = store.VerifyAll(cmd.Context())
			if err != nil {
				return err
			}
		}

		bad := 0
		for _, r := range results {
			if !r.OK() {
				bad++
			}
		}
		if jsonOutput {
			if results == nil {
				results = []*history.VerifyResult{}
			}
			outputJSON(results)
		} else {
			for _, r := range results {
				status := color.Success("OK")
				if !r.OK() {
					status = color.Error("TAMPERED")
					if !r.TamperDetected {
						status = color.Warning("ERROR")
					}
				}
				fmt.Printf("%s  %-8s  %s", color.ID(shortID(r.RunID)), status, r.ReportPath)
				if r.Error != "" {
					fmt.Printf("  %s", color.Dim(r.Error))
				}
				fmt.Println()
			}
			fmt.Printf("%d checked, %d with problems\n", len(results), bad)
		}
		if bad > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than a cutoff",
	Long: `Delete history entries older than --older-than. Report files on disk are
left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(cmd.Context(), time.Now().Add(-historyOlderThan))
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]int64{"pruned": n})
		}
		fmt.Printf("Pruned %d run(s).\n", n)
		return nil
	},
}

// openHistory opens the history database named by --db or the config.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	path := historyDB
	if path == "" {
		path = cfg.Output.HistoryDB
	}
	if path == "" {
		return nil, errors.New("no history database configured (output.history_db)")
	}
	return history.Open(cmd.Context(), path, log.WithName("history"))
}

func runLookupError(query string, err error) error {
	if errors.Is(err, history.ErrRunNotFound) {
		return fmt.Errorf("run '%s' not found\n  %s", query,
			color.Dim(fmt.Sprintf("Run %s to see recorded runs.", color.Code("snapverify history"))))
	}
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyDB, "db", "", "history database (default from config)")
	f := historyCmd.Flags()
	f.IntVarP(&historyLimit, "limit", "n", 20, "maximum runs to show (0 = all)")
	f.StringVarP(&historyAgent, "agent", "a", "", "only runs of this agent id")
	f.BoolVar(&historyFailed, "failed", false, "only failed runs")
	f.DurationVar(&historySince, "since", 0, "only runs started within this duration")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 90*24*time.Hour, "delete runs started before now minus this")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyVerifyCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
