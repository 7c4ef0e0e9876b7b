package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/pkg/color"
)

var trailCmd = &cobra.Command{
	Use:   "trail <command>",
	Short: "Inspect per-run action trails",
	Long: `Inspect the hash-chained JSONL action trails written for each run.

Every guest interaction (input, screenshot, login attempt, command) is
appended to <trail_dir>/<run-id>.jsonl with a hash linking it to the
previous record, so edits and deletions are detectable.`,
	DisableFlagsInUseLine: true,
}

type trailCheck struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

var trailVerifyCmd = &cobra.Command{
	Use:   "verify [<trail.jsonl>...]",
	Short: "Verify trail hash chains",
	Long: `Verify trail hash chains.

Examples:
  snapverify trail verify                          # every trail in trail_dir
  snapverify trail verify trails/3f2a0c1e.jsonl    # one trail`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths, err = filepath.Glob(filepath.Join(cfg.Output.TrailDir, "*.jsonl"))
			if err != nil {
				return err
			}
			sort.Strings(paths)
		}

		checks := make([]trailCheck, 0, len(paths))
		broken := 0
		for _, p := range paths {
			n, err := audit.Verify(p)
			c := trailCheck{Path: p, Records: n, Valid: err == nil}
			if err != nil {
				c.Error = err.Error()
				broken++
			}
			checks = append(checks, c)
		}

		if jsonOutput {
			outputJSON(checks)
		} else {
			if len(checks) == 0 {
				fmt.Println("No trails found.")
			}
			for _, c := range checks {
				if c.Valid {
					fmt.Printf("%s  %s  %d records\n", color.Success("OK"), c.Path, c.Records)
					continue
				}
				fmt.Printf("%s  %s  %s\n", color.Error("BROKEN"), c.Path, color.Dim(c.Error))
			}
		}
		if broken > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	trailCmd.AddCommand(trailVerifyCmd)
	rootCmd.AddCommand(trailCmd)
}
