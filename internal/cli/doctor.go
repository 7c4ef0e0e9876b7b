package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/internal/doctor"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/metrics"
)

var (
	doctorStrict      bool
	doctorRepair      []string
	doctorListRepairs bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the verification environment",
	Long: `Check the verification environment.

Validates the configuration, output directories, backup API and AI
endpoint, and looks for restore VMs left running by interrupted runs.
Use --strict to also verify every action trail hash chain and every
report recorded in the run history.

Repairs:
  --repair clean_tmp         remove temp files from interrupted writes
  --repair destroy_orphans   destroy leftover restore VMs`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := requireConfig()
		ctx := cmd.Context()

		var doc *doctor.Doctor
		var backup doctor.Backup
		if c, err := newBackupClient(cfg, log); err == nil {
			backup = c
		}
		if adv := newAdvisor(cfg, log, metrics.NewRegistry()); adv != nil {
			doc = doctor.NewDoctor(cfg, backup, adv, log.WithName("doctor"))
		} else {
			doc = doctor.NewDoctor(cfg, backup, nil, log.WithName("doctor"))
		}

		if doctorListRepairs {
			actions := doc.ListRepairActions()
			if jsonOutput {
				return outputJSON(actions)
			}
			for _, a := range actions {
				fmt.Printf("  %-16s %s\n", color.Code(a.ID), a.Description)
			}
			return nil
		}

		if len(doctorRepair) > 0 {
			results, err := doc.Repair(ctx, doctorRepair)
			if err != nil {
				return fmt.Errorf("repair: %w", err)
			}
			if jsonOutput {
				return outputJSON(results)
			}
			failed := false
			for _, r := range results {
				msg := fmt.Sprintf("cleaned %d", r.Cleaned)
				if r.Message != "" {
					msg += ": " + r.Message
				}
				fmt.Printf("  %s %s %s\n", color.Status(r.Success), r.Action, color.Dim(msg))
				failed = failed || !r.Success
			}
			if failed {
				return &exitError{code: 1}
			}
			return nil
		}

		result, err := doc.Check(ctx, doctorStrict)
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}
		if jsonOutput {
			outputJSON(result)
		} else if len(result.Findings) == 0 {
			fmt.Println(color.Success("Environment is healthy."))
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s\n", severityColor(f.Severity), f.Category, f.Description)
			}
		}
		if !result.Healthy {
			return &exitError{code: 1}
		}
		return nil
	},
}

func severityColor(s string) string {
	switch strings.ToLower(s) {
	case "critical", "error":
		return color.Error(s)
	case "warning":
		return color.Warning(s)
	default:
		return color.Info(s)
	}
}

func init() {
	f := doctorCmd.Flags()
	f.BoolVar(&doctorStrict, "strict", false, "verify trails and recorded reports")
	f.StringSliceVar(&doctorRepair, "repair", nil, "repair actions to run (comma-separated)")
	f.BoolVar(&doctorListRepairs, "list-repairs", false, "list available repair actions")
	rootCmd.AddCommand(doctorCmd)
}
