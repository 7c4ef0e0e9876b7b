package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/internal/selector"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/model"
)

var snapshotsLimit int

type agentRow struct {
	model.Agent
	LatestSnapshot *model.Snapshot `json:"latest_snapshot,omitempty"`
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List backup agents and their latest snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := requireConfig()
		prov, err := newBackupClient(cfg, log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		agents, err := prov.ListAgents(ctx)
		if err != nil {
			return err
		}
		latest, err := prov.LatestByAgent(ctx)
		if err != nil {
			return err
		}

		rows := make([]agentRow, 0, len(agents))
		for _, a := range agents {
			row := agentRow{Agent: a}
			if s, ok := latest[a.ID]; ok {
				row.LatestSnapshot = &s
			}
			rows = append(rows, row)
		}
		if jsonOutput {
			return outputJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No agents are visible to this API key.")
			return nil
		}
		for _, r := range rows {
			snap := color.Dim("no snapshots")
			if r.LatestSnapshot != nil {
				snap = fmt.Sprintf("%s  %s", color.ID(r.LatestSnapshot.ID), age(r.LatestSnapshot.CreatedAt))
			}
			fmt.Printf("%s  %-24s  %s\n", color.ID(r.ID), r.DisplayName(), snap)
		}
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <agent>",
	Short: "List snapshots of an agent, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := requireConfig()
		prov, err := newBackupClient(cfg, log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		agents, err := prov.ListAgents(ctx)
		if err != nil {
			return err
		}
		if len(selector.FindMultiple(agents, args[0], 1)) == 0 {
			return fmt.Errorf("%s", formatAgentNotFoundError(args[0], agents))
		}
		agent, err := selector.Resolve(agents, args[0])
		if err != nil {
			return err
		}
		snaps, err := prov.ListSnapshots(ctx, agent.ID)
		if err != nil {
			return err
		}
		if snapshotsLimit > 0 && len(snaps) > snapshotsLimit {
			snaps = snaps[:snapshotsLimit]
		}
		if jsonOutput {
			if snaps == nil {
				snaps = []model.Snapshot{}
			}
			return outputJSON(snaps)
		}
		fmt.Printf("%s %s (%s)\n", color.Header("Agent:"), agent.DisplayName(), color.ID(agent.ID))
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for i, s := range snaps {
			marker := "  "
			if i == 0 {
				marker = color.Success("> ")
			}
			fmt.Printf("%s%s  %s  %s\n", marker, color.ID(s.ID),
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"), age(s.CreatedAt))
		}
		return nil
	},
}

// age renders how long ago t was, to the coarsest useful unit.
func age(t time.Time) string {
	if t.IsZero() {
		return color.Dim("unknown age")
	}
	d := time.Since(t)
	switch {
	case d < time.Hour:
		return color.Dim(fmt.Sprintf("%dm ago", int(d.Minutes())))
	case d < 48*time.Hour:
		return color.Dim(fmt.Sprintf("%dh ago", int(d.Hours())))
	default:
		return color.Dim(fmt.Sprintf("%dd ago", int(d.Hours()/24)))
	}
}

func init() {
	snapshotsCmd.Flags().IntVarP(&snapshotsLimit, "limit", "n", 10, "maximum snapshots to show (0 = all)")
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(snapshotsCmd)
}
