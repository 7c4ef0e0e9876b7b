package cli

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/internal/report"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/fsutil"
)

var reportHTMLOut string

var reportCmd = &cobra.Command{
	Use:   "report <command>",
	Short: "Inspect and render verification reports",
	Long: `Inspect and render JSON verification reports.

Available commands:
  summary <report.json>   - Print the step summary of a report
  html <report.json>      - Render a report as a standalone HTML page`,
	DisableFlagsInUseLine: true,
}

var reportSummaryCmd = &cobra.Command{
	Use:   "summary <report.json>",
	Short: "Print the step summary of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := report.Load(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		fmt.Print(report.QuickSummary(res))
		fmt.Printf("Result: %s\n", color.Status(res.Success))
		if res.Summary != "" {
			fmt.Printf("\n%s\n%s\n", color.Header("Summary:"), res.Summary)
		}
		return nil
	},
}

var reportHTMLCmd = &cobra.Command{
	Use:   "html <report.json>",
	Short: "Render a report as HTML",
	Long: `Render a JSON report as a standalone HTML page with the screenshots
embedded. The page is written next to the JSON file unless --out is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := report.Load(args[0])
		if err != nil {
			return err
		}
		page, err := report.RenderHTML(res, logr.Discard())
		if err != nil {
			return err
		}
		out := reportHTMLOut
		if out == "" {
			out = strings.TrimSuffix(args[0], ".json") + ".html"
		}
		if err := fsutil.AtomicWrite(out, page, 0644); err != nil {
			return fmt.Errorf("write html: %w", err)
		}
		if jsonOutput {
			return outputJSON(map[string]string{"path": out})
		}
		fmt.Printf("Wrote %s\n", color.Code(out))
		return nil
	},
}

func init() {
	reportHTMLCmd.Flags().StringVarP(&reportHTMLOut, "out", "o", "", "output path")
	reportCmd.AddCommand(reportSummaryCmd)
	reportCmd.AddCommand(reportHTMLCmd)
	rootCmd.AddCommand(reportCmd)
}
