package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/logging"
)

var (
	jsonOutput bool
	configPath string
	envFile    string
	noColor    bool
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "snapverify",
		Short: "snapverify - automated backup snapshot verification",
		Long: `snapverify proves that backups restore. It boots the latest snapshot of an
agent as an isolated VM, logs into the Windows guest through the remote
console, runs checks, asks an AI model to summarize what it saw, writes a
report and destroys the VM.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	f.StringVarP(&configPath, "config", "c", "", "config file (default snapverify.yaml)")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file with API keys and credentials")
	f.BoolVar(&noColor, "no-color", false, "disable colored output")
	f.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "", "log format: console, json")
}

// exitError carries a process exit code without printing anything.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	_ = logging.Sync()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmtErr("%v", err)
	os.Exit(1)
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
