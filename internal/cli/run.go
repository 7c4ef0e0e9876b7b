package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/snapverify-project/snapverify/internal/report"
	"github.com/snapverify-project/snapverify/internal/selector"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/metrics"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/progress"
	"github.com/snapverify-project/snapverify/pkg/snapverify"
)

var (
	runAgent          string
	runAllAgents      bool
	runHeadless       bool
	runHeaded         bool
	runCommands       []string
	runInstructions   []string
	runStepsCSV       string
	runUsername       string
	runPassword       string
	runPasswordPrompt bool
	runShowPassword   bool
	runPause          bool
	runPauseDuration  time.Duration
	runLoginRetries   int
	runBootTimeout    time.Duration
	runConcurrency    int
	runDriver         string
	runNoHTML         bool
	runNoHistory      bool
	runMetricsAddr    string
	runProgress       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Verify the latest snapshot of one or all agents",
	Long: `Verify the latest snapshot of an agent.

Boots the most recent snapshot as a network-isolated VM, logs into the
Windows guest, runs each PowerShell command (--cmd) and each natural
language instruction (--step, --steps), summarizes the result with the AI
model, writes the JSON and HTML report and destroys the VM.

Commands run before instructions. --agent accepts an agent id, hostname or
display name. Without --agent or --all-agents the agent with the newest
snapshot is verified.

Exit status: 0 when the verification succeeded. With --all-agents, 0 when
at least one agent verified.

Examples:
  snapverify run --agent a_0123456789ab --cmd Get-Service --cmd "Get-Uptime"
  snapverify run --agent FS01 --step "Open Event Viewer and check for errors"
  snapverify run --all-agents --concurrency 3 --password-prompt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := requireConfig()
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		steps := requestedSteps(runCommands, runInstructions, runStepsCSV)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := metrics.NewRegistry()
		if runMetricsAddr != "" {
			srv := serveMetrics(runMetricsAddr, reg, log)
			defer srv.Close()
		}
		opts := snapverify.Options{
			Log:          log,
			Metrics:      reg,
			ShowPassword: runShowPassword,
			NoHistory:    runNoHistory,
		}
		if runProgress && !jsonOutput {
			opts.Progress = progress.NewLines(os.Stderr).Callback()
		}
		client, err := snapverify.New(ctx, cfg, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Error(err, "shutdown")
			}
		}()

		agents, err := resolveRunAgents(ctx, client)
		if err != nil {
			return err
		}
		vs := client.VerifyAll(ctx, agents, steps)
		printVerifications(vs)

		succeeded := snapverify.Succeeded(vs)
		if succeeded == len(vs) || (runAllAgents && succeeded > 0) {
			return nil
		}
		return &exitError{code: 1}
	},
}

// applyRunFlags overlays explicitly set flags onto the configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("headless") {
		cfg.Console.Headless = runHeadless
	}
	if f.Changed("headed") {
		cfg.Console.Headless = !runHeaded
	}
	if f.Changed("driver") {
		cfg.Console.Driver = runDriver
	}
	if runUsername != "" {
		cfg.Guest.Username = runUsername
	}
	if runPassword != "" {
		cfg.Guest.Password = runPassword
	}
	if runPasswordPrompt {
		pw, err := promptPassword(cfg.Guest.Username)
		if err != nil {
			return err
		}
		cfg.Guest.Password = pw
	}
	if runPause {
		cfg.Guest.RevealPause = true
	}
	if f.Changed("pause-duration") {
		cfg.Guest.RevealDuration = runPauseDuration
	}
	if f.Changed("login-retries") {
		cfg.Guest.LoginRetries = runLoginRetries
	}
	if f.Changed("boot-timeout") {
		cfg.Backup.BootTimeout = runBootTimeout
	}
	if f.Changed("concurrency") {
		cfg.Concurrency = runConcurrency
	}
	if runNoHTML {
		cfg.Output.HTML = false
	}
	return nil
}

func promptPassword(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password-prompt needs an interactive terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// requestedSteps orders literal commands before instructions.
func requestedSteps(commands, instructions []string, csv string) []model.Step {
	var steps []model.Step
	for _, c := range commands {
		if c = strings.TrimSpace(c); c != "" {
			steps = append(steps, model.CommandStep(c))
		}
	}
	all := append([]string{}, instructions...)
	if csv != "" {
		all = append(all, strings.Split(csv, ",")...)
	}
	for _, s := range all {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, model.InstructionStep(s))
		}
	}
	return steps
}

// agentLister is the part of the backup client agent resolution needs.
type agentLister interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	LatestByAgent(ctx context.Context) (map[string]model.Snapshot, error)
}

// resolveRunAgents returns the agent ids to verify.
func resolveRunAgents(ctx context.Context, prov agentLister) ([]string, error) {
	if runAgent != "" {
		agents, err := prov.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.ID == runAgent {
				return []string{a.ID}, nil
			}
		}
		if len(selector.FindMultiple(agents, runAgent, 1)) == 0 {
			return nil, errors.New(formatAgentNotFoundError(runAgent, agents))
		}
		a, err := selector.Resolve(agents, runAgent)
		if err != nil {
			return nil, err
		}
		return []string{a.ID}, nil
	}

	latest, err := prov.LatestByAgent(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]model.Snapshot, 0, len(latest))
	for _, s := range latest {
		snaps = append(snaps, s)
	}
	model.SortNewestFirst(snaps)
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no agent has a snapshot to verify")
	}
	if !runAllAgents {
		return []string{snaps[0].AgentID}, nil
	}
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.AgentID)
	}
	return ids, nil
}

type runOutput struct {
	*model.VerificationResult
	Reports   []string `json:"reports,omitempty"`
	Trail     string   `json:"trail,omitempty"`
	ReportErr string   `json:"report_error,omitempty"`
}

func printVerifications(vs []snapverify.Verification) {
	if jsonOutput {
		list := make([]runOutput, 0, len(vs))
		for _, o := range vs {
			ro := runOutput{VerificationResult: o.Result, Reports: o.Reports, Trail: o.Trail}
			if o.ReportErr != nil {
				ro.ReportErr = o.ReportErr.Error()
			}
			list = append(list, ro)
		}
		if len(list) == 1 {
			outputJSON(list[0])
		} else {
			outputJSON(list)
		}
		return
	}

	for i, o := range vs {
		if i > 0 {
			fmt.Println()
		}
		fmt.Print(report.QuickSummary(o.Result))
		fmt.Printf("Result: %s\n", color.Status(o.Result.Success))
		for _, path := range o.Reports {
			fmt.Printf("Report: %s\n", path)
		}
		if o.ReportErr != nil {
			fmt.Printf("Report: %s\n", color.Errorf("not written: %v", o.ReportErr))
		}
	}
	if len(vs) > 1 {
		fmt.Printf("\n%s %d/%d agents verified\n", color.Header("Overall:"), snapverify.Succeeded(vs), len(vs))
	}
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runAgent, "agent", "a", "", "agent id, hostname or name to verify")
	f.BoolVar(&runAllAgents, "all-agents", false, "verify the latest snapshot of every agent")
	f.BoolVar(&runHeadless, "headless", true, "run the browser console driver headless")
	f.BoolVar(&runHeaded, "headed", false, "show the browser window (browser driver)")
	f.StringArrayVar(&runCommands, "cmd", nil, "PowerShell command to run (repeatable)")
	f.StringArrayVar(&runInstructions, "step", nil, "natural language instruction (repeatable)")
	f.StringVar(&runStepsCSV, "steps", "", "comma-separated natural language instructions")
	f.StringVarP(&runUsername, "username", "u", "", "Windows username (overrides WINDOWS_USERNAME)")
	f.StringVarP(&runPassword, "password", "p", "", "Windows password (overrides WINDOWS_PASSWORD)")
	f.BoolVar(&runPasswordPrompt, "password-prompt", false, "read the Windows password from the terminal")
	f.BoolVar(&runShowPassword, "show-password", false, "log password typing progress (debugging)")
	f.BoolVar(&runPause, "pause", false, "pause after typing the password before pressing Enter")
	f.DurationVar(&runPauseDuration, "pause-duration", 30*time.Second, "length of --pause")
	f.IntVar(&runLoginRetries, "login-retries", 3, "login attempts before giving up")
	f.DurationVar(&runBootTimeout, "boot-timeout", 5*time.Minute, "maximum time for the VM to boot")
	f.IntVar(&runConcurrency, "concurrency", 2, "agents verified in parallel with --all-agents")
	f.StringVar(&runDriver, "driver", "rfb", "console driver: rfb, browser")
	f.BoolVar(&runNoHTML, "no-html", false, "write only the JSON report")
	f.BoolVar(&runNoHistory, "no-history", false, "do not record the run in the history database")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.BoolVar(&runProgress, "progress", true, "print pipeline progress to stderr")
	runCmd.MarkFlagsMutuallyExclusive("agent", "all-agents")
	runCmd.MarkFlagsMutuallyExclusive("password", "password-prompt")
	rootCmd.AddCommand(runCmd)
}
