package snapverify

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/internal/console"
	"github.com/snapverify-project/snapverify/internal/guest"
	"github.com/snapverify-project/snapverify/internal/history"
	"github.com/snapverify-project/snapverify/internal/pipeline"
	"github.com/snapverify-project/snapverify/internal/report"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/metrics"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/progress"
	"github.com/snapverify-project/snapverify/pkg/webhook"
)

// Options configures a Client beyond what the config file holds.
type Options struct {
	Log          logr.Logger
	Metrics      *metrics.Registry // nil creates a private registry
	Progress     progress.Callback
	ShowPassword bool // log password typing progress
	NoHistory    bool // skip the run history database
}

// Verification is the outcome of one run.
type Verification struct {
	Result    *model.VerificationResult
	Reports   []string // written report files, JSON first
	Trail     string   // action trail file, empty when none was written
	ReportErr error    // report could not be written; Result is still valid
}

// Client verifies snapshots with one configuration.
type Client struct {
	cfg      *config.Config
	log      logr.Logger
	backup   *backup.Client
	hooks    *webhook.Client
	store    *history.Store
	metrics  *metrics.Registry
	pipeline *pipeline.Pipeline
}

// New validates cfg and wires a Client. The history database is opened
// when configured; failing to open it disables history with a logged error.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	dialer, err := console.NewDialer(cfg.Console, cfg.Guest.InputDelay, log.WithName("console"))
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		backup:  backup.NewClient(cfg.Backup, log.WithName("backup")),
		hooks:   webhook.NewClient(&cfg.Webhooks, log.WithName("webhook")),
		metrics: reg,
	}

	var reporter pipeline.Reporter = report.NewGenerator(cfg.Output.ReportDir, cfg.Output.HTML, log.WithName("report"))
	if !opts.NoHistory && cfg.Output.HistoryDB != "" {
		store, err := history.Open(ctx, cfg.Output.HistoryDB, log.WithName("history"))
		if err != nil {
			log.Error(err, "run history disabled")
		} else {
			c.store = store
			reporter = store.Recording(reporter)
		}
	}

	var adv *advisor.Client
	if cfg.Advisor.APIKey != "" {
		adv = advisor.NewClient(cfg.Advisor, log.WithName("advisor"), reg)
	}

	deps := pipeline.Deps{
		Provider: c.backup,
		NewGuest: func(runID string, trail *audit.Trail) pipeline.Guest {
			gopts := guest.Options{
				Guest:          cfg.Guest,
				ConnectTimeout: cfg.Console.ConnectTimeout,
				ScreenshotDir:  filepath.Join(cfg.Output.ScreenshotDir, runID),
				Trail:          trail,
				Log:            log.WithValues("run", runID),
				ShowPassword:   opts.ShowPassword,
			}
			if adv == nil {
				return guest.New(dialer, nil, gopts)
			}
			return guest.New(dialer, adv, gopts)
		},
		Reporter: reporter,
		Webhooks: c.hooks,
		Metrics:  reg,
		Progress: opts.Progress,
		Log:      log.WithName("pipeline"),
	}
	if adv != nil {
		deps.Summarizer = adv
	}
	c.pipeline = pipeline.New(deps, pipeline.Options{
		BootTimeout:           cfg.Backup.BootTimeout,
		LoginRetries:          cfg.Guest.LoginRetries,
		VMName:                cfg.Backup.VMName,
		CPU:                   cfg.Backup.CPU,
		MemoryMB:              cfg.Backup.MemoryMB,
		MaxSummaryScreenshots: cfg.Advisor.MaxSummaryScreenshots,
		TrailDir:              cfg.Output.TrailDir,
	})
	return c, nil
}

// ListAgents returns the agents visible to the backup API key.
func (c *Client) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return c.backup.ListAgents(ctx)
}

// LatestByAgent returns the newest snapshot of every agent that has one.
func (c *Client) LatestByAgent(ctx context.Context) (map[string]model.Snapshot, error) {
	return c.backup.LatestByAgent(ctx)
}

// Verify runs the full pipeline against the latest snapshot of agentID.
func (c *Client) Verify(ctx context.Context, agentID string, steps []model.Step) Verification {
	return toVerification(c.pipeline.Run(ctx, c.request(agentID, steps)))
}

// VerifyAll verifies several agents with the configured concurrency.
// Results are returned in the order of agentIDs.
func (c *Client) VerifyAll(ctx context.Context, agentIDs []string, steps []model.Step) []Verification {
	reqs := make([]pipeline.Request, 0, len(agentIDs))
	for _, id := range agentIDs {
		reqs = append(reqs, c.request(id, steps))
	}
	outs := c.pipeline.RunAll(ctx, reqs, c.cfg.Concurrency)
	vs := make([]Verification, len(outs))
	for i, o := range outs {
		vs[i] = toVerification(o)
	}
	return vs
}

func (c *Client) request(agentID string, steps []model.Step) pipeline.Request {
	return pipeline.Request{
		AgentID:     agentID,
		Steps:       steps,
		Credentials: guest.Credentials{Username: c.cfg.Guest.Username, Password: c.cfg.Guest.Password},
	}
}

func toVerification(o pipeline.Output) Verification {
	return Verification{Result: o.Result, Reports: o.Artifacts, Trail: o.TrailPath, ReportErr: o.ReportErr}
}

// Succeeded counts successful verifications.
func Succeeded(vs []Verification) int {
	n := 0
	for _, v := range vs {
		if v.Result != nil && v.Result.Success {
			n++
		}
	}
	return n
}

// Close flushes webhooks, writes the metrics textfile when configured and
// closes the history database.
func (c *Client) Close() error {
	var errs []error
	if err := c.hooks.Close(); err != nil {
		errs = append(errs, err)
	}
	if path := c.cfg.Metrics.Textfile; path != "" {
		if err := c.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
