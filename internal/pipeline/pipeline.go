// Package pipeline runs one backup verification end to end: select the latest
// snapshot, boot it as an isolated VM, log in, execute the requested steps,
// summarize, report and destroy the VM.
package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/internal/guest"
	"github.com/snapverify-project/snapverify/pkg/metrics"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/progress"
	"github.com/snapverify-project/snapverify/pkg/webhook"
)

// Provider is the backup service as the pipeline uses it.
type Provider interface {
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	LatestSnapshot(ctx context.Context, agentID string) (model.Snapshot, error)
	CreateVM(ctx context.Context, snap model.Snapshot, opts backup.VMOptions) (model.RestoreVM, error)
	PollVMState(ctx context.Context, vmID string, timeout time.Duration) (model.RestoreVM, error)
	ConsoleURL(ctx context.Context, vmID string) (string, error)
	DestroyVM(ctx context.Context, vmID string) error
}

// Guest is a console session on the restored VM.
type Guest interface {
	Connect(ctx context.Context, consoleURL string) error
	Login(ctx context.Context, creds guest.Credentials, attempt int) (guest.LoginResult, error)
	RunStep(ctx context.Context, step model.Step) model.ActionLogEntry
	Screenshots() []string
	Close() error
}

// GuestFactory creates the guest session for a run.
type GuestFactory func(runID string, trail *audit.Trail) Guest

// Summarizer produces the run summary. On failure it returns the placeholder.
type Summarizer interface {
	Summarize(ctx context.Context, entries []model.ActionLogEntry, shots []advisor.Image) (string, error)
}

// Reporter persists the final result and returns the artifact paths.
type Reporter interface {
	Report(ctx context.Context, res *model.VerificationResult) ([]string, error)
}

// Options are the per-run policies.
type Options struct {
	BootTimeout           time.Duration
	LoginRetries          int
	VMName                string
	CPU                   int
	MemoryMB              int
	MaxSummaryScreenshots int
	TrailDir              string
	CleanupTimeout        time.Duration
}

// Deps are the collaborators. Summarizer, Webhooks, Metrics and Progress are optional.
type Deps struct {
	Provider   Provider
	NewGuest   GuestFactory
	Summarizer Summarizer
	Reporter   Reporter
	Webhooks   *webhook.Client
	Metrics    *metrics.Registry
	Progress   progress.Callback
	Log        logr.Logger
}

// Request is one verification run.
type Request struct {
	AgentID     string
	Steps       []model.Step
	Credentials guest.Credentials
}

// Output is what a run leaves behind.
type Output struct {
	Result    *model.VerificationResult
	Artifacts []string
	TrailPath string
	ReportErr error
}

// Pipeline runs verifications. It holds no per-run state and may run
// several verifications concurrently.
type Pipeline struct {
	deps Deps
	opts Options

	now   func() time.Time
	newID func() string
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Progress == nil {
		deps.Progress = progress.Noop
	}
	if opts.LoginRetries < 1 {
		opts.LoginRetries = 1
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 2 * time.Minute
	}
	return &Pipeline{
		deps:  deps,
		opts:  opts,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Run executes one verification. It always returns a result; the VM, if
// one was created, is destroyed before Run returns. A panic in a
// collaborator fails the run with E_INTERNAL instead of escaping.
func (p *Pipeline) Run(ctx context.Context, req Request) Output {
	r := p.newRun(ctx, req)
	defer r.cleanup(ctx)
	return r.execute(ctx)
}

func (p *Pipeline) newRun(ctx context.Context, req Request) *run {
	runID := p.newID()
	log := p.deps.Log.WithValues("run", runID, "agent", req.AgentID)
	r := &run{
		p:   p,
		req: req,
		log: log,
		res: &model.VerificationResult{
			RunID:     runID,
			Agent:     model.Agent{ID: req.AgentID},
			Actions:   []model.ActionLogEntry{},
			StartedAt: p.now().UTC(),
		},
	}
	if p.opts.TrailDir != "" {
		trail, err := audit.Open(p.opts.TrailDir, runID)
		if err != nil {
			log.Error(err, "action trail unavailable")
		} else {
			r.trail = trail
		}
	}
	return r
}

// readShots loads the newest n screenshots for the summary.
func readShots(paths []string, n int, log logr.Logger) []advisor.Image {
	if n <= 0 || len(paths) == 0 {
		return nil
	}
	if len(paths) > n {
		paths = paths[len(paths)-n:]
	}
	out := make([]advisor.Image, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.V(1).Info("screenshot unreadable", "path", path, "error", err.Error())
			continue
		}
		out = append(out, advisor.Image{Label: path, PNG: data})
	}
	return out
}
