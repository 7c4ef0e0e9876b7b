package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/internal/guest"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu        sync.Mutex
	snapshots []model.Snapshot
	pollErr   error
	destroyFn func(ctx context.Context) error

	created   []backup.VMOptions
	destroyed []string
}

func (p *fakeProvider) GetAgent(_ context.Context, id string) (model.Agent, error) {
	return model.Agent{ID: id, Name: "Server " + id}, nil
}

func (p *fakeProvider) LatestSnapshot(_ context.Context, agentID string) (model.Snapshot, error) {
	latest, ok := model.SelectLatest(p.snapshots)
	if !ok {
		return model.Snapshot{}, errclass.ErrNoSnapshot.WithMessagef("agent %s has no snapshots", agentID)
	}
	return latest, nil
}

func (p *fakeProvider) CreateVM(_ context.Context, snap model.Snapshot, opts backup.VMOptions) (model.RestoreVM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, opts)
	return model.RestoreVM{ID: "vm-" + snap.ID, SnapshotID: snap.ID, State: model.BootPending}, nil
}

func (p *fakeProvider) PollVMState(_ context.Context, vmID string, _ time.Duration) (model.RestoreVM, error) {
	if p.pollErr != nil {
		return model.RestoreVM{ID: vmID}, p.pollErr
	}
	return model.RestoreVM{ID: vmID, State: model.BootReady, ConsoleURL: "wss://console/" + vmID}, nil
}

func (p *fakeProvider) ConsoleURL(_ context.Context, vmID string) (string, error) {
	return "wss://console/" + vmID, nil
}

func (p *fakeProvider) DestroyVM(ctx context.Context, vmID string) error {
	p.mu.Lock()
	p.destroyed = append(p.destroyed, vmID)
	fn := p.destroyFn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

type fakeGuest struct {
	logins   []guest.LoginOutcome
	attempts int
	stepFn   func(ctx context.Context, step model.Step) model.ActionLogEntry
	shots    []string
	closed   int
}

func (g *fakeGuest) Connect(context.Context, string) error { return nil }

func (g *fakeGuest) Login(_ context.Context, _ guest.Credentials, attempt int) (guest.LoginResult, error) {
	g.attempts++
	outcome := guest.LoginSucceeded
	if attempt-1 < len(g.logins) {
		outcome = g.logins[attempt-1]
	}
	return guest.LoginResult{Outcome: outcome}, nil
}

func (g *fakeGuest) RunStep(ctx context.Context, step model.Step) model.ActionLogEntry {
	if g.stepFn != nil {
		return g.stepFn(ctx, step)
	}
	return model.ActionLogEntry{Kind: step.Kind, Input: step.Text, Description: "Run PowerShell command", Success: true}
}

func (g *fakeGuest) Screenshots() []string { return g.shots }
func (g *fakeGuest) Close() error         { g.closed++; return nil }

type stubSummarizer struct {
	summary string
	err     error
	calls   int
	shots   int
}

func (s *stubSummarizer) Summarize(_ context.Context, _ []model.ActionLogEntry, shots []advisor.Image) (string, error) {
	s.calls++
	s.shots = len(shots)
	return s.summary, s.err
}

type recordingReporter struct {
	got *model.VerificationResult
	err error
}

func (r *recordingReporter) Report(_ context.Context, res *model.VerificationResult) ([]string, error) {
	r.got = res
	if r.err != nil {
		return nil, r.err
	}
	return []string{"report.json"}, nil
}

type harness struct {
	prov     *fakeProvider
	guest    *fakeGuest
	sum      *stubSummarizer
	rep      *recordingReporter
	p        *Pipeline
	newGuest int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		prov: &fakeProvider{snapshots: []model.Snapshot{
			{ID: "T1", AgentID: "srv1", CreatedAt: t0.Add(-24 * time.Hour), DeviceID: "d"},
			{ID: "T2", AgentID: "srv1", CreatedAt: t0, DeviceID: "d"},
		}},
		guest: &fakeGuest{},
		sum:   &stubSummarizer{summary: "All checks passed"},
		rep:   &recordingReporter{},
	}
	opts := Options{
		BootTimeout:           time.Minute,
		LoginRetries:          3,
		VMName:                "verify-{agent}",
		MaxSummaryScreenshots: 2,
		TrailDir:              t.TempDir(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.p = New(Deps{
		Provider: h.prov,
		NewGuest: func(string, *audit.Trail) Guest {
			h.newGuest++
			return h.guest
		},
		Summarizer: h.sum,
		Reporter:   h.rep,
		Log:        logr.Discard(),
	}, opts)
	var n atomic.Int64
	h.p.now = func() time.Time { return t0.Add(time.Duration(n.Add(1)) * time.Second) }
	h.p.newID = func() string { return fmt.Sprintf("run-%d", n.Add(1)) }
	return h
}

func states(res *model.VerificationResult) []model.State {
	out := make([]model.State, 0, len(res.Timeline))
	for _, tr := range res.Timeline {
		out = append(out, tr.State)
	}
	return out
}

func commands(cmds ...string) []model.Step {
	steps := make([]model.Step, 0, len(cmds))
	for _, c := range cmds {
		steps = append(steps, model.CommandStep(c))
	}
	return steps
}

func TestRun_HealthyServerVerifies(t *testing.T) {
	h := newHarness(t, nil)

	out := h.p.Run(context.Background(), Request{
		AgentID:     "srv1",
		Steps:       commands("Get-Service", "Get-Uptime"),
		Credentials: guest.Credentials{Username: "admin", Password: "pw"},
	})
	res := out.Result

	assert.Equal(t, "T2", res.SnapshotID)
	assert.Equal(t, "vm-T2", res.VMID)
	assert.Equal(t, "Server srv1", res.Agent.Name)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailureCode)
	assert.Equal(t, "All checks passed", res.Summary)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, 1, res.Actions[0].Seq)
	assert.Equal(t, 2, res.Actions[1].Seq)
	assert.Equal(t, model.StateDone, res.FinalState)
	assert.Equal(t, []model.State{
		model.StateInit, model.StateSnapshotSelected, model.StateVMProvisioning, model.StateVMReady,
		model.StateGuestLoggedIn, model.StateStepsExecuting, model.StateSummarizing,
		model.StateReporting, model.StateCleanup, model.StateDone,
	}, states(res))

	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
	assert.Equal(t, 1, h.guest.closed)
	require.Len(t, h.prov.created, 1)
	assert.Equal(t, "verify-srv1", h.prov.created[0].Name)

	assert.Same(t, res, h.rep.got)
	assert.Equal(t, []string{"report.json"}, out.Artifacts)
	assert.NoError(t, out.ReportErr)
	assert.False(t, res.EndedAt.Before(res.StartedAt))
}

func TestRun_TrailRecordsStates(t *testing.T) {
	h := newHarness(t, nil)

	out := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("hostname")})

	require.NotEmpty(t, out.TrailPath)
	n, err := audit.Verify(out.TrailPath)
	require.NoError(t, err)
	assert.Equal(t, len(out.Result.Timeline), n)
}

func TestRun_StepFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t, nil)
	h.guest.stepFn = func(_ context.Context, step model.Step) model.ActionLogEntry {
		e := model.ActionLogEntry{Kind: step.Kind, Input: step.Text, Success: step.Text != "bad"}
		if !e.Success {
			e.ErrorCode = errclass.ErrCommandFailed.Code
		}
		return e
	}

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("a", "bad", "c")}).Result

	require.Len(t, res.Actions, 3)
	assert.True(t, res.Actions[0].Success)
	assert.False(t, res.Actions[1].Success)
	assert.True(t, res.Actions[2].Success)
	assert.False(t, res.Success)
	assert.Empty(t, res.FailureCode)
	assert.Equal(t, model.StateDone, res.FinalState)
	assert.Equal(t, 1, h.sum.calls)
}

func TestRun_AdvisorUnavailableUsesPlaceholder(t *testing.T) {
	h := newHarness(t, nil)
	h.sum.summary = advisor.Placeholder
	h.sum.err = errclass.ErrAIUnavailable.WithMessage("connection refused")

	out := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("Get-Service")})

	assert.Equal(t, advisor.Placeholder, out.Result.Summary)
	assert.True(t, out.Result.Success)
	assert.Contains(t, states(out.Result), model.StateReporting)
	assert.NotNil(t, h.rep.got)
}

func TestRun_SummaryGetsNewestScreenshots(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("shot%d.png", i))
		require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644))
		h.guest.shots = append(h.guest.shots, path)
	}

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.Equal(t, 2, h.sum.shots)
	assert.Len(t, res.Screenshots, 3)
}

func TestRun_LoginSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.guest.logins = []guest.LoginOutcome{guest.LoginRejected, guest.LoginRejected, guest.LoginSucceeded}

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.Equal(t, 3, h.guest.attempts)
	assert.Contains(t, states(res), model.StateGuestLoggedIn)
	assert.True(t, res.Success)
}

func TestRun_LoginFailsAfterRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.guest.logins = []guest.LoginOutcome{guest.LoginRejected, guest.LoginRejected, guest.LoginRejected, guest.LoginSucceeded}

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x", "y")}).Result

	assert.Equal(t, 3, h.guest.attempts)
	assert.Equal(t, errclass.ErrLoginFailed.Code, res.FailureCode)
	assert.False(t, res.Success)
	assert.Empty(t, res.Actions)
	assert.NotContains(t, states(res), model.StateGuestLoggedIn)
	assert.Equal(t, model.StateFailed, res.FinalState)
	assert.Equal(t, advisor.Placeholder, res.Summary)
	assert.Zero(t, h.sum.calls)
	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
	assert.NotNil(t, h.rep.got)
}

func TestRun_BootTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.pollErr = errclass.ErrVMBootTimeout.WithMessage("vm vm-T2 not ready after 1m0s")

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.Equal(t, errclass.ErrVMBootTimeout.Code, res.FailureCode)
	assert.NotEmpty(t, res.FailureReason)
	assert.Empty(t, res.Actions)
	assert.Zero(t, h.newGuest)
	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
	assert.Equal(t, model.StateFailed, res.FinalState)
	assert.Equal(t, []model.State{
		model.StateInit, model.StateSnapshotSelected, model.StateVMProvisioning,
		model.StateSummarizing, model.StateReporting, model.StateCleanup, model.StateFailed,
	}, states(res))
}

func TestRun_NoSnapshotCreatesNoVM(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.snapshots = nil

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.Equal(t, errclass.ErrNoSnapshot.Code, res.FailureCode)
	assert.Empty(t, h.prov.created)
	assert.Empty(t, h.prov.destroyed)
	assert.Empty(t, res.VMID)
}

func TestRun_DestroyFailureIsLoggedOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.destroyFn = func(context.Context) error { return errors.New("service unavailable") }

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.True(t, res.Success)
	assert.Equal(t, model.StateDone, res.FinalState)
	assert.Len(t, h.prov.destroyed, 1)
}

func TestRun_DestroyPanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.destroyFn = func(context.Context) error { panic("boom") }

	res := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")}).Result

	assert.True(t, res.Success)
}

func TestRun_PanicFailsRunAndStillReports(t *testing.T) {
	h := newHarness(t, nil)
	h.guest.stepFn = func(context.Context, model.Step) model.ActionLogEntry { panic("console driver bug") }

	var out Output
	require.NotPanics(t, func() {
		out = h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")})
	})
	res := out.Result

	assert.False(t, res.Success)
	assert.Equal(t, errclass.ErrInternal.Code, res.FailureCode)
	assert.Contains(t, res.FailureReason, "console driver bug")
	assert.Equal(t, model.StateFailed, res.FinalState)
	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
	assert.Equal(t, 1, h.guest.closed)

	require.NotNil(t, h.rep.got, "a failed report is still written")
	assert.Equal(t, errclass.ErrInternal.Code, h.rep.got.FailureCode)
	assert.Equal(t, []string{"report.json"}, out.Artifacts)
	assert.Equal(t, advisor.Placeholder, res.Summary)

	got := states(res)
	assert.Equal(t, []model.State{model.StateSummarizing, model.StateReporting, model.StateCleanup, model.StateFailed},
		got[len(got)-4:])
}

func TestRun_ReporterPanicIsReportError(t *testing.T) {
	h := newHarness(t, nil)
	h.p.deps.Reporter = reporterFunc(func(context.Context, *model.VerificationResult) ([]string, error) {
		panic("template bug")
	})

	out := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")})

	require.Error(t, out.ReportErr)
	assert.True(t, errors.Is(out.ReportErr, errclass.ErrInternal))
	assert.True(t, out.Result.Success)
	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
}

type reporterFunc func(context.Context, *model.VerificationResult) ([]string, error)

func (f reporterFunc) Report(ctx context.Context, res *model.VerificationResult) ([]string, error) {
	return f(ctx, res)
}

func TestRun_CancelMarksRemainingStepsAndCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.guest.stepFn = func(_ context.Context, step model.Step) model.ActionLogEntry {
		cancel()
		return model.ActionLogEntry{Kind: step.Kind, Input: step.Text, Success: true}
	}
	var destroyCtxErr error
	h.prov.destroyFn = func(ctx context.Context) error {
		destroyCtxErr = ctx.Err()
		return nil
	}

	res := h.p.Run(ctx, Request{AgentID: "srv1", Steps: commands("a", "b", "c")}).Result

	require.Len(t, res.Actions, 3)
	assert.True(t, res.Actions[0].Success)
	for _, e := range res.Actions[1:] {
		assert.False(t, e.Success)
		assert.Equal(t, errclass.ErrCanceled.Code, e.ErrorCode)
	}
	assert.Equal(t, 3, res.Actions[2].Seq)
	assert.Equal(t, errclass.ErrCanceled.Code, res.FailureCode)
	assert.Equal(t, model.StateFailed, res.FinalState)
	assert.Len(t, h.prov.destroyed, 1)
	assert.NoError(t, destroyCtxErr)
}

func TestRun_NoStepsSkipsSummarizer(t *testing.T) {
	h := newHarness(t, nil)

	res := h.p.Run(context.Background(), Request{AgentID: "srv1"}).Result

	assert.True(t, res.Success)
	assert.Equal(t, advisor.Placeholder, res.Summary)
	assert.Zero(t, h.sum.calls)
}

func TestRun_ReportErrorKeepsResult(t *testing.T) {
	h := newHarness(t, nil)
	h.rep.err = errclass.ErrReportWrite.WithMessage("disk full")

	out := h.p.Run(context.Background(), Request{AgentID: "srv1", Steps: commands("x")})

	assert.True(t, out.Result.Success)
	assert.ErrorIs(t, out.ReportErr, errclass.ErrReportWrite)
	assert.Len(t, out.Result.Actions, 1)
}

func TestRunAll_OrderAndLimit(t *testing.T) {
	h := newHarness(t, nil)
	var inFlight, peak atomic.Int32
	h.p.deps.NewGuest = func(string, *audit.Trail) Guest {
		return &fakeGuest{stepFn: func(_ context.Context, step model.Step) model.ActionLogEntry {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return model.ActionLogEntry{Kind: step.Kind, Input: step.Text, Success: true}
		}}
	}
	h.p.deps.Reporter = nil
	h.p.deps.Summarizer = nil

	reqs := []Request{
		{AgentID: "a", Steps: commands("1")},
		{AgentID: "b", Steps: commands("2")},
		{AgentID: "c", Steps: commands("3")},
		{AgentID: "d", Steps: commands("4")},
	}
	outs := h.p.RunAll(context.Background(), reqs, 2)

	require.Len(t, outs, 4)
	for i, o := range outs {
		assert.Equal(t, reqs[i].AgentID, o.Result.Agent.ID)
		assert.Equal(t, reqs[i].Steps[0].Text, o.Result.Actions[0].Input)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 4, Succeeded(outs))
	assert.Len(t, h.prov.destroyed, 4)
}

func TestRunAll_PanicInOneRunDestroysEveryVM(t *testing.T) {
	h := newHarness(t, nil)
	h.p.deps.NewGuest = func(string, *audit.Trail) Guest {
		return &fakeGuest{stepFn: func(_ context.Context, step model.Step) model.ActionLogEntry {
			if step.Text == "boom" {
				panic("console driver bug")
			}
			time.Sleep(50 * time.Millisecond)
			return model.ActionLogEntry{Kind: step.Kind, Input: step.Text, Success: true}
		}}
	}

	var outs []Output
	require.NotPanics(t, func() {
		outs = h.p.RunAll(context.Background(), []Request{
			{AgentID: "a", Steps: commands("boom")},
			{AgentID: "b", Steps: commands("slow")},
		}, 2)
	})

	require.Len(t, outs, 2)
	assert.Equal(t, errclass.ErrInternal.Code, outs[0].Result.FailureCode)
	assert.Equal(t, model.StateFailed, outs[0].Result.FinalState)
	assert.True(t, outs[1].Result.Success)
	assert.Len(t, h.prov.created, 2)
	assert.Len(t, h.prov.destroyed, 2)
	assert.Equal(t, 1, Succeeded(outs))
}

func TestRunAll_PanicEscapingRunIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.p.deps.Progress = func(_ string, _, _ int, message string) {
		if message == string(model.StateReporting) {
			panic("progress renderer bug")
		}
	}

	outs := h.p.RunAll(context.Background(), []Request{{AgentID: "srv1", Steps: commands("x")}}, 1)

	require.Len(t, outs, 1)
	res := outs[0].Result
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, errclass.ErrInternal.Code, res.FailureCode)
	assert.Equal(t, "srv1", res.Agent.ID)
	assert.Equal(t, []string{"vm-T2"}, h.prov.destroyed)
}
