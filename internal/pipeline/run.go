package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/internal/guest"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/template"
)

// run is the state of a single verification.
type run struct {
	p     *Pipeline
	req   Request
	res   *model.VerificationResult
	log   logr.Logger
	trail *audit.Trail

	state model.State
	vm    *model.RestoreVM
	guest Guest

	cleanupOnce sync.Once
}

// stateOrder drives progress reporting.
var stateOrder = []model.State{
	model.StateInit,
	model.StateSnapshotSelected,
	model.StateVMProvisioning,
	model.StateVMReady,
	model.StateGuestLoggedIn,
	model.StateStepsExecuting,
	model.StateSummarizing,
	model.StateReporting,
	model.StateCleanup,
}

func (r *run) enter(state model.State, note string) {
	r.state = state
	r.res.Timeline = append(r.res.Timeline, model.Transition{State: state, At: r.p.now().UTC(), Note: note})
	if err := r.trail.Record(model.TrailState, string(state), map[string]any{"note": note}); err != nil {
		r.log.V(1).Info("trail write failed", "error", err.Error())
	}
	for i, s := range stateOrder {
		if s == state {
			r.p.deps.Progress("verify "+r.req.AgentID, i+1, len(stateOrder), string(state))
		}
	}
	r.log.V(1).Info("state", "state", state, "note", note)
}

func (r *run) execute(ctx context.Context) Output {
	hooks := r.p.deps.Webhooks
	r.enter(model.StateInit, "")
	hooks.SendVerifyStart(r.res.RunID, r.req.AgentID, true)

	if err := r.guard("verify", func() error { return r.verify(ctx) }); err != nil {
		r.abort(err)
	}

	if err := r.guard("summarize", func() error { r.summarize(ctx); return nil }); err != nil && r.res.FailureCode == "" {
		r.abort(err)
	}

	// The terminal state is known before reporting; cleanup cannot change it.
	if r.res.FailureCode != "" {
		r.res.FinalState = model.StateFailed
	} else {
		r.res.FinalState = model.StateDone
	}
	r.res.Success = r.res.FailureCode == "" && r.res.AllStepsSucceeded()
	r.res.EndedAt = r.p.now().UTC()

	out := Output{Result: r.res, TrailPath: r.trail.Path()}
	r.enter(model.StateReporting, "")
	if r.p.deps.Reporter != nil {
		out.ReportErr = r.guard("report", func() (err error) {
			out.Artifacts, err = r.p.deps.Reporter.Report(ctx, r.res)
			return err
		})
		if out.ReportErr != nil {
			r.log.Error(out.ReportErr, "report not written")
		}
	}

	r.cleanup(ctx)
	r.enter(r.res.FinalState, r.res.FailureCode)

	r.p.deps.Metrics.RecordRun(r.res.Success, r.res.Duration())
	if r.res.Success {
		hooks.SendVerifyComplete(r.res.RunID, r.req.AgentID, r.res.SnapshotID, r.res.SuccessCount(), len(r.res.Actions), true)
	} else {
		reason := r.res.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("%d of %d steps failed", len(r.res.Actions)-r.res.SuccessCount(), len(r.res.Actions))
		}
		hooks.SendVerifyFailed(r.res.RunID, r.req.AgentID, r.res.SnapshotID, r.res.FailureCode, reason, true)
	}
	r.log.Info("verification finished", "success", r.res.Success, "state", r.res.FinalState,
		"steps", len(r.res.Actions), "succeeded", r.res.SuccessCount(), "duration", r.res.Duration().String())
	return out
}

// guard runs one stage of the run and converts a panic into an E_INTERNAL
// error, so the run still summarizes, reports and destroys its VM.
func (r *run) guard(stage string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errclass.ErrInternal.WithMessagef("%s panicked: %v", stage, v)
			r.log.Error(err, "recovered panic", "state", r.state, "stack", string(debug.Stack()))
		}
	}()
	return fn()
}

// abort records a failure that stops the run.
func (r *run) abort(err error) {
	r.res.FailureCode = errclass.CodeOf(err)
	r.res.FailureReason = err.Error()
	r.log.Info("verification aborted", "state", r.state, "code", r.res.FailureCode, "error", err.Error())
}

// verify runs every state up to and including StepsExecuting.
func (r *run) verify(ctx context.Context) error {
	prov := r.p.deps.Provider

	if agent, err := prov.GetAgent(ctx, r.req.AgentID); err == nil {
		r.res.Agent = agent
	} else {
		r.log.V(1).Info("agent details unavailable", "error", err.Error())
	}

	snap, err := prov.LatestSnapshot(ctx, r.req.AgentID)
	if err != nil {
		return err
	}
	r.res.SnapshotID = snap.ID
	at := snap.CreatedAt.UTC()
	r.res.SnapshotAt = &at
	r.enter(model.StateSnapshotSelected, snap.ID)

	r.enter(model.StateVMProvisioning, "")
	name := template.ExpandAt(r.p.opts.VMName, r.p.now(), map[string]string{"agent": r.req.AgentID})
	vm, err := prov.CreateVM(ctx, snap, backup.VMOptions{Name: name, CPU: r.p.opts.CPU, MemoryMB: r.p.opts.MemoryMB})
	if err != nil {
		return err
	}
	r.vm = &vm
	r.res.VMID = vm.ID
	r.p.deps.Webhooks.SendVMCreated(r.res.RunID, r.req.AgentID, snap.ID, vm.ID, true)
	r.log.Info("restore VM created", "vm", vm.ID, "snapshot", snap.ID)

	bootStart := r.p.now()
	ready, err := prov.PollVMState(ctx, vm.ID, r.p.opts.BootTimeout)
	if err != nil {
		return err
	}
	r.p.deps.Metrics.RecordBoot(r.p.now().Sub(bootStart))
	r.enter(model.StateVMReady, vm.ID)

	url := ready.ConsoleURL
	if url == "" {
		if url, err = prov.ConsoleURL(ctx, vm.ID); err != nil {
			return err
		}
	}

	r.guest = r.p.deps.NewGuest(r.res.RunID, r.trail)
	if err := r.guest.Connect(ctx, url); err != nil {
		return err
	}
	if err := r.login(ctx); err != nil {
		return err
	}
	r.enter(model.StateGuestLoggedIn, "")

	return r.steps(ctx)
}

func (r *run) login(ctx context.Context) error {
	var last guest.LoginResult
	n := r.p.opts.LoginRetries
	for attempt := 1; attempt <= n; attempt++ {
		res, err := r.guest.Login(ctx, r.req.Credentials, attempt)
		r.p.deps.Metrics.RecordLoginAttempt(err == nil && res.OK())
		if err != nil {
			return err
		}
		if res.OK() {
			return nil
		}
		last = res
		r.log.Info("login attempt failed", "attempt", attempt, "of", n, "outcome", res.Outcome)
	}
	return guest.LoginFailure(last, n)
}

// steps executes every requested step. A failed step does not stop the run;
// cancellation marks the remaining steps as not run and aborts.
func (r *run) steps(ctx context.Context) error {
	r.enter(model.StateStepsExecuting, fmt.Sprintf("%d steps", len(r.req.Steps)))
	for i, step := range r.req.Steps {
		if err := ctx.Err(); err != nil {
			for _, rest := range r.req.Steps[i:] {
				r.res.Actions = append(r.res.Actions, model.ActionLogEntry{
					Seq:         len(r.res.Actions) + 1,
					Timestamp:   r.p.now().UTC(),
					Kind:        rest.Kind,
					Description: "Not run",
					Input:       rest.Text,
					ErrorCode:   errclass.ErrCanceled.Code,
					Detail:      "run canceled",
				})
			}
			return errclass.ErrCanceled.Wrap(err)
		}
		entry := r.guest.RunStep(ctx, step)
		entry.Seq = len(r.res.Actions) + 1
		r.res.Actions = append(r.res.Actions, entry)
		r.p.deps.Metrics.RecordStep(string(step.Kind), entry.Success)
		r.log.Info("step finished", "seq", entry.Seq, "kind", step.Kind, "success", entry.Success, "code", entry.ErrorCode)
	}
	return nil
}

// summarize never fails the run: an unavailable advisor yields the placeholder.
func (r *run) summarize(ctx context.Context) {
	r.enter(model.StateSummarizing, "")
	r.res.Summary = advisor.Placeholder
	if r.guest != nil {
		r.res.Screenshots = r.guest.Screenshots()
	}
	if r.p.deps.Summarizer == nil || len(r.res.Actions) == 0 {
		return
	}
	shots := readShots(r.res.Screenshots, r.p.opts.MaxSummaryScreenshots, r.log)
	summary, err := r.p.deps.Summarizer.Summarize(ctx, r.res.Actions, shots)
	if err != nil {
		r.log.Info("summary unavailable", "error", err.Error())
		return
	}
	if summary != "" {
		r.res.Summary = summary
	}
}

// cleanup closes the console and destroys the VM exactly once. It never
// fails the run; a destroy error is logged and reported by webhook.
func (r *run) cleanup(ctx context.Context) {
	r.cleanupOnce.Do(func() {
		_ = r.guard("cleanup", func() error {
			r.enter(model.StateCleanup, "")
			if r.guest != nil {
				if err := r.guest.Close(); err != nil {
					r.log.V(1).Info("console close failed", "error", err.Error())
				}
			}
			return nil
		})
		if r.vm == nil {
			return
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.p.opts.CleanupTimeout)
		defer cancel()

		err := r.destroy(cctx)
		r.p.deps.Metrics.RecordDestroy(err)
		msg := ""
		if err != nil {
			msg = err.Error()
			r.log.Error(err, "restore VM not destroyed; remove it manually", "vm", r.vm.ID)
		} else {
			r.log.Info("restore VM destroyed", "vm", r.vm.ID)
		}
		r.p.deps.Webhooks.SendVMDestroyed(r.res.RunID, r.req.AgentID, r.vm.ID, msg, true)
	})
}

func (r *run) destroy(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("destroy panicked: %v", p)
		}
	}()
	err = r.p.deps.Provider.DestroyVM(ctx, r.vm.ID)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("destroy timed out after %s: %w", r.p.opts.CleanupTimeout, err)
	}
	return err
}
