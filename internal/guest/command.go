package guest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snapverify-project/snapverify/internal/console"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// maxPlanWait bounds a single WAIT action from an advisor plan.
const maxPlanWait = time.Minute

// Outcome is the result of a command or an executed plan.
type Outcome struct {
	Success    bool
	Code       string
	Detail     string
	Screenshot string
}

// RunCommand opens PowerShell, runs command, waits for the prompt to return
// and records the resulting screen. A prompt that never returns within the
// command timeout yields a failed entry with E_COMMAND_TIMEOUT.
func (s *Session) RunCommand(ctx context.Context, command string) model.ActionLogEntry {
	entry := s.nextEntry(model.StepCommand, "Run PowerShell command", command)
	out := s.command(ctx, command)
	entry.Success = out.Success
	entry.ErrorCode = out.Code
	entry.Detail = out.Detail
	entry.Screenshot = out.Screenshot
	s.record(model.TrailCommand, command, map[string]any{
		"seq": entry.Seq, "success": entry.Success, "error_code": entry.ErrorCode,
	})
	return entry
}

func (s *Session) openShell(ctx context.Context) error {
	if err := s.press(ctx, "Win", "r"); err != nil {
		return err
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.send(ctx, console.Text("powershell.exe")); err != nil {
		return err
	}
	if err := s.press(ctx, "Enter"); err != nil {
		return err
	}
	return s.settle(ctx)
}

func failed(err error) Outcome {
	return Outcome{Code: errclass.CodeOf(err), Detail: err.Error()}
}

func (s *Session) command(ctx context.Context, command string) Outcome {
	if err := s.openShell(ctx); err != nil {
		return failed(err)
	}
	if err := s.send(ctx, console.Text(command)); err != nil {
		return failed(err)
	}
	if err := s.press(ctx, "Enter"); err != nil {
		return failed(err)
	}

	out := s.waitForPrompt(ctx, command)

	if shot, err := s.CaptureScreenshot(ctx, "command_"+command); err == nil {
		out.Screenshot = shot.Path
	} else {
		s.log.Error(err, "command screenshot failed", "command", command)
	}
	if err := s.press(ctx, "Alt", "F4"); err != nil {
		s.log.Error(err, "closing shell failed")
	}
	return out
}

// waitForPrompt polls the advisor until the command has finished. Without an
// advisor the command is given one poll interval and marked unverified.
func (s *Session) waitForPrompt(ctx context.Context, command string) Outcome {
	deadline := s.now().Add(s.cfg.CommandTimeout)
	for {
		if err := s.sleep(ctx, s.cfg.CommandPoll); err != nil {
			return failed(errclass.ErrCanceled.Wrap(err))
		}
		if s.advisor == nil {
			return Outcome{Success: true, Detail: "unverified: no advisor"}
		}
		shot, err := s.grab(ctx, "command_poll")
		if err != nil {
			return failed(err)
		}
		v, err := s.advisor.CheckCommand(ctx, shot.image(), command)
		if err != nil {
			if ctx.Err() != nil {
				return failed(errclass.ErrCanceled.Wrap(ctx.Err()))
			}
			return Outcome{Success: true, Detail: "unverified: " + err.Error()}
		}
		if v.Finished {
			if v.Failed {
				return Outcome{Code: errclass.ErrCommandFailed.Code, Detail: v.Description}
			}
			return Outcome{Success: true, Detail: v.Description}
		}
		if !s.now().Before(deadline) {
			err := errclass.ErrCommandTimeout.WithMessagef("prompt did not return within %s", s.cfg.CommandTimeout)
			return Outcome{Code: err.Code, Detail: err.Message}
		}
	}
}

// InterpretInstruction asks the advisor to plan the instruction against the
// current screen and executes the plan. An unusable plan is a failed entry.
func (s *Session) InterpretInstruction(ctx context.Context, instruction string) model.ActionLogEntry {
	entry := s.nextEntry(model.StepInstruction, "Instruction: "+instruction, instruction)
	defer func() {
		s.record(model.TrailInstruction, instruction, map[string]any{
			"seq": entry.Seq, "success": entry.Success, "error_code": entry.ErrorCode,
		})
	}()

	if s.advisor == nil {
		entry.ErrorCode = errclass.ErrAIUnavailable.Code
		entry.Detail = "no advisor configured to plan instructions"
		return entry
	}
	shot, err := s.grab(ctx, "instruction")
	if err != nil {
		entry.ErrorCode, entry.Detail = errclass.CodeOf(err), err.Error()
		return entry
	}
	plan, err := s.advisor.PlanFromInstruction(ctx, instruction, shot.image())
	if err == nil && plan.Empty() {
		err = errclass.ErrPlanUnusable.WithMessage("advisor returned no actions")
	}
	if err != nil {
		entry.ErrorCode, entry.Detail = errclass.CodeOf(err), err.Error()
		return entry
	}

	out := s.ExecutePlan(ctx, plan)
	if out.Screenshot == "" {
		if saved, err := s.CaptureScreenshot(ctx, "instruction_"+instruction); err == nil {
			out.Screenshot = saved.Path
		}
	}
	entry.Success = out.Success
	entry.ErrorCode = out.Code
	entry.Detail = out.Detail
	entry.Screenshot = out.Screenshot
	return entry
}

// ExecutePlan runs each action through the same primitives as RunCommand,
// stopping at the first failure.
func (s *Session) ExecutePlan(ctx context.Context, plan model.ActionPlan) Outcome {
	var notes []string
	var last string
	for i, a := range plan.Actions {
		step := fmt.Sprintf("action %d/%d %s", i+1, len(plan.Actions), a.Kind)
		switch a.Kind {
		case model.ActionCommand:
			out := s.command(ctx, a.Value)
			if out.Screenshot != "" {
				last = out.Screenshot
			}
			if !out.Success {
				out.Detail = step + ": " + out.Detail
				out.Screenshot = last
				return out
			}
			notes = append(notes, fmt.Sprintf("ran %q", a.Value))
		case model.ActionType:
			if err := s.send(ctx, console.Text(a.Value)); err != nil {
				return withStep(failed(err), step, last)
			}
			notes = append(notes, fmt.Sprintf("typed %d chars", len([]rune(a.Value))))
		case model.ActionKeys:
			keys, err := console.ParseChord(a.Value)
			if err != nil {
				return withStep(failed(errclass.ErrPlanUnusable.Wrap(err)), step, last)
			}
			if err := s.press(ctx, keys...); err != nil {
				return withStep(failed(err), step, last)
			}
			notes = append(notes, "pressed "+strings.Join(keys, "+"))
		case model.ActionWait:
			d, err := parseWait(a.Value)
			if err != nil {
				return withStep(failed(errclass.ErrPlanUnusable.Wrap(err)), step, last)
			}
			if err := s.sleep(ctx, d); err != nil {
				return withStep(failed(errclass.ErrCanceled.Wrap(err)), step, last)
			}
			notes = append(notes, "waited "+d.String())
		default:
			return withStep(failed(errclass.ErrPlanUnusable.WithMessagef("unknown action kind %q", a.Kind)), step, last)
		}
		if a.Kind != model.ActionCommand {
			if err := s.settle(ctx); err != nil {
				return withStep(failed(errclass.ErrCanceled.Wrap(err)), step, last)
			}
		}
	}
	return Outcome{Success: true, Detail: strings.Join(notes, "; "), Screenshot: last}
}

func withStep(out Outcome, step, screenshot string) Outcome {
	out.Detail = step + ": " + out.Detail
	out.Screenshot = screenshot
	return out
}

func parseWait(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return min(d, maxPlanWait), nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(v, "s"), 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid wait %q", v)
	}
	return min(time.Duration(secs*float64(time.Second)), maxPlanWait), nil
}
