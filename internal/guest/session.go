// Package guest drives a Windows guest through a console: login, PowerShell
// commands, screenshots and advisor-planned instructions. Every action is
// appended to the run's audit trail.
package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/console"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/fsutil"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/pathutil"
)

// Advisor is what the session asks of the vision model. Any method may fail
// with errclass.ErrAIUnavailable; the session then proceeds unverified.
type Advisor interface {
	Inspect(ctx context.Context, shot advisor.Image, expectation string) (advisor.Verdict, error)
	DetectLoginFields(ctx context.Context, shot advisor.Image) (advisor.LoginFields, error)
	CheckCommand(ctx context.Context, shot advisor.Image, command string) (advisor.CommandVerdict, error)
	PlanFromInstruction(ctx context.Context, instruction string, shot advisor.Image) (model.ActionPlan, error)
}

// Options configures a Session.
type Options struct {
	Guest          config.GuestConfig
	ConnectTimeout time.Duration
	ScreenshotDir  string
	Trail          *audit.Trail
	Log            logr.Logger
	// ShowPassword logs password length and progress while typing.
	ShowPassword bool
}

// Screenshot is a saved console capture.
type Screenshot struct {
	Path  string
	Label string
	PNG   []byte
}

func (s Screenshot) image() advisor.Image { return advisor.Image{Label: s.Label, PNG: s.PNG} }

// Session drives one guest. It is not safe for concurrent use.
type Session struct {
	dialer  console.Dialer
	advisor Advisor
	cfg     config.GuestConfig
	opts    Options
	trail   *audit.Trail
	log     logr.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	con   console.Console
	seq   int
	shots []string
}

// New creates a session. adv may be nil, in which case nothing is verified.
func New(dialer console.Dialer, adv Advisor, opts Options) *Session {
	return &Session{
		dialer:  dialer,
		advisor: adv,
		cfg:     opts.Guest,
		opts:    opts,
		trail:   opts.Trail,
		log:     opts.Log.WithName("guest"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) record(ev model.TrailEventType, action string, details map[string]any) {
	if err := s.trail.Record(ev, action, details); err != nil {
		s.log.Error(err, "trail write failed", "action", action)
	}
}

// Connect opens the console and waits until it renders a frame.
func (s *Session) Connect(ctx context.Context, consoleURL string) error {
	timeout := s.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	con, err := s.dialer.Dial(cctx, consoleURL)
	if err != nil {
		s.record(model.TrailConnect, "connect failed", map[string]any{"error": err.Error()})
		return asConnectionError(err)
	}

	for {
		png, err := con.Screenshot(cctx)
		if err == nil && len(png) > 0 {
			break
		}
		if cctx.Err() != nil {
			con.Close()
			s.record(model.TrailConnect, "console never rendered", nil)
			return errclass.ErrConnectionTimeout.WithMessagef("console did not render within %s", timeout)
		}
		if err := s.sleep(cctx, time.Second); err != nil {
			con.Close()
			return errclass.ErrConnectionTimeout.WithMessagef("console did not render within %s", timeout)
		}
	}

	s.con = con
	s.record(model.TrailConnect, "console connected", nil)
	s.log.Info("console connected")
	return nil
}

func asConnectionError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errclass.ErrCanceled.Wrap(err)
	}
	if errclass.CodeOf(err) == "E_INTERNAL" {
		return errclass.ErrConnectionTimeout.Wrap(err)
	}
	return err
}

// Close releases the console. It is safe to call more than once.
func (s *Session) Close() error {
	if s.con == nil {
		return nil
	}
	err := s.con.Close()
	s.con = nil
	return err
}

// Screenshots returns the paths of every saved screenshot, in capture order.
func (s *Session) Screenshots() []string {
	return append([]string(nil), s.shots...)
}

func (s *Session) grab(ctx context.Context, label string) (Screenshot, error) {
	if s.con == nil {
		return Screenshot{}, errclass.ErrConnectionTimeout.WithMessage("console not connected")
	}
	png, err := s.con.Screenshot(ctx)
	if err != nil {
		return Screenshot{}, err
	}
	return Screenshot{Label: label, PNG: png}, nil
}

// CaptureScreenshot saves the current screen as <YYYYmmdd_HHMMSS.mmm>_<label>.png.
func (s *Session) CaptureScreenshot(ctx context.Context, label string) (Screenshot, error) {
	shot, err := s.grab(ctx, label)
	if err != nil {
		return Screenshot{}, err
	}
	return s.save(shot)
}

func (s *Session) save(shot Screenshot) (Screenshot, error) {
	base := s.now().Format("20060102_150405.000") + "_" + pathutil.SanitizeLabel(shot.Label)
	path := filepath.Join(s.opts.ScreenshotDir, base+".png")
	for i := 2; fileExists(path); i++ {
		path = filepath.Join(s.opts.ScreenshotDir, fmt.Sprintf("%s_%d.png", base, i))
	}
	if err := fsutil.AtomicWrite(path, shot.PNG, 0644); err != nil {
		return Screenshot{}, fmt.Errorf("save screenshot: %w", err)
	}
	shot.Path = path
	s.shots = append(s.shots, path)
	s.record(model.TrailScreenshot, shot.Label, map[string]any{"path": path, "bytes": len(shot.PNG)})
	return shot, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// send delivers input and pauses for the settle delay.
func (s *Session) send(ctx context.Context, in console.Input) error {
	if s.con == nil {
		return errclass.ErrConnectionTimeout.WithMessage("console not connected")
	}
	if err := s.con.SendInput(ctx, in); err != nil {
		return err
	}
	switch in.Kind {
	case console.InputChord:
		s.record(model.TrailInput, in.String(), map[string]any{"keys": in.Keys})
	default:
		s.record(model.TrailInput, in.String(), nil)
	}
	return nil
}

func (s *Session) press(ctx context.Context, keys ...string) error {
	return s.send(ctx, console.Chord(keys...))
}

func (s *Session) settle(ctx context.Context) error {
	return s.sleep(ctx, s.cfg.SettleDelay)
}

// nextEntry starts an ActionLogEntry with the next sequence number.
func (s *Session) nextEntry(kind model.StepKind, description, input string) model.ActionLogEntry {
	s.seq++
	return model.ActionLogEntry{
		Seq:         s.seq,
		Timestamp:   s.now().UTC(),
		Kind:        kind,
		Description: description,
		Input:       input,
	}
}

// RunStep executes one verification step and returns its log entry.
func (s *Session) RunStep(ctx context.Context, step model.Step) model.ActionLogEntry {
	switch step.Kind {
	case model.StepInstruction:
		return s.InterpretInstruction(ctx, step.Text)
	default:
		return s.RunCommand(ctx, step.Text)
	}
}
