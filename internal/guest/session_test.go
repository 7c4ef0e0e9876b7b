package guest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/console"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

type fakeConsole struct {
	mu     sync.Mutex
	inputs []console.Input
	frame  []byte
	closed bool
}

func (f *fakeConsole) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, nil
}

func (f *fakeConsole) SendInput(ctx context.Context, in console.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return nil
}

func (f *fakeConsole) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConsole) sent() []console.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]console.Input(nil), f.inputs...)
}

type fakeDialer struct {
	con *fakeConsole
	err error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (console.Console, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.con, nil
}

type mockAdvisor struct{ mock.Mock }

func (m *mockAdvisor) Inspect(ctx context.Context, shot advisor.Image, expectation string) (advisor.Verdict, error) {
	args := m.Called(expectation)
	return args.Get(0).(advisor.Verdict), args.Error(1)
}

func (m *mockAdvisor) DetectLoginFields(ctx context.Context, shot advisor.Image) (advisor.LoginFields, error) {
	args := m.Called()
	return args.Get(0).(advisor.LoginFields), args.Error(1)
}

func (m *mockAdvisor) CheckCommand(ctx context.Context, shot advisor.Image, command string) (advisor.CommandVerdict, error) {
	args := m.Called(command)
	return args.Get(0).(advisor.CommandVerdict), args.Error(1)
}

func (m *mockAdvisor) PlanFromInstruction(ctx context.Context, instruction string, shot advisor.Image) (model.ActionPlan, error) {
	args := m.Called(instruction)
	return args.Get(0).(model.ActionPlan), args.Error(1)
}

// fakeClock advances only when the session sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	s     *Session
	con   *fakeConsole
	clock *fakeClock
	dir   string
}

func newHarness(t *testing.T, adv Advisor, mutate func(*config.GuestConfig)) *harness {
	t.Helper()
	cfg := config.Default().Guest
	cfg.DisableScreenLock = false
	if mutate != nil {
		mutate(&cfg)
	}
	dir := t.TempDir()
	trail, err := audit.Open(filepath.Join(dir, "trails"), "run-test")
	require.NoError(t, err)

	con := &fakeConsole{frame: []byte("\x89PNG-fake")}
	s := New(&fakeDialer{con: con}, adv, Options{
		Guest:          cfg,
		ConnectTimeout: time.Second,
		ScreenshotDir:  filepath.Join(dir, "shots"),
		Trail:          trail,
		Log:            logr.Discard(),
	})
	clock := &fakeClock{now: time.Date(2025, 12, 4, 10, 30, 0, 0, time.UTC)}
	s.now = clock.Now
	s.sleep = clock.Sleep
	require.NoError(t, s.Connect(context.Background(), "https://viewer.example/?ws=ws://x"))
	return &harness{s: s, con: con, clock: clock, dir: dir}
}

func TestConnect_DialFailureIsConnectionTimeout(t *testing.T) {
	s := New(&fakeDialer{err: errors.New("connection refused")}, nil, Options{Log: logr.Discard(), ConnectTimeout: time.Second})
	err := s.Connect(context.Background(), "https://viewer.example/?ws=ws://x")
	assert.ErrorIs(t, err, errclass.ErrConnectionTimeout)
}

func TestConnect_NeverRendersTimesOut(t *testing.T) {
	con := &fakeConsole{}
	s := New(&fakeDialer{con: con}, nil, Options{Log: logr.Discard(), ConnectTimeout: 30 * time.Millisecond})
	err := s.Connect(context.Background(), "https://viewer.example/?ws=ws://x")
	assert.ErrorIs(t, err, errclass.ErrConnectionTimeout)
	assert.True(t, con.closed)
}

func TestCaptureScreenshot_NamesAreTimestampedAndUnique(t *testing.T) {
	h := newHarness(t, nil, nil)

	a, err := h.s.CaptureScreenshot(context.Background(), "Desktop Ready")
	require.NoError(t, err)
	b, err := h.s.CaptureScreenshot(context.Background(), "Desktop Ready")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^20251204_103000\.000_desktop_ready\.png$`), filepath.Base(a.Path))
	assert.Equal(t, "20251204_103000.000_desktop_ready_2.png", filepath.Base(b.Path))
	assert.FileExists(t, a.Path)
	assert.Equal(t, []string{a.Path, b.Path}, h.s.Screenshots())
}

func TestRunCommand_NoAdvisorIsUnverified(t *testing.T) {
	h := newHarness(t, nil, nil)

	entry := h.s.RunCommand(context.Background(), "Get-Service")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Seq)
	assert.Equal(t, model.StepCommand, entry.Kind)
	assert.Equal(t, "Get-Service", entry.Input)
	assert.Contains(t, entry.Detail, "unverified")
	assert.FileExists(t, entry.Screenshot)

	assert.Equal(t, []console.Input{
		console.Chord("Win", "r"),
		console.Text("powershell.exe"),
		console.Chord("Enter"),
		console.Text("Get-Service"),
		console.Chord("Enter"),
		console.Chord("Alt", "F4"),
	}, h.con.sent())
}

func TestRunCommand_Timeout(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("CheckCommand", "Get-Uptime").Return(advisor.CommandVerdict{Finished: false}, nil)
	h := newHarness(t, adv, func(c *config.GuestConfig) {
		c.CommandTimeout = 10 * time.Second
		c.CommandPoll = 3 * time.Second
	})

	entry := h.s.RunCommand(context.Background(), "Get-Uptime")
	assert.False(t, entry.Success)
	assert.Equal(t, "E_COMMAND_TIMEOUT", entry.ErrorCode)
	assert.NotEmpty(t, entry.Screenshot)
	// Closed even after a timeout.
	sent := h.con.sent()
	assert.Equal(t, console.Chord("Alt", "F4"), sent[len(sent)-1])
}

func TestRunCommand_ErrorOutput(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("CheckCommand", "Get-Service nope").
		Return(advisor.CommandVerdict{Finished: true, Failed: true, Description: "Cannot find any service"}, nil)
	h := newHarness(t, adv, nil)

	entry := h.s.RunCommand(context.Background(), "Get-Service nope")
	assert.False(t, entry.Success)
	assert.Equal(t, "E_COMMAND_FAILED", entry.ErrorCode)
	assert.Equal(t, "Cannot find any service", entry.Detail)
}

func TestRunCommand_AdvisorDownStillSucceedsUnverified(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("CheckCommand", "hostname").Return(advisor.CommandVerdict{}, errclass.ErrAIUnavailable.WithMessage("down"))
	h := newHarness(t, adv, nil)

	entry := h.s.RunCommand(context.Background(), "hostname")
	assert.True(t, entry.Success)
	assert.Contains(t, entry.Detail, "unverified")
}

func TestInterpretInstruction_ExecutesPlan(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("PlanFromInstruction", "open notepad").Return(model.ActionPlan{
		Instruction: "open notepad",
		Actions: []model.PlannedAction{
			{Kind: model.ActionKeys, Value: "Win+R"},
			{Kind: model.ActionType, Value: "notepad"},
			{Kind: model.ActionKeys, Value: "Enter"},
			{Kind: model.ActionWait, Value: "2"},
		},
	}, nil)
	h := newHarness(t, adv, nil)
	start := h.clock.Now()

	entry := h.s.InterpretInstruction(context.Background(), "open notepad")
	require.True(t, entry.Success, entry.Detail)
	assert.Equal(t, model.StepInstruction, entry.Kind)
	assert.NotEmpty(t, entry.Screenshot)
	assert.Equal(t, []console.Input{
		console.Chord("Win", "R"),
		console.Text("notepad"),
		console.Chord("Enter"),
	}, h.con.sent())
	assert.True(t, h.clock.Now().Sub(start) >= 2*time.Second)
	adv.AssertExpectations(t)
}

func TestInterpretInstruction_UnusablePlanIsFailedEntry(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("PlanFromInstruction", "do the thing").
		Return(model.ActionPlan{Instruction: "do the thing"}, errclass.ErrPlanUnusable.WithMessage("no actions"))
	h := newHarness(t, adv, nil)

	entry := h.s.InterpretInstruction(context.Background(), "do the thing")
	assert.False(t, entry.Success)
	assert.Equal(t, "E_PLAN_UNUSABLE", entry.ErrorCode)
	assert.Empty(t, h.con.sent())
}

func TestInterpretInstruction_NoAdvisor(t *testing.T) {
	h := newHarness(t, nil, nil)
	entry := h.s.InterpretInstruction(context.Background(), "check disk space")
	assert.False(t, entry.Success)
	assert.Equal(t, "E_AI_UNAVAILABLE", entry.ErrorCode)
}

func TestExecutePlan_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	out := h.s.ExecutePlan(context.Background(), model.ActionPlan{Actions: []model.PlannedAction{
		{Kind: model.ActionKeys, Value: "Hyper+Q"},
		{Kind: model.ActionType, Value: "never typed"},
	}})
	assert.False(t, out.Success)
	assert.Equal(t, "E_PLAN_UNUSABLE", out.Code)
	assert.Contains(t, out.Detail, "action 1/2 keys")
	assert.Empty(t, h.con.sent())
}

func TestRunStep_SequenceNumbers(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.s.RunStep(context.Background(), model.CommandStep("Get-Service"))
	b := h.s.RunStep(context.Background(), model.CommandStep("Get-Uptime"))
	assert.Equal(t, 1, a.Seq)
	assert.Equal(t, 2, b.Seq)
}

func TestParseWait(t *testing.T) {
	d, err := parseWait("2")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = parseWait("1.5s")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseWait("10m")
	require.NoError(t, err)
	assert.Equal(t, maxPlanWait, d)

	_, err = parseWait("soon")
	assert.Error(t, err)
}

func TestTrailRecordsActions(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.s.RunCommand(context.Background(), "hostname")

	records, err := audit.ReadAll(h.s.trail.Path())
	require.NoError(t, err)
	var kinds []model.TrailEventType
	for _, r := range records {
		kinds = append(kinds, r.EventType)
	}
	assert.Contains(t, kinds, model.TrailConnect)
	assert.Contains(t, kinds, model.TrailInput)
	assert.Contains(t, kinds, model.TrailScreenshot)
	assert.Equal(t, model.TrailCommand, kinds[len(kinds)-1])

	_, err = os.Stat(h.s.trail.Path())
	require.NoError(t, err)
	n, err := audit.Verify(h.s.trail.Path())
	require.NoError(t, err)
	assert.Equal(t, len(records), n)
}
