package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/pkg/errclass"
)

// BrowserDialer opens the noVNC viewer page in Chrome and drives it.
type BrowserDialer struct {
	Headless     bool
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	InputDelay   time.Duration
	Log          logr.Logger
}

// Dial launches a browser, loads the viewer and waits for the canvas.
func (d *BrowserDialer) Dial(ctx context.Context, consoleURL string) (Console, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.Headless),
	)
	if d.WindowWidth > 0 && d.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(d.WindowWidth, d.WindowHeight))
	}
	if d.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		d.Log.V(2).Info(fmt.Sprintf(format, args...))
	}))

	c := &BrowserConsole{
		tab:        tab,
		cancel:     func() { tabCancel(); allocCancel() },
		inputDelay: d.InputDelay,
		log:        d.Log,
	}

	// The first Run on tab starts Chrome and binds its lifetime to the
	// context it is given, so it must be the long-lived tab context itself.
	stop := context.AfterFunc(ctx, c.cancel)
	err := chromedp.Run(tab)
	stop()
	if err != nil {
		c.cancel()
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("start browser: %w", err))
	}

	err = c.run(ctx,
		chromedp.Navigate(consoleURL),
		chromedp.WaitVisible("canvas", chromedp.ByQuery),
	)
	if err != nil {
		c.cancel()
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("console page did not render: %w", err))
	}
	d.Log.V(1).Info("console page loaded", "headless", d.Headless)
	return c, nil
}

// BrowserConsole operates a noVNC page in a browser tab.
type BrowserConsole struct {
	tab        context.Context
	cancel     func()
	inputDelay time.Duration
	log        logr.Logger
}

// run executes actions on the tab, bounded by ctx. The browser is already
// running, so canceling the per-call context only aborts these actions.
func (c *BrowserConsole) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tab)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Screenshot captures the viewer canvas.
func (c *BrowserConsole) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.Screenshot("canvas", &buf, chromedp.ByQuery)); err != nil {
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("capture canvas: %w", err))
	}
	return buf, nil
}

// SendInput types text, presses chords or clicks the canvas.
func (c *BrowserConsole) SendInput(ctx context.Context, in Input) error {
	var err error
	switch in.Kind {
	case InputText:
		for _, r := range in.Text {
			if err = c.run(ctx, chromedp.KeyEvent(string(r))); err != nil {
				break
			}
			if err = pause(ctx, c.inputDelay); err != nil {
				return err
			}
		}
	case InputChord:
		err = c.chord(ctx, in.Keys)
	case InputClick:
		err = c.click(ctx, in.X, in.Y)
	default:
		return fmt.Errorf("unsupported input kind %d", in.Kind)
	}
	if err != nil {
		return errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("send %s: %w", in, err))
	}
	return nil
}

func (c *BrowserConsole) chord(ctx context.Context, keys []string) error {
	if isCtrlAltDel(keys) {
		var clicked bool
		err := c.run(ctx, chromedp.Evaluate(
			`(b => b ? (b.click(), true) : false)(document.getElementById('noVNC_cad_button'))`, &clicked))
		if err == nil && clicked {
			return nil
		}
	}
	events, err := chordEvents(keys)
	if err != nil {
		return err
	}
	actions := make([]chromedp.Action, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev)
	}
	return c.run(ctx, actions...)
}

func (c *BrowserConsole) click(ctx context.Context, x, y int) error {
	var origin []float64
	err := c.run(ctx, chromedp.Evaluate(
		`(() => { const r = document.querySelector('canvas').getBoundingClientRect(); return [r.left, r.top]; })()`,
		&origin))
	if err != nil {
		return err
	}
	if len(origin) != 2 {
		return fmt.Errorf("canvas position unavailable")
	}
	return c.run(ctx, chromedp.MouseClickXY(origin[0]+float64(x), origin[1]+float64(y)))
}

// Close shuts the browser down.
func (c *BrowserConsole) Close() error {
	c.cancel()
	return nil
}

func isCtrlAltDel(keys []string) bool {
	if len(keys) != 3 {
		return false
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[strings.ToLower(k)] = true
	}
	return (seen["ctrl"] || seen["control"]) && seen["alt"] && (seen["delete"] || seen["del"])
}

type browserKey struct {
	key, code string
	vk        int64
	modifier  input.Modifier
}

var browserModifiers = map[string]browserKey{
	"shift":   {key: "Shift", code: "ShiftLeft", vk: 16, modifier: input.ModifierShift},
	"ctrl":    {key: "Control", code: "ControlLeft", vk: 17, modifier: input.ModifierCtrl},
	"control": {key: "Control", code: "ControlLeft", vk: 17, modifier: input.ModifierCtrl},
	"alt":     {key: "Alt", code: "AltLeft", vk: 18, modifier: input.ModifierAlt},
	"win":     {key: "Meta", code: "MetaLeft", vk: 91, modifier: input.ModifierMeta},
	"super":   {key: "Meta", code: "MetaLeft", vk: 91, modifier: input.ModifierMeta},
	"meta":    {key: "Meta", code: "MetaLeft", vk: 91, modifier: input.ModifierMeta},
}

var browserNamed = map[string]string{
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"tab":       kb.Tab,
	"esc":       kb.Escape,
	"escape":    kb.Escape,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"del":       kb.Delete,
	"insert":    kb.Insert,
	"home":      kb.Home,
	"end":       kb.End,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"left":      kb.ArrowLeft,
	"up":        kb.ArrowUp,
	"right":     kb.ArrowRight,
	"down":      kb.ArrowDown,
	"space":     " ",
	"f1":        kb.F1,
	"f2":        kb.F2,
	"f3":        kb.F3,
	"f4":        kb.F4,
	"f5":        kb.F5,
	"f6":        kb.F6,
	"f7":        kb.F7,
	"f8":        kb.F8,
	"f9":        kb.F9,
	"f10":       kb.F10,
	"f11":       kb.F11,
	"f12":       kb.F12,
}

func resolveBrowserKey(name string) (browserKey, error) {
	lower := strings.ToLower(name)
	if m, ok := browserModifiers[lower]; ok {
		return m, nil
	}
	s, ok := browserNamed[lower]
	if !ok {
		if len([]rune(name)) != 1 {
			return browserKey{}, fmt.Errorf("unknown key %q", name)
		}
		s = strings.ToLower(name)
	}
	r := []rune(s)[0]
	k, ok := kb.Keys[r]
	if !ok {
		return browserKey{}, fmt.Errorf("no browser key for %q", name)
	}
	return browserKey{key: k.Key, code: k.Code, vk: k.Windows}, nil
}

// chordEvents builds the keyDown sequence in order followed by keyUps in
// reverse, with the modifier mask accumulated as modifiers go down.
func chordEvents(keys []string) ([]*input.DispatchKeyEventParams, error) {
	resolved := make([]browserKey, 0, len(keys))
	for _, k := range keys {
		bk, err := resolveBrowserKey(k)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, bk)
	}

	var mods input.Modifier
	events := make([]*input.DispatchKeyEventParams, 0, 2*len(resolved))
	for _, k := range resolved {
		mods |= k.modifier
		events = append(events, input.DispatchKeyEvent(input.KeyRawDown).
			WithKey(k.key).WithCode(k.code).
			WithWindowsVirtualKeyCode(k.vk).WithNativeVirtualKeyCode(k.vk).
			WithModifiers(mods))
	}
	for i := len(resolved) - 1; i >= 0; i-- {
		k := resolved[i]
		mods &^= k.modifier
		events = append(events, input.DispatchKeyEvent(input.KeyUp).
			WithKey(k.key).WithCode(k.code).
			WithWindowsVirtualKeyCode(k.vk).WithNativeVirtualKeyCode(k.vk).
			WithModifiers(mods))
	}
	return events, nil
}
