// Package console drives a restored VM's graphical console. Two drivers are
// provided: a native RFB client tunnelled over WebSocket, and a headless
// browser that operates the noVNC viewer page.
package console

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
)

// Console is a live connection to a VM display.
type Console interface {
	// Screenshot renders the current display as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// SendInput delivers keyboard or pointer input.
	SendInput(ctx context.Context, in Input) error
	Close() error
}

// Dialer opens consoles from console URLs.
type Dialer interface {
	Dial(ctx context.Context, consoleURL string) (Console, error)
}

// InputKind selects how an Input is delivered.
type InputKind int

const (
	InputText InputKind = iota
	InputChord
	InputClick
)

// Input is one unit of console input.
type Input struct {
	Kind InputKind
	Text string
	Keys []string
	X, Y int
}

// Text types s character by character.
func Text(s string) Input { return Input{Kind: InputText, Text: s} }

// Chord presses keys together and releases them in reverse order.
func Chord(keys ...string) Input { return Input{Kind: InputChord, Keys: keys} }

// Click presses and releases the primary pointer button at x, y.
func Click(x, y int) Input { return Input{Kind: InputClick, X: x, Y: y} }

func (in Input) String() string {
	switch in.Kind {
	case InputText:
		return fmt.Sprintf("text(%d chars)", len([]rune(in.Text)))
	case InputChord:
		return "keys(" + strings.Join(in.Keys, "+") + ")"
	case InputClick:
		return fmt.Sprintf("click(%d,%d)", in.X, in.Y)
	}
	return "input(?)"
}

// Target is what a console URL points at.
type Target struct {
	ViewerURL    string
	VMID         string
	WebSocketURL string
	Password     string
}

// ParseURL extracts the WebSocket endpoint and password from a viewer URL.
// A bare ws:// or wss:// URL is accepted as-is.
func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, errclass.ErrAPI.WithMessagef("invalid console URL: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return Target{ViewerURL: raw, WebSocketURL: raw, Password: u.Query().Get("password")}, nil
	}
	q := u.Query()
	t := Target{
		ViewerURL:    raw,
		VMID:         q.Get("id"),
		WebSocketURL: q.Get("ws"),
		Password:     q.Get("password"),
	}
	if t.WebSocketURL == "" {
		return Target{}, errclass.ErrAPI.WithMessage("console URL has no ws parameter")
	}
	return t, nil
}

// NewDialer returns the driver selected by cfg.Driver.
func NewDialer(cfg config.ConsoleConfig, inputDelay time.Duration, log logr.Logger) (Dialer, error) {
	switch cfg.Driver {
	case "", "rfb":
		return &RFBDialer{InputDelay: inputDelay, Log: log.WithName("rfb")}, nil
	case "browser":
		return &BrowserDialer{
			Headless:     cfg.Headless,
			ExecPath:     cfg.BrowserPath,
			WindowWidth:  cfg.WindowWidth,
			WindowHeight: cfg.WindowHeight,
			InputDelay:   inputDelay,
			Log:          log.WithName("browser"),
		}, nil
	}
	return nil, errclass.ErrConfigInvalid.WithMessagef("unknown console driver %q", cfg.Driver)
}
