// Package color provides terminal styling for snapverify output.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var state struct {
	once     sync.Once
	enabled  atomic.Bool
	renderer *lipgloss.Renderer
	mu       sync.RWMutex
}

// Init initializes color support from the environment and the --no-color flag.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		r := lipgloss.NewRenderer(os.Stdout)
		disabled := noColorFlag
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			disabled = true
		}
		if os.Getenv("TERM") == "dumb" {
			disabled = true
		}
		if r.ColorProfile() == termenv.Ascii {
			disabled = true
		}
		state.mu.Lock()
		state.renderer = r
		state.mu.Unlock()
		setEnabled(!disabled)
	})
}

func setEnabled(on bool) {
	state.enabled.Store(on)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.renderer == nil {
		state.renderer = lipgloss.NewRenderer(os.Stdout)
	}
	if on {
		state.renderer.SetColorProfile(termenv.ANSI)
	} else {
		state.renderer.SetColorProfile(termenv.Ascii)
	}
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	Init(false)
	setEnabled(false)
}

// Enable turns on color output.
func Enable() {
	Init(false)
	setEnabled(true)
}

func render(s string, style func(lipgloss.Style) lipgloss.Style) string {
	if !Enabled() {
		return s
	}
	state.mu.RLock()
	base := state.renderer.NewStyle()
	state.mu.RUnlock()
	return style(base).Render(s)
}

func fg(c string) func(lipgloss.Style) lipgloss.Style {
	return func(s lipgloss.Style) lipgloss.Style { return s.Foreground(lipgloss.Color(c)) }
}

// Success formats a success message in green.
func Success(s string) string { return render(s, fg("2")) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return render(s, fg("1")) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Error(fmt.Sprintf(format, args...)) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return render(s, fg("3")) }

// Info formats an informational message in cyan.
func Info(s string) string { return render(s, fg("6")) }

// ID formats an agent, snapshot or VM identifier.
func ID(s string) string { return render(s, fg("6")) }

// Header formats a header in bold.
func Header(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Bold(true) })
}

// Dim formats secondary information.
func Dim(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Faint(true) })
}

// Code formats command strings.
func Code(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Bold(true).Faint(true) })
}

// Status renders an [OK] or [FAIL] marker.
func Status(ok bool) string {
	if ok {
		return Success("[OK]")
	}
	return Error("[FAIL]")
}
