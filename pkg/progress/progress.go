// Package progress renders pipeline progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Callback receives progress updates. op identifies the run (usually the
// agent), current/total the stage position and message the stage name.
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Terminal redraws a single progress bar in place. It suits one run at a time.
type Terminal struct {
	mu          sync.Mutex
	writer      io.Writer
	lastLineLen int
	enabled     bool
}

// NewTerminal creates a progress bar writing to stderr.
func NewTerminal(enabled bool) *Terminal {
	return &Terminal{writer: os.Stderr, enabled: enabled}
}

// SetWriter redirects output.
func (t *Terminal) SetWriter(w io.Writer) {
	t.mu.Lock()
	t.writer = w
	t.mu.Unlock()
}

// Callback returns a Callback bound to this terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.enabled {
			return
		}
		t.render(op, current, total, message)
	}
}

func (t *Terminal) render(op string, current, total int, message string) {
	if total <= 0 {
		total = 1
	}
	if current > total {
		current = total
	}
	percentage := float64(current) / float64(total) * 100

	barWidth := 30
	filled := barWidth * current / total
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	clear := "\r"
	if t.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	}

	line := fmt.Sprintf("%s [%s] %d/%d (%.0f%%)", op, bar, current, total, percentage)
	if message != "" {
		line += " " + message
	}

	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen = len(line)
}

// Done terminates the bar with a newline.
func (t *Terminal) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.lastLineLen == 0 {
		return
	}
	fmt.Fprintln(t.writer)
	t.lastLineLen = 0
}

// Lines prints one line per update. It is safe for concurrent runs.
type Lines struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLines creates a line printer for w.
func NewLines(w io.Writer) *Lines {
	return &Lines{writer: w}
}

// Callback returns a Callback bound to this printer.
func (l *Lines) Callback() Callback {
	return func(op string, current, total int, message string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		fmt.Fprintf(l.writer, "[%s %d/%d] %s\n", op, current, total, message)
	}
}
