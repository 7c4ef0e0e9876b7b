// Package report writes verification results as a machine-readable JSON file
// and a self-contained HTML page, and renders the quick text summary.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/fsutil"
	"github.com/snapverify-project/snapverify/pkg/model"
	"github.com/snapverify-project/snapverify/pkg/pathutil"
)

const filePrefix = "verification_report_"

// Generator writes report files into Dir.
type Generator struct {
	Dir  string
	HTML bool
	Log  logr.Logger
}

// NewGenerator returns a generator writing JSON and, when html is set, HTML reports.
func NewGenerator(dir string, html bool, log logr.Logger) *Generator {
	return &Generator{Dir: dir, HTML: html, Log: log}
}

// BaseName is the report file name without extension:
// verification_report_<YYYYmmdd_HHMMSS>_<agent>.
func BaseName(res *model.VerificationResult) string {
	name := filePrefix + res.StartedAt.UTC().Format("20060102_150405")
	if res.Agent.ID != "" {
		name += "_" + pathutil.SanitizeLabel(res.Agent.ID)
	}
	return name
}

// Report writes the result and returns the paths written, JSON first.
func (g *Generator) Report(_ context.Context, res *model.VerificationResult) ([]string, error) {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return nil, errclass.ErrReportWrite.Wrap(err)
	}
	base := filepath.Join(g.Dir, BaseName(res))

	data, err := Marshal(res)
	if err != nil {
		return nil, errclass.ErrReportWrite.Wrap(err)
	}
	jsonPath := base + ".json"
	if err := fsutil.AtomicWrite(jsonPath, data, 0o644); err != nil {
		return nil, errclass.ErrReportWrite.Wrap(fmt.Errorf("write %s: %w", jsonPath, err))
	}
	paths := []string{jsonPath}
	g.Log.Info("json report written", "path", jsonPath)

	if !g.HTML {
		return paths, nil
	}
	page, err := RenderHTML(res, g.Log)
	if err != nil {
		return paths, errclass.ErrReportWrite.Wrap(err)
	}
	htmlPath := base + ".html"
	if err := fsutil.AtomicWrite(htmlPath, page, 0o644); err != nil {
		return paths, errclass.ErrReportWrite.Wrap(fmt.Errorf("write %s: %w", htmlPath, err))
	}
	g.Log.Info("html report written", "path", htmlPath)
	return append(paths, htmlPath), nil
}

// Marshal encodes a result as indented JSON with UTC timestamps.
func Marshal(res *model.VerificationResult) ([]byte, error) {
	out := normalize(res)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a JSON report.
func Unmarshal(data []byte) (*model.VerificationResult, error) {
	var res model.VerificationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if res.Actions == nil {
		res.Actions = []model.ActionLogEntry{}
	}
	return &res, nil
}

// Load reads a JSON report from disk.
func Load(path string) (*model.VerificationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// normalize returns a copy with every timestamp in UTC.
func normalize(res *model.VerificationResult) *model.VerificationResult {
	out := *res
	out.StartedAt = res.StartedAt.UTC()
	out.EndedAt = res.EndedAt.UTC()
	if res.SnapshotAt != nil {
		at := res.SnapshotAt.UTC()
		out.SnapshotAt = &at
	}
	out.Actions = make([]model.ActionLogEntry, len(res.Actions))
	for i, a := range res.Actions {
		a.Timestamp = a.Timestamp.UTC()
		out.Actions[i] = a
	}
	if len(res.Timeline) > 0 {
		out.Timeline = make([]model.Transition, len(res.Timeline))
		for i, tr := range res.Timeline {
			tr.At = tr.At.UTC()
			out.Timeline[i] = tr
		}
	}
	return &out
}

// QuickSummary renders the console summary printed after a run.
func QuickSummary(res *model.VerificationResult) string {
	total := len(res.Actions)
	ok := res.SuccessCount()
	rate := 0.0
	if total > 0 {
		rate = float64(ok) / float64(total) * 100
	}

	var b strings.Builder
	b.WriteString("Verification Complete\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	if res.Agent.ID != "" {
		fmt.Fprintf(&b, "Agent: %s\n", res.Agent.DisplayName())
	}
	if res.SnapshotID != "" {
		fmt.Fprintf(&b, "Snapshot: %s\n", res.SnapshotID)
	}
	fmt.Fprintf(&b, "Total Steps: %d\n", total)
	fmt.Fprintf(&b, "Successful: %d\n", ok)
	fmt.Fprintf(&b, "Failed: %d\n", total-ok)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", rate)
	if d := res.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(1e9))
	}
	if res.FailureCode != "" {
		fmt.Fprintf(&b, "Aborted: %s %s\n", res.FailureCode, res.FailureReason)
	}
	if total > 0 {
		b.WriteString("\nStep Results:\n")
		for _, a := range res.Actions {
			status := "[OK]"
			if !a.Success {
				status = "[FAIL]"
			}
			fmt.Fprintf(&b, "  %s Step %d: %s\n", status, a.Seq, stepLabel(a))
		}
	}
	return b.String()
}

func stepLabel(a model.ActionLogEntry) string {
	label := a.Description
	if a.Input != "" {
		label += " (" + a.Input + ")"
	}
	if !a.Success && a.Detail != "" {
		label += ": " + a.Detail
	}
	return label
}
