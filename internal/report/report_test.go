package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

func sampleResult() *model.VerificationResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapAt := start.Add(-2 * time.Hour)
	return &model.VerificationResult{
		RunID:      "run-1",
		Agent:      model.Agent{ID: "srv1", Name: "File Server", Hostname: "FS01"},
		SnapshotID: "T2",
		SnapshotAt: &snapAt,
		VMID:       "vm-1",
		Actions: []model.ActionLogEntry{
			{Seq: 1, Timestamp: start.Add(time.Minute), Kind: model.StepCommand, Description: "Run PowerShell command", Input: "Get-Service", Success: true, Screenshot: "a.png"},
			{Seq: 2, Timestamp: start.Add(2 * time.Minute), Kind: model.StepCommand, Description: "Run PowerShell command", Input: "Get-Uptime", Success: true},
		},
		Success:    true,
		Summary:    "All checks passed",
		FinalState: model.StateDone,
		Timeline: []model.Transition{
			{State: model.StateInit, At: start},
			{State: model.StateDone, At: start.Add(3 * time.Minute), Note: "ok"},
		},
		StartedAt: start,
		EndedAt:   start.Add(3 * time.Minute),
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	res := sampleResult()

	data, err := Marshal(res)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, res, back)
}

func TestMarshal_RoundTripFailedRun(t *testing.T) {
	res := sampleResult()
	res.Actions = []model.ActionLogEntry{}
	res.Success = false
	res.Summary = "Test summary not available"
	res.FailureCode = errclass.ErrVMBootTimeout.Code
	res.FailureReason = "vm vm-1 not ready after 5m0s"
	res.FinalState = model.StateFailed
	res.SnapshotAt = nil

	data, err := Marshal(res)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, res, back)
}

func TestMarshal_NormalizesToUTC(t *testing.T) {
	res := sampleResult()
	res.StartedAt = res.StartedAt.In(time.FixedZone("CET", 3600))

	data, err := Marshal(res)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"started_at": "2026-03-01T12:00:00Z"`)
	assert.Equal(t, "CET", res.StartedAt.Location().String(), "input is not modified")
}

func TestBaseName(t *testing.T) {
	res := sampleResult()
	assert.Equal(t, "verification_report_20260301_120000_srv1", BaseName(res))

	res.Agent.ID = ""
	assert.Equal(t, "verification_report_20260301_120000", BaseName(res))
}

func TestGenerator_WritesJSONAndHTML(t *testing.T) {
	dir := t.TempDir()
	shot := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(shot, []byte("png-bytes"), 0o644))
	res := sampleResult()
	res.Screenshots = []string{shot, filepath.Join(dir, "missing.png")}

	g := NewGenerator(filepath.Join(dir, "reports"), true, logr.Discard())
	paths, err := g.Report(context.Background(), res)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.True(t, strings.HasSuffix(paths[0], "verification_report_20260301_120000_srv1.json"))
	assert.True(t, strings.HasSuffix(paths[1], ".html"))

	back, err := Load(paths[0])
	require.NoError(t, err)
	assert.Equal(t, res, back)

	page, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, "VERIFIED")
	assert.Contains(t, html, "<p>All checks passed</p>")
	assert.Contains(t, html, "Get-Uptime")
	assert.Contains(t, html, "data:image/png;base64,cG5nLWJ5dGVz")
	assert.Equal(t, 1, strings.Count(html, "<figure>"))
}

func TestGenerator_JSONOnly(t *testing.T) {
	g := NewGenerator(t.TempDir(), false, logr.Discard())

	paths, err := g.Report(context.Background(), sampleResult())

	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestGenerator_UnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := NewGenerator(filepath.Join(blocker, "reports"), false, logr.Discard()).Report(context.Background(), sampleResult())

	assert.ErrorIs(t, err, errclass.ErrReportWrite)
}

func TestRenderHTML_Deterministic(t *testing.T) {
	res := sampleResult()

	a, err := RenderHTML(res, logr.Discard())
	require.NoError(t, err)
	b, err := RenderHTML(res, logr.Discard())
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestRenderHTML_EscapesGuestText(t *testing.T) {
	res := sampleResult()
	res.Actions[0].Detail = `<script>alert(1)</script>`
	res.Success = false
	res.Summary = "**Bad** <b>raw</b>"

	page, err := RenderHTML(res, logr.Discard())
	require.NoError(t, err)

	html := string(page)
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "<strong>Bad</strong>")
	assert.NotContains(t, html, "<b>raw</b>")
	assert.Contains(t, html, "NOT VERIFIED")
}

func TestQuickSummary(t *testing.T) {
	res := sampleResult()
	res.Actions[1].Success = false
	res.Actions[1].Detail = "prompt did not return within 1m0s"

	got := QuickSummary(res)

	assert.Contains(t, got, "Total Steps: 2\n")
	assert.Contains(t, got, "Successful: 1\n")
	assert.Contains(t, got, "Failed: 1\n")
	assert.Contains(t, got, "Success Rate: 50.0%\n")
	assert.Contains(t, got, "Duration: 3m0s\n")
	assert.Contains(t, got, "  [OK] Step 1: Run PowerShell command (Get-Service)\n")
	assert.Contains(t, got, "  [FAIL] Step 2: Run PowerShell command (Get-Uptime): prompt did not return within 1m0s\n")
}

func TestQuickSummary_NoSteps(t *testing.T) {
	res := sampleResult()
	res.Actions = nil
	res.FailureCode = "E_LOGIN_FAILED"
	res.FailureReason = "login failed after 3 attempt(s)"

	got := QuickSummary(res)

	assert.Contains(t, got, "Success Rate: 0.0%")
	assert.Contains(t, got, "Aborted: E_LOGIN_FAILED")
	assert.NotContains(t, got, "Step Results")
}
