// Package doctor checks that snapverify can run: configuration, output
// directories, service reachability, orphaned restore VMs and, in strict
// mode, the integrity of recorded trails and reports.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/internal/audit"
	"github.com/snapverify-project/snapverify/internal/history"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/fsutil"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	VMID        string `json:"vm_id,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// Backup is the part of the backup client the doctor uses.
type Backup interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	ListVMs(ctx context.Context) ([]model.RestoreVM, error)
	DestroyVM(ctx context.Context, vmID string) error
}

// Pinger checks an endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Doctor performs environment checks.
type Doctor struct {
	cfg     *config.Config
	backup  Backup
	advisor Pinger
	log     logr.Logger
}

// NewDoctor creates a doctor. backup and advisor may be nil when their
// credentials are missing; the configuration check reports that.
func NewDoctor(cfg *config.Config, backup Backup, advisor Pinger, log logr.Logger) *Doctor {
	return &Doctor{cfg: cfg, backup: backup, advisor: advisor, log: log}
}

// Check runs all diagnostic checks. Strict also verifies every recorded
// action trail and report.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkConfig(result)
	d.checkDirectories(result)
	d.checkOrphanTmp(result)
	d.checkBackup(ctx, result)
	d.checkAdvisor(ctx, result)
	d.checkConsole(result)

	if strict {
		d.checkTrails(result)
		d.checkHistory(ctx, result)
	}
	return result, nil
}

func (d *Doctor) checkConfig(result *Result) {
	cfg := *d.cfg
	if cfg.Guest.Password == "" {
		// The password may still come from a flag or prompt at run time.
		cfg.Guest.Password = "-"
		result.add(Finding{
			Category:    "config",
			Description: "no guest password configured; pass --password or --password-prompt to run",
			Severity:    "info",
		})
	}
	if err := cfg.Validate(); err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    "critical",
		})
	}
}

func (d *Doctor) checkDirectories(result *Result) {
	dirs := []struct{ name, path string }{
		{"report", d.cfg.Output.ReportDir},
		{"screenshot", d.cfg.Output.ScreenshotDir},
		{"trail", d.cfg.Output.TrailDir},
	}
	for _, dir := range dirs {
		if dir.path == "" {
			continue
		}
		if err := writable(dir.path); err != nil {
			result.add(Finding{
				Category:    "output",
				Description: fmt.Sprintf("%s directory not writable: %v", dir.name, err),
				Severity:    "error",
				Path:        dir.path,
			})
		}
	}
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".snapverify-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	for _, dir := range []string{d.cfg.Output.ReportDir, d.cfg.Output.ScreenshotDir} {
		if dir == "" {
			continue
		}
		temps, err := fsutil.LeftoverTemps(dir)
		if err != nil {
			continue
		}
		for _, path := range temps {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", filepath.Base(path)),
				Severity:    "info",
				Path:        path,
			})
		}
	}
}

func (d *Doctor) checkBackup(ctx context.Context, result *Result) {
	if d.backup == nil {
		return
	}
	agents, err := d.backup.ListAgents(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "backup",
			Description: fmt.Sprintf("backup API unreachable: %v", err),
			Severity:    "critical",
		})
		return
	}
	if len(agents) == 0 {
		result.add(Finding{
			Category:    "backup",
			Description: "the API key sees no agents",
			Severity:    "warning",
		})
	}

	vms, err := d.orphanedVMs(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "vm",
			Description: fmt.Sprintf("cannot list restore VMs: %v", err),
			Severity:    "error",
		})
		return
	}
	for _, vm := range vms {
		result.add(Finding{
			Category:    "vm",
			Description: fmt.Sprintf("orphaned restore VM %q (%s) left by an interrupted run", vm.Name, vm.State),
			Severity:    "warning",
			VMID:        vm.ID,
		})
	}
}

// orphanedVMs lists restore VMs whose name carries the configured prefix.
// Every run destroys its VM, so any such VM outlived an interrupted run.
func (d *Doctor) orphanedVMs(ctx context.Context) ([]model.RestoreVM, error) {
	prefix := d.cfg.Backup.VMNamePrefix()
	if prefix == "" || d.backup == nil {
		return nil, nil
	}
	vms, err := d.backup.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.RestoreVM
	for _, vm := range vms {
		if strings.HasPrefix(vm.Name, prefix) {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (d *Doctor) checkAdvisor(ctx context.Context, result *Result) {
	if d.advisor == nil {
		return
	}
	if err := d.advisor.Ping(ctx); err != nil {
		// Runs degrade to unverified steps and the placeholder summary.
		result.add(Finding{
			Category:    "advisor",
			Description: fmt.Sprintf("AI endpoint unavailable: %v", err),
			Severity:    "warning",
		})
	}
}

func (d *Doctor) checkConsole(result *Result) {
	c := d.cfg.Console
	if c.Driver != "browser" || c.BrowserPath == "" {
		return
	}
	if _, err := os.Stat(c.BrowserPath); err != nil {
		result.add(Finding{
			Category:    "console",
			Description: fmt.Sprintf("browser not found: %v", err),
			Severity:    "error",
			Path:        c.BrowserPath,
		})
	}
}

func (d *Doctor) checkTrails(result *Result) {
	dir := d.cfg.Output.TrailDir
	if dir == "" {
		return
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return
	}
	for _, path := range paths {
		if _, err := audit.Verify(path); err != nil {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("action trail %s: %v", filepath.Base(path), err),
				Severity:    "critical",
				Path:        path,
			})
		}
	}
}

func (d *Doctor) checkHistory(ctx context.Context, result *Result) {
	path := d.cfg.Output.HistoryDB
	if path == "" {
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	store, err := history.Open(ctx, path, d.log)
	if err != nil {
		result.add(Finding{
			Category:    "history",
			Description: fmt.Sprintf("cannot open history: %v", err),
			Severity:    "error",
			Path:        path,
		})
		return
	}
	defer store.Close()

	results, err := store.VerifyAll(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("verification failed: %v", err),
			Severity:    "error",
		})
		return
	}
	for _, r := range results {
		if r.TamperDetected {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("run %s: %s", r.RunID, r.Error),
				Severity:    "critical",
				Path:        r.ReportPath,
			})
		}
	}
}
