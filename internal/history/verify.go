package history

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/snapverify-project/snapverify/internal/report"
)

// VerifyResult is the integrity check of one recorded report.
type VerifyResult struct {
	RunID          string `json:"run_id"`
	ReportPath     string `json:"report_path,omitempty"`
	ChecksumValid  bool   `json:"checksum_valid"`
	ContentMatches bool   `json:"content_matches"`
	TamperDetected bool   `json:"tamper_detected"`
	Severity       string `json:"severity,omitempty"`
	Error          string `json:"error,omitempty"`
}

// OK reports whether the report is present and unmodified.
func (r *VerifyResult) OK() bool {
	return r.ChecksumValid && r.ContentMatches && r.Error == ""
}

// Verify checks a run's report file against the recorded checksum and the
// stored result. Problems are reported in the result; the error is reserved
// for ledger failures.
func (s *Store) Verify(ctx context.Context, idOrPrefix string) (*VerifyResult, error) {
	e, err := s.Get(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	out := &VerifyResult{RunID: e.RunID, ReportPath: e.ReportPath}
	if e.ReportPath == "" {
		out.Error = "no report recorded"
		out.Severity = "error"
		return out, nil
	}

	sum, err := ChecksumFile(e.ReportPath)
	if err != nil {
		out.Error = fmt.Sprintf("read report: %v", err)
		out.Severity = "error"
		if errors.Is(err, os.ErrNotExist) {
			out.TamperDetected = true
			out.Severity = "critical"
		}
		return out, nil
	}
	out.ChecksumValid = sum == e.ReportChecksum
	if !out.ChecksumValid {
		out.TamperDetected = true
		out.Severity = "critical"
		out.Error = "report checksum mismatch"
	}

	stored, err := s.Result(ctx, e.RunID)
	if err != nil {
		return nil, err
	}
	onDisk, err := report.Load(e.ReportPath)
	if err != nil {
		out.TamperDetected = true
		out.Severity = "critical"
		out.Error = err.Error()
		return out, nil
	}
	out.ContentMatches = onDisk.RunID == stored.RunID &&
		onDisk.Success == stored.Success &&
		len(onDisk.Actions) == len(stored.Actions) &&
		onDisk.SuccessCount() == stored.SuccessCount() &&
		onDisk.Summary == stored.Summary
	if !out.ContentMatches && out.Error == "" {
		out.TamperDetected = true
		out.Severity = "critical"
		out.Error = "report content differs from recorded result"
	}
	return out, nil
}

// VerifyAll verifies every recorded run, newest first.
func (s *Store) VerifyAll(ctx context.Context) ([]*VerifyResult, error) {
	entries, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]*VerifyResult, 0, len(entries))
	for _, e := range entries {
		r, err := s.Verify(ctx, e.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
