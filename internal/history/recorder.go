package history

import (
	"context"

	"github.com/snapverify-project/snapverify/pkg/model"
)

// Reporter writes the report artifacts of a run.
type Reporter interface {
	Report(ctx context.Context, res *model.VerificationResult) ([]string, error)
}

type recordingReporter struct {
	next  Reporter
	store *Store
}

// Recording wraps next so every written report is also recorded in the
// ledger. A ledger failure is logged and does not fail the report.
func (s *Store) Recording(next Reporter) Reporter {
	return &recordingReporter{next: next, store: s}
}

func (r *recordingReporter) Report(ctx context.Context, res *model.VerificationResult) ([]string, error) {
	paths, err := r.next.Report(ctx, res)
	if err != nil {
		return paths, err
	}
	if rerr := r.store.Record(context.WithoutCancel(ctx), res, paths); rerr != nil {
		r.store.log.Error(rerr, "run not recorded in history", "run", res.RunID)
	}
	return paths, nil
}
