package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// RunAll verifies every request with at most concurrency runs in flight.
// Outputs are returned in request order. Runs are independent: one failed
// verification never cancels the others.
func (p *Pipeline) RunAll(ctx context.Context, reqs []Request, concurrency int) []Output {
	if concurrency < 1 {
		concurrency = 1
	}
	outs := make([]Output, len(reqs))
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			defer func() {
				if v := recover(); v != nil {
					outs[i] = p.panicked(req, v)
				}
			}()
			outs[i] = p.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// panicked is the output of a run whose panic escaped Run itself. Run's
// deferred cleanup has already destroyed the VM by the time it is recovered.
func (p *Pipeline) panicked(req Request, v any) Output {
	err := errclass.ErrInternal.WithMessagef("run panicked: %v", v)
	p.deps.Log.Error(err, "verification aborted", "agent", req.AgentID)
	now := p.now().UTC()
	return Output{Result: &model.VerificationResult{
		Agent:         model.Agent{ID: req.AgentID},
		Actions:       []model.ActionLogEntry{},
		FailureCode:   errclass.ErrInternal.Code,
		FailureReason: err.Error(),
		FinalState:    model.StateFailed,
		Summary:       advisor.Placeholder,
		StartedAt:     now,
		EndedAt:       now,
	}}
}

// Succeeded counts successful outputs.
func Succeeded(outs []Output) int {
	n := 0
	for _, o := range outs {
		if o.Result != nil && o.Result.Success {
			n++
		}
	}
	return n
}
