package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll runs claims concurrently, at most limit at a time (limit <= 0 means
// no limit). Each claim's stages stay sequential. results[i] and failures[i]
// belong to claims[i]; one failing claim does not stop the others.
func (p *Pipeline) RunAll(ctx context.Context, claims []Claim, limit int) ([]*Result, []error) {
	results := make([]*Result, len(claims))
	failures := make([]error, len(claims))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range claims {
		g.Go(func() error {
			results[i], failures[i] = p.Run(ctx, claims[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, failures
}
