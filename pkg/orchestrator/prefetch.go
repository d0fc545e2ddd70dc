package orchestrator

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPrefetchConcurrency bounds parallel warm-up requests.
const DefaultPrefetchConcurrency = 4

// Prefetch loads several read endpoints in parallel so later calls hit the
// cache, e.g. the resources behind a dashboard. opts is applied to every
// path with the method forced to GET. The returned slice holds one error
// per path (nil on success); a failure does not stop the others.
func (c *Client) Prefetch(ctx context.Context, paths []string, opts Options, concurrency int) []error {
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	opts.Method = http.MethodGet

	start := time.Now()
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = abortedError(context.Cause(ctx))
				return nil
			}
			_, errs[i] = c.Request(ctx, path, opts)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	event := c.logger.Debug()
	if failed > 0 {
		event = c.logger.Warn()
	}
	event.
		Int("paths", len(paths)).
		Int("failed", failed).
		Int("concurrency", concurrency).
		Dur("duration", time.Since(start)).
		Msg("Prefetch complete")

	return errs
}
