package workload

import (
	"context"
	"errors"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/alitto/pond"
)

// issueFunc performs one request and reports how many bytes it moved.
type issueFunc func(ctx context.Context) (int64, error)

var errSaturated = errors.New("request dropped: all workers busy")

// runPattern drives issue() according to the client's request pattern until
// the duration elapses. No new requests are issued past the boundary;
// in-flight requests drain until they finish or ctx is cancelled, whichever
// comes first.
func runPattern(ctx context.Context, cl *recipe.Client, d time.Duration, issue issueFunc) *recorder {
	rec := &recorder{}
	deadline := time.Now().Add(d)
	if cl.Rate > 0 {
		runOpenLoop(ctx, cl, deadline, issue, rec)
	} else {
		runClosedLoop(ctx, cl, deadline, issue, rec)
	}
	return rec
}

// Fixed concurrency: N workers each issue requests back to back.
func runClosedLoop(ctx context.Context, cl *recipe.Client, deadline time.Time, issue issueFunc, rec *recorder) {
	n := cl.Concurrency
	if n <= 0 {
		n = 1
	}
	pool := pond.New(n, 0, pond.MinWorkers(n))
	for i := 0; i < n; i++ {
		pool.Submit(func() {
			for time.Now().Before(deadline) && ctx.Err() == nil {
				t0 := time.Now()
				bytes, err := issue(ctx)
				rec.observe(time.Since(t0), bytes, err)
			}
		})
	}
	pool.StopAndWait()
}

// Fixed request rate: requests are issued on a timer regardless of how fast
// they complete. A bounded worker set keeps an overloaded target from
// accumulating unbounded in-flight work; dropped submissions count as failed.
func runOpenLoop(ctx context.Context, cl *recipe.Client, deadline time.Time, issue issueFunc, rec *recorder) {
	maxInflight := cl.Concurrency
	if maxInflight <= 0 {
		maxInflight = 64
	}
	pool := pond.New(maxInflight, maxInflight)

	interval := time.Duration(float64(time.Second) / cl.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			if time.Now().After(deadline) {
				break
			}
			ok := pool.TrySubmit(func() {
				t0 := time.Now()
				bytes, err := issue(ctx)
				rec.observe(time.Since(t0), bytes, err)
			})
			if !ok {
				rec.observe(0, 0, errSaturated)
			}
		}
	}
	pool.StopAndWait()
}
