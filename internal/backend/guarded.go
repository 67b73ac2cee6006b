package backend

import (
	"context"
	"io"

	"github.com/skystore/skyproxy/internal/circuit"
	"github.com/skystore/skyproxy/internal/model"
)

// guardedAdapter wraps an Adapter with a per-region circuit breaker, so a
// systematically failing backend stops accepting new fan-out work for a
// cooldown window instead of timing out every request in flight. It never
// changes the outcome of work already dispatched, only whether a new call
// is attempted.
type guardedAdapter struct {
	Adapter
	breaker *circuit.Breaker
}

// Guard wraps adapter with a circuit breaker drawn from manager, keyed by
// the adapter's own region tag.
func Guard(adapter Adapter, manager *circuit.Manager) Adapter {
	return &guardedAdapter{Adapter: adapter, breaker: manager.GetBreaker(adapter.RegionTag())}
}

func (g *guardedAdapter) HeadBucket(ctx context.Context, bucket string) error {
	return g.breaker.Execute(func() error { return g.Adapter.HeadBucket(ctx, bucket) })
}

func (g *guardedAdapter) CreateBucket(ctx context.Context, bucket string) error {
	return g.breaker.Execute(func() error { return g.Adapter.CreateBucket(ctx, bucket) })
}

func (g *guardedAdapter) DeleteBucket(ctx context.Context, bucket string) error {
	return g.breaker.Execute(func() error { return g.Adapter.DeleteBucket(ctx, bucket) })
}

func (g *guardedAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	return g.breaker.Execute(func() error { return g.Adapter.PutBucketVersioning(ctx, bucket, mode) })
}

func (g *guardedAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	var res model.ObjectResult
	err := g.breaker.Execute(func() error {
		var innerErr error
		res, innerErr = g.Adapter.HeadObject(ctx, bucket, key)
		return innerErr
	})
	return res, err
}

func (g *guardedAdapter) GetObject(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, model.ObjectResult, error) {
	var body io.ReadCloser
	var res model.ObjectResult
	err := g.breaker.Execute(func() error {
		var innerErr error
		body, res, innerErr = g.Adapter.GetObject(ctx, bucket, key, rng)
		return innerErr
	})
	return body, res, err
}

// PutObject is deliberately NOT gated by the breaker: the body stream has
// already been split and is being drained by this call, so rejecting it
// here would leave the streaming tee's other subscribers blocked.
// HeadBucket/HeadObject failures trip the breaker ahead of a PUT being
// attempted.
func (g *guardedAdapter) PutObject(ctx context.Context, bucket, key string, body Stream) (model.ObjectResult, error) {
	return g.Adapter.PutObject(ctx, bucket, key, body)
}

func (g *guardedAdapter) DeleteObject(ctx context.Context, bucket, key string) error {
	return g.breaker.Execute(func() error { return g.Adapter.DeleteObject(ctx, bucket, key) })
}

func (g *guardedAdapter) CopyObject(ctx context.Context, bucket, key string, src CopySource) (model.ObjectResult, error) {
	var res model.ObjectResult
	err := g.breaker.Execute(func() error {
		var innerErr error
		res, innerErr = g.Adapter.CopyObject(ctx, bucket, key, src)
		return innerErr
	})
	return res, err
}

func (g *guardedAdapter) Close() error { return g.Adapter.Close() }
