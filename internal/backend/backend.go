// Package backend defines the uniform capability surface the orchestrator
// drives against each configured provider, and the AWS/GCS/Azure adapters
// that implement it.
package backend

import (
	"context"
	"io"

	"github.com/skystore/skyproxy/internal/model"
)

// Stream is a byte stream with a known remaining length, the contract the
// streaming tee (internal/stream) hands to every adapter's put/upload_part
// call. S3 SDKs require an accurate Content-Length up front and will not
// stream otherwise.
type Stream struct {
	Body            io.Reader
	RemainingLength int64
}

// Range is a half-open-inclusive byte range following the S3 convention:
// [First, Last] where Last is inclusive. LastValid is false for an
// open-ended range ("bytes=100-").
type Range struct {
	First     int64
	Last      int64
	LastValid bool
}

// CopySource identifies the physical object an UploadPartCopy/CopyObject
// call reads from.
type CopySource struct {
	Bucket string
	Key    string
	Range  *Range // nil copies the whole source object
}

// Adapter is the capability set the orchestrator uses against one backend
// region, independent of provider. Every method returns a structured
// model.ObjectResult or a typed *errors.ProxyError.
type Adapter interface {
	// RegionTag identifies this adapter, e.g. "aws:us-east-1".
	RegionTag() string

	HeadBucket(ctx context.Context, bucket string) error
	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error

	HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error)
	GetObject(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, model.ObjectResult, error)
	PutObject(ctx context.Context, bucket, key string, body Stream) (model.ObjectResult, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	CopyObject(ctx context.Context, bucket, key string, src CopySource) (model.ObjectResult, error)

	CreateMultipartUpload(ctx context.Context, bucket, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body Stream) (model.ObjectResult, error)
	UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src CopySource) (model.ObjectResult, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// Close releases any pooled connections held by the adapter.
	Close() error
}

// Registry is the region-tag to Adapter map built once at bootstrap and
// never mutated afterward; it is shared by reference across all
// concurrent requests.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a slice of adapters, keyed by their
// own RegionTag.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.RegionTag()] = a
	}
	return r
}

// Get looks up the adapter for a region tag. A missing tag is always a
// fatal configuration error: every locator returned by the directory
// must correspond to a region tag the orchestrator has an adapter for.
func (r *Registry) Get(regionTag string) (Adapter, bool) {
	a, ok := r.adapters[regionTag]
	return a, ok
}

// All returns every registered adapter, used by bootstrap to run
// EnsureScratchBucket across all configured regions.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Close closes every adapter in the registry, collecting the first error.
func (r *Registry) Close() error {
	var first error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
