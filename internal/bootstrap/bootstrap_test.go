package bootstrap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/skystore/skyproxy/internal/backend"
	"github.com/skystore/skyproxy/internal/config"
	"github.com/skystore/skyproxy/internal/directory"
	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

// fakeAdapter is an in-memory backend.Adapter used to exercise bootstrap
// without touching any real provider SDK.
type fakeAdapter struct {
	regionTag string

	mu      sync.Mutex
	buckets map[string]bool
	versionCalls []model.VersioningMode
	versioningUnsupported bool
}

func newFakeAdapter(regionTag string) *fakeAdapter {
	return &fakeAdapter{regionTag: regionTag, buckets: make(map[string]bool)}
}

func (f *fakeAdapter) RegionTag() string { return f.regionTag }

func (f *fakeAdapter) HeadBucket(ctx context.Context, bucket string) error { return nil }

func (f *fakeAdapter) CreateBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket] {
		return errors.New(errors.ErrCodeBadRequest, "BucketAlreadyOwnedByYou")
	}
	f.buckets[bucket] = true
	return nil
}

func (f *fakeAdapter) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (f *fakeAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionCalls = append(f.versionCalls, mode)
	if f.versioningUnsupported {
		return errors.New(errors.ErrCodeNotImplemented, "versioning not supported")
	}
	return nil
}

func (f *fakeAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	return model.ObjectResult{}, errors.New(errors.ErrCodeNoSuchKey, "not found")
}

func (f *fakeAdapter) GetObject(ctx context.Context, bucket, key string, rng *backend.Range) (io.ReadCloser, model.ObjectResult, error) {
	return nil, model.ObjectResult{}, errors.New(errors.ErrCodeNoSuchKey, "not found")
}

func (f *fakeAdapter) PutObject(ctx context.Context, bucket, key string, body backend.Stream) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}

func (f *fakeAdapter) DeleteObject(ctx context.Context, bucket, key string) error { return nil }

func (f *fakeAdapter) CopyObject(ctx context.Context, bucket, key string, src backend.CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}

func (f *fakeAdapter) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return "upload-1", nil
}

func (f *fakeAdapter) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body backend.Stream) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}

func (f *fakeAdapter) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src backend.CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}

func (f *fakeAdapter) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}

func (f *fakeAdapter) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

func (f *fakeAdapter) Close() error { return nil }

// newFakeDirectoryServer returns an httptest.Server that answers the two
// directory endpoints bootstrap calls during Start: /healthz and
// /update_policy.
func newFakeDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/update_policy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	return &config.Configuration{
		InitRegions:       []config.RegionSpec{{Provider: "aws", Region: "us-east-1"}, {Provider: "azure", Region: "eastus"}},
		ClientFromRegion:  "aws:us-east-1",
		Local:             true,
		LocalServer:       true,
		BucketPrefix:      "skytest",
		GetPolicy:         "always_store",
		PutPolicy:         "always_store",
		VersionEnable:     model.VersioningNull,
	}
}

func TestBootstrapStartBuildsRegistryAndEnsuresBuckets(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	defer srv.Close()

	cfg := testConfig(t)

	fakes := map[string]*fakeAdapter{}
	factory := func(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error) {
		a := newFakeAdapter(region.RegionTag())
		if region.Provider == "azure" {
			a.versioningUnsupported = true
		}
		fakes[region.RegionTag()] = a
		return a, nil
	}

	b := New(cfg, nil)
	b.Directory = directory.New(srv.URL)
	if err := b.Start(context.Background(), factory); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if b.Registry == nil {
		t.Fatal("Registry not set")
	}
	if _, ok := b.Registry.Get("aws:us-east-1"); !ok {
		t.Error("expected aws:us-east-1 adapter registered")
	}
	if _, ok := b.Registry.Get("azure:eastus"); !ok {
		t.Error("expected azure:eastus adapter registered")
	}

	awsFake := fakes["aws:us-east-1"]
	if !awsFake.buckets["skytest-aws-us-east-1"] {
		t.Error("expected scratch bucket created for aws region")
	}

	azureFake := fakes["azure:eastus"]
	if len(azureFake.versionCalls) != 1 {
		t.Fatalf("expected one PutBucketVersioning call on azure fake, got %d", len(azureFake.versionCalls))
	}
}

func TestBootstrapStartIsIdempotentGuard(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	defer srv.Close()

	cfg := testConfig(t)
	factory := func(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error) {
		return newFakeAdapter(region.RegionTag()), nil
	}

	b := New(cfg, nil)
	b.Directory = directory.New(srv.URL)
	if err := b.Start(context.Background(), factory); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := b.Start(context.Background(), factory); err == nil {
		t.Fatal("expected error on second Start call")
	}
}

func TestBootstrapStartPropagatesFactoryError(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	defer srv.Close()

	cfg := testConfig(t)
	factory := func(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error) {
		return nil, errors.New(errors.ErrCodeInternalError, "boom")
	}

	b := New(cfg, nil)
	b.Directory = directory.New(srv.URL)
	if err := b.Start(context.Background(), factory); err == nil {
		t.Fatal("expected factory error to propagate")
	}
}

func TestBootstrapStopClosesRegistry(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	defer srv.Close()

	cfg := testConfig(t)
	var closed []string
	factory := func(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error) {
		return &closeTrackingAdapter{fakeAdapter: newFakeAdapter(region.RegionTag()), closed: &closed}, nil
	}

	b := New(cfg, nil)
	b.Directory = directory.New(srv.URL)
	if err := b.Start(context.Background(), factory); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("expected 2 adapters closed, got %d", len(closed))
	}
}

type closeTrackingAdapter struct {
	*fakeAdapter
	closed *[]string
}

func (c *closeTrackingAdapter) Close() error {
	*c.closed = append(*c.closed, c.RegionTag())
	return nil
}
