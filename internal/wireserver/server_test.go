package wireserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skystore/skyproxy/internal/backend"
	"github.com/skystore/skyproxy/internal/directory"
	"github.com/skystore/skyproxy/internal/metrics"
	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/internal/orchestrator"
	"github.com/skystore/skyproxy/pkg/errors"
)

type readOnlyAdapter struct {
	regionTag string
	body      string
}

func (a *readOnlyAdapter) RegionTag() string                                     { return a.regionTag }
func (a *readOnlyAdapter) HeadBucket(ctx context.Context, bucket string) error    { return nil }
func (a *readOnlyAdapter) CreateBucket(ctx context.Context, bucket string) error  { return nil }
func (a *readOnlyAdapter) DeleteBucket(ctx context.Context, bucket string) error  { return nil }
func (a *readOnlyAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	return nil
}
func (a *readOnlyAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	return model.ObjectResult{ETag: "etag-1", Size: int64(len(a.body)), LastModified: time.Unix(0, 0)}, nil
}
func (a *readOnlyAdapter) GetObject(ctx context.Context, bucket, key string, rng *backend.Range) (io.ReadCloser, model.ObjectResult, error) {
	return io.NopCloser(strings.NewReader(a.body)), model.ObjectResult{ETag: "etag-1", Size: int64(len(a.body)), LastModified: time.Unix(0, 0)}, nil
}
func (a *readOnlyAdapter) PutObject(ctx context.Context, bucket, key string, body backend.Stream) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}
func (a *readOnlyAdapter) DeleteObject(ctx context.Context, bucket, key string) error { return nil }
func (a *readOnlyAdapter) CopyObject(ctx context.Context, bucket, key string, src backend.CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}
func (a *readOnlyAdapter) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return "", errors.New(errors.ErrCodeNotImplemented, "not used in this test")
}
func (a *readOnlyAdapter) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body backend.Stream) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}
func (a *readOnlyAdapter) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src backend.CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}
func (a *readOnlyAdapter) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error) {
	return model.ObjectResult{}, nil
}
func (a *readOnlyAdapter) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}
func (a *readOnlyAdapter) Close() error { return nil }

// newTestServer wires a Server over a real Orchestrator, a fake
// single-region adapter, and a fake directory server that answers only
// /locate_object (enough to exercise the GET path read-through branch).
func newTestServer(t *testing.T, body string) (*Server, func()) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/locate_object", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"locator": directory.Locator{
				LocatorID: "loc-1", RegionTag: "aws:us-east-1", Provider: "aws", Region: "us-east-1",
				PhysicalBucket: "scratch", PhysicalKey: "k1",
			},
			"etag":          "etag-1",
			"size":          len(body),
			"last_modified": time.Unix(0, 0).Format(time.RFC3339),
			"version_id":    "1",
		})
	})
	srv := httptest.NewServer(mux)

	registry := backend.NewRegistry(&readOnlyAdapter{regionTag: "aws:us-east-1", body: body})
	dir := directory.New(srv.URL)
	orch := orchestrator.New(registry, dir, logrus.New())
	collector, err := metrics.New(&metrics.Config{Enabled: false})
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}

	s := &Server{
		Orchestrator:    orch,
		Metrics:         collector,
		Log:             logrus.New(),
		AccessKeyID:     "AKIDEXAMPLE",
		AccessSecretKey: "secret",
		ClientRegion:    "us-east-1",
	}
	return s, srv.Close
}

func TestHandleGetObjectReadThrough(t *testing.T) {
	s, cleanup := newTestServer(t, "hello world")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "http://skyproxy.example.com/mybucket/mykey", nil)
	signRequest(t, req, "AKIDEXAMPLE", "secret", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "hello world" {
		t.Errorf("body = %q", got)
	}
	if etag := w.Header().Get("ETag"); etag != `"etag-1"` {
		t.Errorf("ETag = %q", etag)
	}
}

func TestHandleGetObjectRejectsBadSignature(t *testing.T) {
	s, cleanup := newTestServer(t, "hello world")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "http://skyproxy.example.com/mybucket/mykey", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleWarmupObjectMalformedBody(t *testing.T) {
	s, cleanup := newTestServer(t, "hello world")
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "http://skyproxy.example.com/_/warmup_object", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		path           string
		bucket, key    string
		hasKey         bool
	}{
		{"/", "", "", false},
		{"/mybucket", "mybucket", "", false},
		{"/mybucket/mykey", "mybucket", "mykey", true},
		{"/mybucket/dir/mykey", "mybucket", "dir/mykey", true},
	}
	for _, c := range cases {
		bucket, key, hasKey := splitPath(c.path)
		if bucket != c.bucket || key != c.key || hasKey != c.hasKey {
			t.Errorf("splitPath(%q) = (%q, %q, %v), want (%q, %q, %v)", c.path, bucket, key, hasKey, c.bucket, c.key, c.hasKey)
		}
	}
}
