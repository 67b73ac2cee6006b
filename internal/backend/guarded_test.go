package backend

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/skystore/skyproxy/internal/circuit"
	"github.com/skystore/skyproxy/internal/model"
	proxyerrors "github.com/skystore/skyproxy/pkg/errors"
)

// downAdapter simulates a region whose backend rejects every call, while
// counting how many calls actually reach it.
type downAdapter struct {
	regionTag string
	calls     int
	puts      int
}

func (d *downAdapter) fail(op string) error {
	d.calls++
	return proxyerrors.New(proxyerrors.ErrCodeInternalError, "backend down").
		WithComponent("backend.test").WithOperation(op)
}

func (d *downAdapter) RegionTag() string                                     { return d.regionTag }
func (d *downAdapter) HeadBucket(ctx context.Context, bucket string) error   { return d.fail("HeadBucket") }
func (d *downAdapter) CreateBucket(ctx context.Context, bucket string) error { return d.fail("CreateBucket") }
func (d *downAdapter) DeleteBucket(ctx context.Context, bucket string) error { return d.fail("DeleteBucket") }
func (d *downAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	return d.fail("PutBucketVersioning")
}

func (d *downAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	return model.ObjectResult{}, d.fail("HeadObject")
}

func (d *downAdapter) GetObject(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, model.ObjectResult, error) {
	return nil, model.ObjectResult{}, d.fail("GetObject")
}

func (d *downAdapter) PutObject(ctx context.Context, bucket, key string, body Stream) (model.ObjectResult, error) {
	d.puts++
	_, _ = io.Copy(io.Discard, body.Body)
	return model.ObjectResult{ETag: "etag"}, nil
}

func (d *downAdapter) DeleteObject(ctx context.Context, bucket, key string) error {
	return d.fail("DeleteObject")
}

func (d *downAdapter) CopyObject(ctx context.Context, bucket, key string, src CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, d.fail("CopyObject")
}

func (d *downAdapter) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return "", d.fail("CreateMultipartUpload")
}

func (d *downAdapter) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body Stream) (model.ObjectResult, error) {
	return model.ObjectResult{}, d.fail("UploadPart")
}

func (d *downAdapter) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src CopySource) (model.ObjectResult, error) {
	return model.ObjectResult{}, d.fail("UploadPartCopy")
}

func (d *downAdapter) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error) {
	return model.ObjectResult{}, d.fail("CompleteMultipartUpload")
}

func (d *downAdapter) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return d.fail("AbortMultipartUpload")
}

func (d *downAdapter) Close() error { return nil }

func TestGuardTripsRegionAfterRepeatedFailures(t *testing.T) {
	down := &downAdapter{regionTag: "aws:us-east-1"}
	manager := circuit.NewManager(circuit.Config{FailureThreshold: 3, Cooldown: time.Minute})
	guarded := Guard(down, manager)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := guarded.HeadObject(ctx, "b", "k"); err == nil {
			t.Fatalf("call %d: expected backend error", i)
		}
	}
	if down.calls != 3 {
		t.Fatalf("adapter saw %d calls, want 3 before the trip", down.calls)
	}

	// The region is open now: new calls are rejected without reaching the
	// backend.
	_, err := guarded.HeadObject(ctx, "b", "k")
	if err != circuit.ErrOpenState {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if err := guarded.DeleteObject(ctx, "b", "k"); err != circuit.ErrOpenState {
		t.Errorf("DeleteObject err = %v, want ErrOpenState", err)
	}
	if down.calls != 3 {
		t.Errorf("adapter saw %d calls, want still 3 while open", down.calls)
	}
}

func TestGuardLeavesPutObjectUngated(t *testing.T) {
	down := &downAdapter{regionTag: "aws:us-east-1"}
	manager := circuit.NewManager(circuit.Config{FailureThreshold: 1, Cooldown: time.Minute})
	guarded := Guard(down, manager)

	ctx := context.Background()
	if _, err := guarded.HeadObject(ctx, "b", "k"); err == nil {
		t.Fatal("expected backend error to trip the breaker")
	}

	// PutObject bypasses the breaker so an in-flight tee subscriber is
	// always drained, even while the region is open.
	res, err := guarded.PutObject(ctx, "b", "k", Stream{Body: strings.NewReader("body"), RemainingLength: 4})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if res.ETag != "etag" || down.puts != 1 {
		t.Errorf("PutObject did not reach the adapter: res=%+v puts=%d", res, down.puts)
	}
}

func TestGuardRecoversAfterCooldown(t *testing.T) {
	down := &downAdapter{regionTag: "gcs:us-central1"}
	manager := circuit.NewManager(circuit.Config{FailureThreshold: 1, Cooldown: 5 * time.Millisecond})
	guarded := Guard(down, manager)

	ctx := context.Background()
	if err := guarded.HeadBucket(ctx, "b"); err == nil {
		t.Fatal("expected backend error")
	}
	if err := guarded.HeadBucket(ctx, "b"); err != circuit.ErrOpenState {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}

	time.Sleep(10 * time.Millisecond)

	// The half-open probe reaches the adapter again.
	before := down.calls
	_ = guarded.HeadBucket(ctx, "b")
	if down.calls != before+1 {
		t.Errorf("probe did not reach the adapter: calls=%d want %d", down.calls, before+1)
	}
}
