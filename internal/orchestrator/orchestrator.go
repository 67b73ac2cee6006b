// Package orchestrator implements the directory-first two-phase protocol
// (start / execute / complete) that every state-changing S3 operation
// follows.
package orchestrator

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skystore/skyproxy/internal/backend"
	"github.com/skystore/skyproxy/internal/directory"
	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/internal/stream"
	"github.com/skystore/skyproxy/pkg/errors"
)

// pullFamily lists the PUT policies that imply copy-on-read routing.
var pullFamily = map[string]bool{
	"always_store": true, "tevict": true, "optimal": true,
	"teven": true, "fixedttl": true, "ewma": true,
}

// IsPullPolicy reports whether policy belongs to the pull family, for
// deciding whether inbound requests carry X-SKYSTORE-PULL.
func IsPullPolicy(policy string) bool { return pullFamily[policy] }

// defaultLocatorTTL bounds how long a pending locator may exist before
// the directory garbage-collects it; the orchestrator never performs its
// own cleanup.
const defaultLocatorTTL = 24 * time.Hour

// Orchestrator drives backend adapters against directory-allocated
// locators. The adapter registry and directory client are shared by
// reference and never mutated after bootstrap.
type Orchestrator struct {
	Registry  *backend.Registry
	Directory *directory.Client
	Log       *logrus.Logger
}

// New builds an Orchestrator over a fixed adapter registry and directory
// client.
func New(registry *backend.Registry, dir *directory.Client, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{Registry: registry, Directory: dir, Log: log}
}

func (o *Orchestrator) adapter(regionTag string) (backend.Adapter, error) {
	a, ok := o.Registry.Get(regionTag)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnknownRegion, "no adapter registered for region tag").
			WithComponent("orchestrator").WithDetail("region_tag", regionTag)
	}
	return a, nil
}

// PutObject implements simple PUT: an idempotent-PUT shortcut for
// unversioned buckets, then a directory-first fan-out of the streamed
// body to every allocated locator.
func (o *Orchestrator) PutObject(ctx context.Context, bucket, key, clientRegion string, body io.Reader, contentLength int64) (model.LogicalObject, error) {
	_, existing, err := o.Directory.LocateObject(ctx, bucket, key, clientRegion, "", "")
	if err == nil {
		return existing, nil // idempotent PUT: the existing etag is returned even when the new body differs
	}
	if !errors.IsNoSuchKey(err) {
		return model.LogicalObject{}, err
	}

	result, err := o.Directory.StartUpload(ctx, bucket, key, clientRegion, "", false, "", "", defaultLocatorTTL, "")
	if err != nil {
		return model.LogicalObject{}, err
	}
	if len(result.Locators) == 0 {
		// Directory short-circuited: another writer raced us to an
		// unversioned object that now exists.
		return model.LogicalObject{Bucket: bucket, Key: key, ETag: result.ExistingETag}, nil
	}

	subs := stream.Split(body, len(result.Locators), contentLength, contentLength)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]model.ObjectResult, len(result.Locators))
	for i, loc := range result.Locators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			res, err := a.PutObject(gctx, loc.PhysicalBucket, loc.PhysicalKey, backend.Stream{
				Body: subs[i], RemainingLength: subs[i].RemainingLength(),
			})
			if err != nil {
				return err
			}
			if err := o.Directory.CompleteUpload(gctx, loc.LocatorID, res.Size, res.ETag, res.LastModified, res.PhysicalVersionID, defaultLocatorTTL); err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Some locators may have completed; the rest stay pending and
		// are garbage-collected by the directory's TTL.
		return model.LogicalObject{}, err
	}

	last := results[len(results)-1]
	return model.LogicalObject{Bucket: bucket, Key: key, ETag: last.ETag, Size: last.Size, LastModified: last.LastModified}, nil
}

// GetObjectResult carries the response body plus, when copy-on-read is
// triggered, nothing further: population happens in the background and
// is never awaited by the caller.
type GetObjectResult struct {
	Body io.ReadCloser
	model.ObjectResult
}

// GetObject implements GET, including copy-on-read: when
// the serving locator's region differs from the client's, pullPolicy
// is non-empty (X-SKYSTORE-PULL) and the request carries no range, the
// body is teed and a background
// start_upload/put_object/complete_upload populates the directory's
// chosen destination locators without blocking the client response.
func (o *Orchestrator) GetObject(ctx context.Context, bucket, key, clientRegion, versionID, pullPolicy string, rng *backend.Range) (GetObjectResult, error) {
	loc, obj, err := o.Directory.LocateObject(ctx, bucket, key, clientRegion, versionID, "GET")
	if err != nil {
		return GetObjectResult{}, err
	}

	a, err := o.adapter(loc.RegionTag)
	if err != nil {
		return GetObjectResult{}, err
	}
	body, res, err := a.GetObject(ctx, loc.PhysicalBucket, loc.PhysicalKey, rng)
	if err != nil {
		return GetObjectResult{}, err
	}

	if loc.Region == clientRegion || pullPolicy == "" || rng != nil {
		return GetObjectResult{Body: body, ObjectResult: res}, nil
	}

	subs := stream.Split(body, 2, res.Size, res.Size)
	go o.populateOnRead(bucket, key, clientRegion, obj.VersionID, res.Size, subs[1])
	return GetObjectResult{Body: io.NopCloser(subs[0]), ObjectResult: res}, nil
}

// populateOnRead drives the background half of copy-on-read. It runs
// detached from the client's request context: the client response does
// not block on it, and an inbound cancellation must not abort it.
func (o *Orchestrator) populateOnRead(bucket, key, clientRegion, versionID string, size int64, body io.Reader) {
	ctx := context.Background()
	result, err := o.Directory.StartUpload(ctx, bucket, key, clientRegion, versionID, false, "", "", defaultLocatorTTL, "GET")
	if err != nil {
		o.Log.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).
			Warn("copy-on-read start_upload failed")
		return
	}
	if len(result.Locators) == 0 {
		io.Copy(io.Discard, body)
		return
	}

	subs := stream.Split(body, len(result.Locators), size, size)
	var g errgroup.Group
	for i, loc := range result.Locators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			res, err := a.PutObject(ctx, loc.PhysicalBucket, loc.PhysicalKey, backend.Stream{
				Body: subs[i], RemainingLength: subs[i].RemainingLength(),
			})
			if err != nil {
				return err
			}
			return o.Directory.CompleteUpload(ctx, loc.LocatorID, res.Size, res.ETag, res.LastModified, res.PhysicalVersionID, defaultLocatorTTL)
		})
	}
	if err := g.Wait(); err != nil {
		o.Log.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).
			Warn("copy-on-read population failed")
	}
}

// CopyObject implements COPY: version-semantics
// enforcement, an idempotency shortcut for unversioned destinations, and
// a directory-first fan-out of native copy_object calls.
func (o *Orchestrator) CopyObject(ctx context.Context, srcBucket, srcKey, srcVersionID, dstBucket, dstKey, clientRegion string) (model.LogicalObject, error) {
	if srcVersionID != "" {
		mode, err := o.Directory.CheckVersionSetting(ctx, srcBucket)
		if err != nil {
			return model.LogicalObject{}, err
		}
		if mode != model.VersioningEnabled {
			return model.LogicalObject{}, errors.New(errors.ErrCodeInternalError, "Version is not enabled").
				WithComponent("orchestrator").WithOperation("CopyObject")
		}
	}

	_, existing, err := o.Directory.LocateObject(ctx, dstBucket, dstKey, clientRegion, "", "")
	if err == nil {
		return existing, nil
	}
	if !errors.IsNoSuchKey(err) {
		return model.LogicalObject{}, err
	}

	result, err := o.Directory.StartUpload(ctx, dstBucket, dstKey, clientRegion, "", false, srcBucket, srcKey, defaultLocatorTTL, "")
	if err != nil {
		return model.LogicalObject{}, err
	}
	if len(result.Locators) == 0 {
		return model.LogicalObject{Bucket: dstBucket, Key: dstKey, ETag: result.ExistingETag}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]model.ObjectResult, len(result.Locators))
	for i, loc := range result.Locators {
		i, loc := i, loc
		srcB, srcK := srcBucket, srcKey
		if i < len(result.CopySrcBuckets) {
			srcB = result.CopySrcBuckets[i]
		}
		if i < len(result.CopySrcKeys) {
			srcK = result.CopySrcKeys[i]
		}
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			res, err := a.CopyObject(gctx, loc.PhysicalBucket, loc.PhysicalKey, backend.CopySource{Bucket: srcB, Key: srcK})
			if err != nil {
				return err
			}
			if err := o.Directory.CompleteUpload(gctx, loc.LocatorID, res.Size, res.ETag, res.LastModified, res.PhysicalVersionID, defaultLocatorTTL); err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.LogicalObject{}, err
	}
	last := results[len(results)-1]
	return model.LogicalObject{Bucket: dstBucket, Key: dstKey, ETag: last.ETag, Size: last.Size, LastModified: last.LastModified}, nil
}

// multipartUploadState names the bucket/key/uploadID triple that
// identifies an in-progress logical multipart upload. The multipart
// methods below take these as separate arguments and do not construct
// this type; the directory is the source of truth for physical locators.
type multipartUploadState struct {
	Bucket   string
	Key      string
	UploadID string
}

// CreateMultipartUpload obtains the logical upload id from the
// directory; physical create_multipart_upload calls against each locator
// run sequentially so create-before-upload-part ordering holds per
// backend.
func (o *Orchestrator) CreateMultipartUpload(ctx context.Context, bucket, key, clientRegion string) (string, error) {
	result, err := o.Directory.StartUpload(ctx, bucket, key, clientRegion, "", true, "", "", defaultLocatorTTL, "")
	if err != nil {
		return "", err
	}
	for _, loc := range result.Locators {
		a, err := o.adapter(loc.RegionTag)
		if err != nil {
			return "", err
		}
		physicalID, err := a.CreateMultipartUpload(ctx, loc.PhysicalBucket, loc.PhysicalKey)
		if err != nil {
			return "", err
		}
		if err := o.Directory.SetMultipartID(ctx, loc.LocatorID, physicalID); err != nil {
			return "", err
		}
	}
	return result.MultipartUploadID, nil
}

// UploadPart implements the UPLOAD_PART fan-out: the part body is teed
// to every physical locator, each upload_part call runs in parallel, and
// each success is registered with append_part.
func (o *Orchestrator) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, contentLength int64) (string, error) {
	res, err := o.Directory.ContinueUpload(ctx, bucket, key, uploadID, false)
	if err != nil {
		return "", err
	}
	subs := stream.Split(body, len(res.Locators), contentLength, contentLength)

	g, gctx := errgroup.WithContext(ctx)
	etags := make([]string, len(res.Locators))
	for i, loc := range res.Locators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			part, err := a.UploadPart(gctx, loc.PhysicalBucket, loc.PhysicalKey, loc.PhysicalMultipartUploadID, partNumber, backend.Stream{
				Body: subs[i], RemainingLength: subs[i].RemainingLength(),
			})
			if err != nil {
				return err
			}
			if err := o.Directory.AppendPart(gctx, loc.LocatorID, partNumber, part.ETag, part.Size); err != nil {
				return err
			}
			etags[i] = part.ETag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return etags[len(etags)-1], nil
}

// UploadPartCopy implements UPLOAD_PART_COPY: the copy command (not
// bytes) fans out to every physical locator in parallel.
func (o *Orchestrator) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, rng *backend.Range) (string, error) {
	res, err := o.Directory.ContinueUpload(ctx, bucket, key, uploadID, false)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	etags := make([]string, len(res.Locators))
	for i, loc := range res.Locators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			part, err := a.UploadPartCopy(gctx, loc.PhysicalBucket, loc.PhysicalKey, loc.PhysicalMultipartUploadID, partNumber, backend.CopySource{
				Bucket: srcBucket, Key: srcKey, Range: rng,
			})
			if err != nil {
				return err
			}
			if err := o.Directory.AppendPart(gctx, loc.LocatorID, partNumber, part.ETag, part.Size); err != nil {
				return err
			}
			etags[i] = part.ETag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return etags[len(etags)-1], nil
}

// CompleteMultipartUpload resolves every physical locator with its
// current part list, verifies
// each physical part-number set equals the client-submitted set, then
// drives each adapter's complete_multipart_upload in parallel.
func (o *Orchestrator) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, clientParts []model.Part) (model.LogicalObject, error) {
	res, err := o.Directory.ContinueUpload(ctx, bucket, key, uploadID, true)
	if err != nil {
		return model.LogicalObject{}, err
	}

	wantNumbers := make(map[int]bool, len(clientParts))
	for _, p := range clientParts {
		wantNumbers[p.PartNumber] = true
	}
	sortedParts := append([]model.Part(nil), clientParts...)
	sort.Slice(sortedParts, func(i, j int) bool { return sortedParts[i].PartNumber < sortedParts[j].PartNumber })

	for _, loc := range res.Locators {
		gotNumbers := make(map[int]bool, len(res.Parts[loc.LocatorID]))
		for _, p := range res.Parts[loc.LocatorID] {
			gotNumbers[p.PartNumber] = true
		}
		if len(gotNumbers) != len(wantNumbers) {
			return model.LogicalObject{}, errors.New(errors.ErrCodeInternalError, "physical part set does not match submitted parts").
				WithComponent("orchestrator").WithOperation("CompleteMultipartUpload").WithDetail("locator_id", loc.LocatorID)
		}
		for n := range wantNumbers {
			if !gotNumbers[n] {
				return model.LogicalObject{}, errors.New(errors.ErrCodeInternalError, "physical part set does not match submitted parts").
					WithComponent("orchestrator").WithOperation("CompleteMultipartUpload").WithDetail("locator_id", loc.LocatorID).WithDetail("missing_part", n)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]model.ObjectResult, len(res.Locators))
	for i, loc := range res.Locators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			if _, err := a.CompleteMultipartUpload(gctx, loc.PhysicalBucket, loc.PhysicalKey, loc.PhysicalMultipartUploadID, sortedParts); err != nil {
				return err
			}
			head, err := a.HeadObject(gctx, loc.PhysicalBucket, loc.PhysicalKey)
			if err != nil {
				return err
			}
			if err := o.Directory.CompleteUpload(gctx, loc.LocatorID, head.Size, head.ETag, head.LastModified, head.PhysicalVersionID, defaultLocatorTTL); err != nil {
				return err
			}
			results[i] = head
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.LogicalObject{}, err
	}
	last := results[len(results)-1]
	return model.LogicalObject{Bucket: bucket, Key: key, ETag: last.ETag, Size: last.Size, LastModified: last.LastModified}, nil
}

// AbortMultipartUpload resolves the in-flight upload's physical
// locators via start_delete_objects with the
// logical upload id, abort each provider-side upload in parallel, then
// report the purge via complete_delete_objects.
func (o *Orchestrator) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	start, err := o.Directory.StartDeleteObjects(ctx, bucket, []string{key}, []string{uploadID})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range start.PerKeyLocators[key] {
		loc := loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			return a.AbortMultipartUpload(gctx, loc.PhysicalBucket, loc.PhysicalKey, loc.PhysicalMultipartUploadID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return o.Directory.CompleteDeleteObjects(ctx, bucket, []model.DeleteOutcome{{Key: key}})
}

// DeleteObjects implements batch DELETE: start_delete
// resolves per-key physical locators and delete-marker metadata; keys
// are purged in parallel, each key's locators one after another, stopping
// at that key's first failure; the per-key outcome is reported
// back via complete_delete_objects and mirrored to the caller in the S3
// DeleteResult shape.
func (o *Orchestrator) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]model.DeleteOutcome, error) {
	start, err := o.Directory.StartDeleteObjects(ctx, bucket, keys, nil)
	if err != nil {
		return nil, err
	}

	outcomes := make([]model.DeleteOutcome, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			locators := start.PerKeyLocators[key]
			marker := start.PerKeyDeleteMarker[key]
			for _, loc := range locators {
				a, err := o.adapter(loc.RegionTag)
				if err != nil {
					outcomes[i] = model.DeleteOutcome{Key: key, Error: err.Error()}
					return nil
				}
				if err := a.DeleteObject(ctx, loc.PhysicalBucket, loc.PhysicalKey); err != nil {
					outcomes[i] = model.DeleteOutcome{Key: key, Error: err.Error()}
					return nil
				}
			}
			outcomes[i] = model.DeleteOutcome{Key: key, DeleteMarker: marker}
			return nil
		})
	}
	_ = g.Wait() // per-key errors are carried in outcomes, never failing the whole batch

	if err := o.Directory.CompleteDeleteObjects(ctx, bucket, outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// HeadObject implements HEAD, including the warmup side channel: when
// warmupRegions is non-empty the call first drives start_warmup and a
// parallel copy_object/head_object/complete_upload pipeline against the
// returned destination locators, then resolves the object through the
// directory's head_object as usual, returning the warmed etags for
// X-SKYSTORE-WARMUP-ETAGS.
func (o *Orchestrator) HeadObject(ctx context.Context, bucket, key string, warmupRegions []string) (model.LogicalObject, []string, error) {
	if len(warmupRegions) == 0 {
		obj, err := o.Directory.HeadObject(ctx, bucket, key, "")
		return obj, nil, err
	}
	etags, err := o.WarmupObject(ctx, bucket, key, warmupRegions)
	if err != nil {
		return model.LogicalObject{}, nil, err
	}
	obj, err := o.Directory.HeadObject(ctx, bucket, key, "")
	return obj, etags, err
}

// WarmupObject drives start_warmup then populates every destination
// locator in parallel via copy_object + head_object + complete_upload.
// The copy source is the existing replica the directory nominated, not
// the destination itself, which does not exist yet.
func (o *Orchestrator) WarmupObject(ctx context.Context, bucket, key string, warmupRegions []string) ([]string, error) {
	warmup, err := o.Directory.StartWarmup(ctx, bucket, key, warmupRegions)
	if err != nil {
		return nil, err
	}
	src := warmup.SrcLocator

	g, gctx := errgroup.WithContext(ctx)
	etags := make([]string, len(warmup.DstLocators))
	for i, loc := range warmup.DstLocators {
		i, loc := i, loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			if _, err := a.CopyObject(gctx, loc.PhysicalBucket, loc.PhysicalKey, backend.CopySource{Bucket: src.PhysicalBucket, Key: src.PhysicalKey}); err != nil {
				return err
			}
			head, err := a.HeadObject(gctx, loc.PhysicalBucket, loc.PhysicalKey)
			if err != nil {
				return err
			}
			if err := o.Directory.CompleteUpload(gctx, loc.LocatorID, head.Size, head.ETag, head.LastModified, head.PhysicalVersionID, defaultLocatorTTL); err != nil {
				return err
			}
			etags[i] = head.ETag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return etags, nil
}

// CreateBucket fans out directory-allocated per-region scratch-bucket
// locators to CreateBucket on each adapter; bucket-already-exists errors
// are swallowed since scratch buckets are shared across logical buckets.
func (o *Orchestrator) CreateBucket(ctx context.Context, bucket string) error {
	locators, err := o.Directory.StartCreateBucket(ctx, bucket)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range locators {
		loc := loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			err = a.CreateBucket(gctx, loc.PhysicalBucket)
			if err == nil {
				return nil
			}
			msg := err.Error()
			for _, s := range []string{"BucketAlreadyOwnedByYou", "BucketAlreadyExists", "ContainerAlreadyExists", "409"} {
				if strings.Contains(msg, s) {
					return nil
				}
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return o.Directory.CompleteCreateBucket(ctx, bucket)
}

func (o *Orchestrator) DeleteBucket(ctx context.Context, bucket string) error {
	locators, err := o.Directory.StartDeleteBucket(ctx, bucket)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range locators {
		loc := loc
		g.Go(func() error {
			a, err := o.adapter(loc.RegionTag)
			if err != nil {
				return err
			}
			return a.DeleteBucket(gctx, loc.PhysicalBucket)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return o.Directory.CompleteDeleteBucket(ctx, bucket)
}

func (o *Orchestrator) HeadBucket(ctx context.Context, bucket string) error {
	_, err := o.Directory.CheckVersionSetting(ctx, bucket)
	return err
}

// PutBucketVersioning records the new mode with the directory, which is
// the sole owner of per-bucket versioning state; scratch
// buckets' own provider-level versioning is set once at bootstrap
// and not revisited per logical bucket.
func (o *Orchestrator) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	return o.Directory.PutBucketVersioning(ctx, bucket, mode)
}

func (o *Orchestrator) ListObjects(ctx context.Context, bucket, prefix string) ([]model.LogicalObject, error) {
	return o.Directory.ListObjects(ctx, bucket, prefix)
}

func (o *Orchestrator) ListBuckets(ctx context.Context) ([]string, error) {
	return o.Directory.ListBuckets(ctx)
}

func (o *Orchestrator) ListMultipartUploads(ctx context.Context, bucket string) ([]model.LogicalMultipartUpload, error) {
	return o.Directory.ListMultipartUploads(ctx, bucket)
}

func (o *Orchestrator) ListParts(ctx context.Context, bucket, key, uploadID string) ([]model.Part, error) {
	return o.Directory.ListParts(ctx, bucket, key, uploadID)
}
