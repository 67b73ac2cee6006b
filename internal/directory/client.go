// Package directory implements the typed RPC client against the external
// directory service. The directory itself is an external collaborator;
// this package only speaks its HTTP/JSON wire protocol.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
	"github.com/skystore/skyproxy/pkg/retry"
)

// Client is a thin HTTP/JSON client over the directory's RPC surface.
// Every call is wrapped by a Retryer so transient failures (network errors
// and directory 5xx responses) are retried transparently; 404s and other
// 4xx responses are not retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryer    *retry.Retryer
}

// New builds a directory client against baseURL (e.g. "http://localhost:3000").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryer:    retry.New(retry.DefaultConfig()),
	}
}

// Locator is the wire shape of a physical locator as the directory
// returns it from locate_object/start_upload/continue_upload.
type Locator struct {
	LocatorID         string `json:"locator_id"`
	RegionTag         string `json:"region_tag"`
	Provider          string `json:"provider"`
	Region            string `json:"region"`
	PhysicalBucket    string `json:"physical_bucket"`
	PhysicalKey       string `json:"physical_key"`
	PhysicalVersionID string `json:"physical_version_id,omitempty"`
	PhysicalUploadID  string `json:"physical_multipart_upload_id,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds"`
}

func (l Locator) toModel() model.PhysicalLocator {
	return model.PhysicalLocator{
		LocatorID:                 l.LocatorID,
		RegionTag:                 l.RegionTag,
		Provider:                  l.Provider,
		Region:                    l.Region,
		PhysicalBucket:            l.PhysicalBucket,
		PhysicalKey:               l.PhysicalKey,
		PhysicalVersionID:         l.PhysicalVersionID,
		TTL:                       time.Duration(l.TTLSeconds) * time.Second,
		PhysicalMultipartUploadID: l.PhysicalUploadID,
	}
}

// Healthz is a liveness probe used at startup.
func (c *Client) Healthz(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	return err
}

// PolicySpec registers the active get/put placement policies.
type PolicySpec struct {
	Get string `json:"get"`
	Put string `json:"put"`
}

func (c *Client) UpdatePolicy(ctx context.Context, get, put string) error {
	_, err := c.do(ctx, http.MethodPost, "/update_policy", PolicySpec{Get: get, Put: put})
	return err
}

type locateObjectRequest struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	ClientRegion string `json:"client_region"`
	VersionID    string `json:"version_id,omitempty"`
	Op           string `json:"op,omitempty"`
}

// LocateObject returns the preferred read locator for (bucket, key) under
// the active GET policy. A directory 404 is surfaced as ErrCodeNoSuchKey.
func (c *Client) LocateObject(ctx context.Context, bucket, key, clientRegion, versionID, op string) (model.PhysicalLocator, model.LogicalObject, error) {
	var resp struct {
		Locator      Locator `json:"locator"`
		ETag         string  `json:"etag"`
		Size         int64   `json:"size"`
		LastModified string  `json:"last_modified"`
		VersionID    string  `json:"version_id"`
	}
	err := c.doInto(ctx, http.MethodPost, "/locate_object", locateObjectRequest{
		Bucket: bucket, Key: key, ClientRegion: clientRegion, VersionID: versionID, Op: op,
	}, &resp)
	if err != nil {
		return model.PhysicalLocator{}, model.LogicalObject{}, err
	}
	lm, _ := time.Parse(time.RFC3339, resp.LastModified)
	return resp.Locator.toModel(), model.LogicalObject{
		Bucket: bucket, Key: key, VersionID: resp.VersionID,
		ETag: resp.ETag, Size: resp.Size, LastModified: lm,
	}, nil
}

type startUploadRequest struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	ClientRegion string `json:"client_region"`
	VersionID    string `json:"version_id,omitempty"`
	IsMultipart  bool   `json:"is_multipart"`
	CopySrcBucket string `json:"copy_src_bucket,omitempty"`
	CopySrcKey    string `json:"copy_src_key,omitempty"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	Op           string `json:"op,omitempty"`
}

// StartUploadResult carries the allocated locators, plus (for copy
// operations) the per-locator source coordinates the orchestrator must
// read from, and the directory-issued multipart upload id when
// applicable.
type StartUploadResult struct {
	Locators       []model.PhysicalLocator
	CopySrcBuckets []string
	CopySrcKeys    []string
	MultipartUploadID string
	// ExistingETag is set when the directory short-circuits an
	// idempotent PUT against an unversioned bucket by returning no
	// locators: the orchestrator must return this etag unchanged.
	ExistingETag string
}

// StartUpload allocates pending physical locators for a PUT, multipart
// create, or COPY. For unversioned buckets the directory may return an
// empty locator list if a visible object already exists; the orchestrator
// treats that as an idempotent-PUT short circuit and returns
// ExistingETag.
func (c *Client) StartUpload(ctx context.Context, bucket, key, clientRegion, versionID string, isMultipart bool, copySrcBucket, copySrcKey string, ttl time.Duration, op string) (StartUploadResult, error) {
	var resp struct {
		Locators          []Locator `json:"locators"`
		CopySrcBuckets    []string  `json:"copy_src_buckets"`
		CopySrcKeys       []string  `json:"copy_src_keys"`
		MultipartUploadID string    `json:"multipart_upload_id"`
		ExistingETag      string    `json:"existing_etag"`
	}
	err := c.doInto(ctx, http.MethodPost, "/start_upload", startUploadRequest{
		Bucket: bucket, Key: key, ClientRegion: clientRegion, VersionID: versionID,
		IsMultipart: isMultipart, CopySrcBucket: copySrcBucket, CopySrcKey: copySrcKey,
		TTLSeconds: int64(ttl.Seconds()), Op: op,
	}, &resp)
	if err != nil {
		return StartUploadResult{}, err
	}
	locators := make([]model.PhysicalLocator, len(resp.Locators))
	for i, l := range resp.Locators {
		locators[i] = l.toModel()
	}
	return StartUploadResult{
		Locators: locators, CopySrcBuckets: resp.CopySrcBuckets, CopySrcKeys: resp.CopySrcKeys,
		MultipartUploadID: resp.MultipartUploadID, ExistingETag: resp.ExistingETag,
	}, nil
}

type completeUploadRequest struct {
	LocatorID         string `json:"locator_id"`
	Size              int64  `json:"size"`
	ETag              string `json:"etag"`
	LastModified       string `json:"last_modified"`
	PhysicalVersionID string `json:"physical_version_id,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds"`
}

// CompleteUpload flips a locator from pending to ready. Idempotent:
// repeated calls on the same locator id are a no-op.
func (c *Client) CompleteUpload(ctx context.Context, locatorID string, size int64, etag string, lastModified time.Time, physicalVersionID string, ttl time.Duration) error {
	_, err := c.do(ctx, http.MethodPost, "/complete_upload", completeUploadRequest{
		LocatorID: locatorID, Size: size, ETag: etag,
		LastModified: lastModified.Format(time.RFC3339), PhysicalVersionID: physicalVersionID,
		TTLSeconds: int64(ttl.Seconds()),
	})
	return err
}

type continueUploadRequest struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	UploadID    string `json:"upload_id"`
	DoListParts bool   `json:"do_list_parts"`
}

// ContinueUploadResult resolves a logical multipart upload to its
// physical locators, optionally with each locator's current part list.
type ContinueUploadResult struct {
	Locators []model.PhysicalLocator
	Parts    map[string][]model.Part // keyed by locator id, present iff DoListParts
}

func (c *Client) ContinueUpload(ctx context.Context, bucket, key, uploadID string, doListParts bool) (ContinueUploadResult, error) {
	var resp struct {
		Locators []Locator                `json:"locators"`
		Parts    map[string][]partWire    `json:"parts,omitempty"`
	}
	err := c.doInto(ctx, http.MethodPost, "/continue_upload", continueUploadRequest{
		Bucket: bucket, Key: key, UploadID: uploadID, DoListParts: doListParts,
	}, &resp)
	if err != nil {
		return ContinueUploadResult{}, err
	}
	locators := make([]model.PhysicalLocator, len(resp.Locators))
	for i, l := range resp.Locators {
		locators[i] = l.toModel()
	}
	var parts map[string][]model.Part
	if resp.Parts != nil {
		parts = make(map[string][]model.Part, len(resp.Parts))
		for locatorID, ps := range resp.Parts {
			parts[locatorID] = partsFromWire(ps)
		}
	}
	return ContinueUploadResult{Locators: locators, Parts: parts}, nil
}

type partWire struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

func partsFromWire(ps []partWire) []model.Part {
	out := make([]model.Part, len(ps))
	for i, p := range ps {
		out[i] = model.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	return out
}

// SetMultipartID records the provider-issued upload id for a locator
// once CreateMultipartUpload has run against its backend.
func (c *Client) SetMultipartID(ctx context.Context, locatorID, physicalUploadID string) error {
	_, err := c.do(ctx, http.MethodPost, "/set_multipart_id", struct {
		LocatorID        string `json:"locator_id"`
		PhysicalUploadID string `json:"physical_upload_id"`
	}{locatorID, physicalUploadID})
	return err
}

// AppendPart records one completed part against a locator.
func (c *Client) AppendPart(ctx context.Context, locatorID string, partNumber int, etag string, size int64) error {
	_, err := c.do(ctx, http.MethodPost, "/append_part", struct {
		LocatorID  string `json:"locator_id"`
		PartNumber int    `json:"part_number"`
		ETag       string `json:"etag"`
		Size       int64  `json:"size"`
	}{locatorID, partNumber, etag, size})
	return err
}

func (c *Client) ListParts(ctx context.Context, bucket, key, uploadID string) ([]model.Part, error) {
	var resp struct {
		Parts []partWire `json:"parts"`
	}
	err := c.doInto(ctx, http.MethodPost, "/list_parts", struct {
		Bucket, Key, UploadID string
	}{bucket, key, uploadID}, &resp)
	if err != nil {
		return nil, err
	}
	return partsFromWire(resp.Parts), nil
}

func (c *Client) ListMultipartUploads(ctx context.Context, bucket string) ([]model.LogicalMultipartUpload, error) {
	var resp struct {
		Uploads []struct {
			Key      string `json:"key"`
			UploadID string `json:"upload_id"`
		} `json:"uploads"`
	}
	if err := c.doInto(ctx, http.MethodPost, "/list_multipart_uploads", struct{ Bucket string }{bucket}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.LogicalMultipartUpload, len(resp.Uploads))
	for i, u := range resp.Uploads {
		out[i] = model.LogicalMultipartUpload{Bucket: bucket, Key: u.Key, UploadID: u.UploadID}
	}
	return out, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]model.LogicalObject, error) {
	var resp struct {
		Objects []struct {
			Key          string `json:"key"`
			ETag         string `json:"etag"`
			Size         int64  `json:"size"`
			LastModified string `json:"last_modified"`
			VersionID    string `json:"version_id,omitempty"`
		} `json:"objects"`
	}
	if err := c.doInto(ctx, http.MethodPost, "/list_objects", struct{ Bucket, Prefix string }{bucket, prefix}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.LogicalObject, len(resp.Objects))
	for i, o := range resp.Objects {
		lm, _ := time.Parse(time.RFC3339, o.LastModified)
		out[i] = model.LogicalObject{Bucket: bucket, Key: o.Key, ETag: o.ETag, Size: o.Size, LastModified: lm, VersionID: o.VersionID}
	}
	return out, nil
}

func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	var resp struct {
		Buckets []string `json:"buckets"`
	}
	if err := c.doInto(ctx, http.MethodGet, "/list_buckets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

func (c *Client) HeadObject(ctx context.Context, bucket, key, versionID string) (model.LogicalObject, error) {
	var resp struct {
		ETag         string `json:"etag"`
		Size         int64  `json:"size"`
		LastModified string `json:"last_modified"`
		VersionID    string `json:"version_id"`
	}
	err := c.doInto(ctx, http.MethodPost, "/head_object", struct {
		Bucket, Key, VersionID string
	}{bucket, key, versionID}, &resp)
	if err != nil {
		return model.LogicalObject{}, err
	}
	lm, _ := time.Parse(time.RFC3339, resp.LastModified)
	return model.LogicalObject{Bucket: bucket, Key: key, ETag: resp.ETag, Size: resp.Size, LastModified: lm, VersionID: resp.VersionID}, nil
}

// StartDeleteResult carries, per requested key, the locators that must be
// deleted from their backends and whether the directory expects a
// delete-marker (versioned bucket) or a true deletion.
type StartDeleteResult struct {
	PerKeyLocators     map[string][]model.PhysicalLocator
	PerKeyDeleteMarker map[string]bool
}

// StartDeleteObjects begins a two-phase delete. multipartUploadIDs, when
// non-empty, scopes the delete to in-flight multipart uploads (the abort
// path) rather than visible objects.
func (c *Client) StartDeleteObjects(ctx context.Context, bucket string, keys, multipartUploadIDs []string) (StartDeleteResult, error) {
	var resp struct {
		PerKey map[string]struct {
			Locators     []Locator `json:"locators"`
			DeleteMarker bool      `json:"delete_marker"`
		} `json:"per_key"`
	}
	err := c.doInto(ctx, http.MethodPost, "/start_delete_objects", struct {
		Bucket             string   `json:"bucket"`
		Keys               []string `json:"keys"`
		MultipartUploadIDs []string `json:"multipart_upload_ids,omitempty"`
	}{bucket, keys, multipartUploadIDs}, &resp)
	if err != nil {
		return StartDeleteResult{}, err
	}
	out := StartDeleteResult{
		PerKeyLocators:     make(map[string][]model.PhysicalLocator, len(resp.PerKey)),
		PerKeyDeleteMarker: make(map[string]bool, len(resp.PerKey)),
	}
	for key, v := range resp.PerKey {
		locators := make([]model.PhysicalLocator, len(v.Locators))
		for i, l := range v.Locators {
			locators[i] = l.toModel()
		}
		out.PerKeyLocators[key] = locators
		out.PerKeyDeleteMarker[key] = v.DeleteMarker
	}
	return out, nil
}

// CompleteDeleteObjects reports the per-key outcome back to the
// directory once the orchestrator has deleted (or failed to delete) each
// key's locators from its backend(s).
func (c *Client) CompleteDeleteObjects(ctx context.Context, bucket string, outcomes []model.DeleteOutcome) error {
	_, err := c.do(ctx, http.MethodPost, "/complete_delete_objects", struct {
		Bucket   string                `json:"bucket"`
		Outcomes []model.DeleteOutcome `json:"outcomes"`
	}{bucket, outcomes})
	return err
}

func (c *Client) StartCreateBucket(ctx context.Context, bucket string) ([]model.PhysicalLocator, error) {
	var resp struct {
		Locators []Locator `json:"locators"`
	}
	if err := c.doInto(ctx, http.MethodPost, "/start_create_bucket", struct{ Bucket string }{bucket}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.PhysicalLocator, len(resp.Locators))
	for i, l := range resp.Locators {
		out[i] = l.toModel()
	}
	return out, nil
}

func (c *Client) CompleteCreateBucket(ctx context.Context, bucket string) error {
	_, err := c.do(ctx, http.MethodPost, "/complete_create_bucket", struct{ Bucket string }{bucket})
	return err
}

func (c *Client) StartDeleteBucket(ctx context.Context, bucket string) ([]model.PhysicalLocator, error) {
	var resp struct {
		Locators []Locator `json:"locators"`
	}
	if err := c.doInto(ctx, http.MethodPost, "/start_delete_bucket", struct{ Bucket string }{bucket}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.PhysicalLocator, len(resp.Locators))
	for i, l := range resp.Locators {
		out[i] = l.toModel()
	}
	return out, nil
}

func (c *Client) CompleteDeleteBucket(ctx context.Context, bucket string) error {
	_, err := c.do(ctx, http.MethodPost, "/complete_delete_bucket", struct{ Bucket string }{bucket})
	return err
}

func (c *Client) CheckVersionSetting(ctx context.Context, bucket string) (model.VersioningMode, error) {
	var resp struct {
		Mode string `json:"mode"`
	}
	if err := c.doInto(ctx, http.MethodPost, "/check_version_setting", struct{ Bucket string }{bucket}, &resp); err != nil {
		return "", err
	}
	return model.VersioningMode(resp.Mode), nil
}

func (c *Client) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	_, err := c.do(ctx, http.MethodPost, "/put_bucket_versioning", struct {
		Bucket string `json:"bucket"`
		Mode   string `json:"mode"`
	}{bucket, string(mode)})
	return err
}

// StartWarmupResult carries the locator of the existing replica the
// warmup copies read from, plus the pending destination locators to
// populate.
type StartWarmupResult struct {
	SrcLocator  model.PhysicalLocator
	DstLocators []model.PhysicalLocator
}

// StartWarmup registers a copy-to-region warmup request for (bucket,
// key) against the given regions. The directory picks the source replica;
// the orchestrator copies it into every destination locator.
func (c *Client) StartWarmup(ctx context.Context, bucket, key string, regions []string) (StartWarmupResult, error) {
	var resp struct {
		SrcLocator  Locator   `json:"src_locator"`
		DstLocators []Locator `json:"dst_locators"`
	}
	err := c.doInto(ctx, http.MethodPost, "/start_warmup", struct {
		Bucket  string   `json:"bucket"`
		Key     string   `json:"key"`
		Regions []string `json:"regions"`
	}{bucket, key, regions}, &resp)
	if err != nil {
		return StartWarmupResult{}, err
	}
	out := StartWarmupResult{
		SrcLocator:  resp.SrcLocator.toModel(),
		DstLocators: make([]model.PhysicalLocator, len(resp.DstLocators)),
	}
	for i, l := range resp.DstLocators {
		out.DstLocators[i] = l.toModel()
	}
	return out, nil
}

// do issues one retried HTTP/JSON call and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var respBody []byte
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternalError, err, "marshal directory request").
					WithComponent("directory.client")
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, err, "build directory request").
				WithComponent("directory.client")
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(errors.ErrCodeConnectionFailed, err, "directory request failed").
				WithComponent("directory.client").WithOperation(path)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(errors.ErrCodeNetworkError, err, "read directory response").
				WithComponent("directory.client").WithOperation(path)
		}

		if resp.StatusCode == http.StatusNotFound {
			return errors.New(errors.ErrCodeNoSuchKey, "directory reported not found").
				WithComponent("directory.client").WithOperation(path)
		}
		if resp.StatusCode >= 500 {
			return errors.New(errors.ErrCodeConnectionFailed, fmt.Sprintf("directory returned %d", resp.StatusCode)).
				WithComponent("directory.client").WithOperation(path).WithDetail("body", string(data))
		}
		if resp.StatusCode >= 400 {
			return errors.New(errors.ErrCodeBadRequest, fmt.Sprintf("directory returned %d", resp.StatusCode)).
				WithComponent("directory.client").WithOperation(path).WithDetail("body", string(data))
		}

		respBody = data
		return nil
	})
	return respBody, err
}

func (c *Client) doInto(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, err, "decode directory response").
			WithComponent("directory.client").WithOperation(path)
	}
	return nil
}
