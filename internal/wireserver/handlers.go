package wireserver

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skystore/skyproxy/internal/backend"
	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

const timeLayout = time.RFC3339

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	names, err := s.Orchestrator.ListBuckets(r.Context())
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := listAllMyBucketsResult{
		Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: xmlOwner{ID: "skyproxy", DisplayName: "skyproxy"},
	}
	for _, n := range names {
		resp.Buckets = append(resp.Buckets, xmlBucket{Name: n})
	}
	writeXML(w, http.StatusOK, resp)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Orchestrator.CreateBucket(r.Context(), bucket); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Orchestrator.DeleteBucket(r.Context(), bucket); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Orchestrator.HeadBucket(r.Context(), bucket); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	var cfg versioningConfiguration
	if err := xml.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeXMLError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	mode := model.VersioningMode(cfg.Status)
	if mode == "" {
		mode = model.VersioningNull
	}
	if err := s.Orchestrator.PutBucketVersioning(r.Context(), bucket, mode); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string, q map[string][]string) {
	start := time.Now()
	prefix := firstOr(q, "prefix", "")
	objects, err := s.Orchestrator.ListObjects(r.Context(), bucket, prefix)
	s.recordMetric("ListObjects", prefix, 0, start, err)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := listBucketResult{
		Xmlns:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:     bucket,
		Prefix:   prefix,
		KeyCount: len(objects),
		MaxKeys:  1000,
	}
	for _, o := range objects {
		resp.Contents = append(resp.Contents, xmlObject{
			Key:          o.Key,
			LastModified: o.LastModified.Format(timeLayout),
			ETag:         quoteETag(o.ETag),
			Size:         o.Size,
			Owner:        xmlOwner{ID: "skyproxy", DisplayName: "skyproxy"},
			StorageClass: "STANDARD",
		})
	}
	writeXML(w, http.StatusOK, resp)
}

func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	uploads, err := s.Orchestrator.ListMultipartUploads(r.Context(), bucket)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := listMultipartUploadsResult{Bucket: bucket}
	for _, u := range uploads {
		resp.Uploads = append(resp.Uploads, xmlUploadEntry{Key: u.Key, UploadID: u.UploadID})
	}
	writeXML(w, http.StatusOK, resp)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	start := time.Now()
	rng, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		writeProxyError(w, err)
		return
	}
	pullPolicy := s.pullPolicyFor(r)
	versionID := r.URL.Query().Get("versionId")

	res, err := s.Orchestrator.GetObject(r.Context(), bucket, key, s.ClientRegion, versionID, pullPolicy, rng)
	if err != nil {
		s.recordMetric("GetObject", key, 0, start, err)
		writeProxyError(w, err)
		return
	}
	defer res.Body.Close()

	w.Header().Set("ETag", quoteETag(res.ETag))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set("Last-Modified", res.LastModified.Format(http.TimeFormat))
	status := http.StatusOK
	if rng != nil {
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, res.Body)
	s.recordMetric("GetObject", key, res.Size, start, nil)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	start := time.Now()
	var warmupRegions []string
	if h := r.Header.Get("X-SKYSTORE-WARMUP"); h != "" {
		warmupRegions = strings.Split(h, ",")
	}

	obj, etags, err := s.Orchestrator.HeadObject(r.Context(), bucket, key, warmupRegions)
	s.recordMetric("HeadObject", key, obj.Size, start, err)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Last-Modified", obj.LastModified.Format(http.TimeFormat))
	if len(etags) > 0 {
		w.Header().Set("X-SKYSTORE-WARMUP-ETAGS", strings.Join(etags, ","))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	start := time.Now()
	obj, err := s.Orchestrator.PutObject(r.Context(), bucket, key, s.ClientRegion, r.Body, r.ContentLength)
	s.recordMetric("PutObject", key, r.ContentLength, start, err)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, dstBucket, dstKey string) {
	srcBucket, srcKey, srcVersion, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		writeProxyError(w, err)
		return
	}
	obj, err := s.Orchestrator.CopyObject(r.Context(), srcBucket, srcKey, srcVersion, dstBucket, dstKey, s.ClientRegion)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeXML(w, http.StatusOK, copyObjectResult{ETag: quoteETag(obj.ETag), LastModified: obj.LastModified.Format(timeLayout)})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	start := time.Now()
	outcomes, err := s.Orchestrator.DeleteObjects(r.Context(), bucket, []string{key})
	s.recordMetric("DeleteObject", key, 0, start, err)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	if len(outcomes) > 0 && outcomes[0].Error != "" {
		writeXMLError(w, http.StatusInternalServerError, "InternalError", outcomes[0].Error)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	var req deleteObjectsRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeXMLError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}
	outcomes, err := s.Orchestrator.DeleteObjects(r.Context(), bucket, keys)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := deleteResult{}
	for _, o := range outcomes {
		if o.Error != "" {
			resp.Errors = append(resp.Errors, xmlDeleteErr{Key: o.Key, Code: "InternalError", Message: o.Error})
			continue
		}
		resp.Deleted = append(resp.Deleted, xmlDeleted{Key: o.Key, VersionID: o.VersionID, DeleteMarker: o.DeleteMarker})
	}
	writeXML(w, http.StatusOK, resp)
}

func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	uploadID, err := s.Orchestrator.CreateMultipartUpload(r.Context(), bucket, key, s.ClientRegion)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeXML(w, http.StatusOK, initiateMultipartUploadResult{Bucket: bucket, Key: key, UploadID: uploadID})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string, q map[string][]string) {
	partNumber, err := strconv.Atoi(firstOr(q, "partNumber", "0"))
	if err != nil || partNumber < 1 {
		writeXMLError(w, http.StatusBadRequest, "InvalidArgument", "partNumber must be a positive integer")
		return
	}

	if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
		srcBucket, srcKey, _, err := parseCopySource(src)
		if err != nil {
			writeProxyError(w, err)
			return
		}
		rng, err := parseCopySourceRange(r.Header.Get("X-Amz-Copy-Source-Range"))
		if err != nil {
			writeProxyError(w, err)
			return
		}
		etag, err := s.Orchestrator.UploadPartCopy(r.Context(), bucket, key, uploadID, partNumber, srcBucket, srcKey, rng)
		if err != nil {
			writeProxyError(w, err)
			return
		}
		writeXML(w, http.StatusOK, copyObjectResult{ETag: quoteETag(etag)})
		return
	}

	etag, err := s.Orchestrator.UploadPart(r.Context(), bucket, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	var req completeMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeXMLError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	parts := make([]model.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, model.Part{PartNumber: p.PartNumber, ETag: strings.Trim(p.ETag, `"`)})
	}
	obj, err := s.Orchestrator.CompleteMultipartUpload(r.Context(), bucket, key, uploadID, parts)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeXML(w, http.StatusOK, completeMultipartUploadResult{
		Bucket: bucket, Key: key, ETag: quoteETag(obj.ETag),
		Location: fmt.Sprintf("/%s/%s", bucket, key),
	})
}

func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	if err := s.Orchestrator.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	parts, err := s.Orchestrator.ListParts(r.Context(), bucket, key, uploadID)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := listPartsResult{Bucket: bucket, Key: key, UploadID: uploadID}
	for _, p := range parts {
		resp.Parts = append(resp.Parts, xmlPart{PartNumber: p.PartNumber, ETag: quoteETag(p.ETag), Size: p.Size})
	}
	writeXML(w, http.StatusOK, resp)
}

type warmupRequest struct {
	Bucket        string   `json:"bucket"`
	Key           string   `json:"key"`
	WarmupRegions []string `json:"warmup_regions"`
}

// handleWarmupObject implements POST /_/warmup_object: synthesizes a
// HeadObject carrying warmup regions, returning 200 empty on success and
// 400 on malformed body.
func (s *Server) handleWarmupObject(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bucket == "" || req.Key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, _, err := s.Orchestrator.HeadObject(r.Context(), req.Bucket, req.Key, req.WarmupRegions); err != nil {
		writeProxyError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(v)
}

func quoteETag(etag string) string {
	if etag == "" {
		return ""
	}
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}

// parseRangeHeader parses a single-range "bytes=first-last" header into
// a *backend.Range, last inclusive per the S3 convention. Returns nil for
// an absent header.
func parseRangeHeader(h string) (*backend.Range, error) {
	if h == "" {
		return nil, nil
	}
	h = strings.TrimPrefix(h, "bytes=")
	parts := strings.SplitN(h, "-", 2)
	if len(parts) != 2 {
		return nil, errors.New(errors.ErrCodeBadRequest, "malformed Range header")
	}
	first, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errors.New(errors.ErrCodeBadRequest, "malformed Range header")
	}
	if parts[1] == "" {
		return &backend.Range{First: first, LastValid: false}, nil
	}
	last, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errors.New(errors.ErrCodeBadRequest, "malformed Range header")
	}
	return &backend.Range{First: first, Last: last, LastValid: true}, nil
}

// parseCopySourceRange parses the X-Amz-Copy-Source-Range header, which
// shares the same "bytes=first-last" shape as Range.
func parseCopySourceRange(h string) (*backend.Range, error) {
	return parseRangeHeader(h)
}

// parseCopySource splits "X-Amz-Copy-Source: /bucket/key?versionId=N" (or
// the unescaped "bucket/key" form) into bucket, key, and version id.
func parseCopySource(header string) (bucket, key, versionID string, err error) {
	src := strings.TrimPrefix(header, "/")
	parts := strings.SplitN(src, "?", 2)
	path := parts[0]
	if len(parts) == 2 {
		for _, kv := range strings.Split(parts[1], "&") {
			pair := strings.SplitN(kv, "=", 2)
			if len(pair) == 2 && pair[0] == "versionId" {
				versionID = pair[1]
			}
		}
	}
	idx := strings.Index(path, "/")
	if idx < 0 {
		return "", "", "", errors.New(errors.ErrCodeBadRequest, "malformed X-Amz-Copy-Source header")
	}
	return path[:idx], path[idx+1:], versionID, nil
}
