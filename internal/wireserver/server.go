// Package wireserver implements the S3 wire surface: an HTTP server
// translating raw HTTP into internal/orchestrator calls and back into S3
// XML/JSON responses, with tracing and auth middleware chained around a
// dispatch-by-path-shape router.
package wireserver

import (
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skystore/skyproxy/internal/metrics"
	"github.com/skystore/skyproxy/internal/orchestrator"
	"github.com/skystore/skyproxy/pkg/errors"
)

// Server answers the supported S3 operations over plain net/http,
// driving the orchestrator for every operation.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
	Log          *logrus.Logger

	AccessKeyID     string
	AccessSecretKey string

	// ClientRegion is this proxy instance's own region tag
	// (CLIENT_FROM_REGION), forwarded to locate_object/start_upload calls.
	ClientRegion string
	// PutPolicy drives the X-SKYSTORE-PULL annotation on inbound requests.
	PutPolicy string
}

// Handler builds the full middleware chain: request tracing, auth, then
// routing.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	h = s.authMiddleware(h)
	h = s.traceMiddleware(h)
	return h
}

// traceMiddleware logs each request's method, URI, status, latency, and
// body-size summary at INFO.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Log.WithFields(logrus.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"status":   sw.status,
			"latency":  time.Since(start),
			"size":     sw.size,
		}).Info("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// authMiddleware enforces HMAC-v4 auth against the single configured
// access-key/secret pair. The warmup side-channel is unsigned.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_/warmup_object" {
			next.ServeHTTP(w, r)
			return
		}
		if err := verifySigV4(r, s.AccessKeyID, s.AccessSecretKey); err != nil {
			writeXMLError(w, http.StatusForbidden, "SignatureDoesNotMatch", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// route dispatches by method + path shape + query parameters:
// bucket-only paths go to bucket operations,
// bucket+key paths go to object operations, and a handful of query
// parameters (?uploads, ?uploadId=, ?partNumber, ?versioning) select
// among several operations that share the same path shape.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_/warmup_object" && r.Method == http.MethodPost {
		s.handleWarmupObject(w, r)
		return
	}

	bucket, key, hasKey := splitPath(r.URL.Path)
	if bucket == "" {
		if r.Method == http.MethodGet {
			s.handleListBuckets(w, r)
			return
		}
		writeXMLError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "bucket name required")
		return
	}

	q := r.URL.Query()

	if !hasKey {
		s.routeBucket(w, r, bucket, q)
		return
	}
	s.routeObject(w, r, bucket, key, q)
}

func (s *Server) routeBucket(w http.ResponseWriter, r *http.Request, bucket string, q map[string][]string) {
	_, isVersioning := q["versioning"]
	_, isUploads := q["uploads"]

	switch {
	case isVersioning && r.Method == http.MethodPut:
		s.handlePutBucketVersioning(w, r, bucket)
	case isUploads && r.Method == http.MethodGet:
		s.handleListMultipartUploads(w, r, bucket)
	case r.Method == http.MethodPut:
		s.handleCreateBucket(w, r, bucket)
	case r.Method == http.MethodDelete:
		s.handleDeleteBucket(w, r, bucket)
	case r.Method == http.MethodHead:
		s.handleHeadBucket(w, r, bucket)
	case r.Method == http.MethodPost:
		s.handleDeleteObjects(w, r, bucket)
	case r.Method == http.MethodGet:
		s.handleListObjects(w, r, bucket, q)
	default:
		writeXMLError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported bucket operation")
	}
}

func (s *Server) routeObject(w http.ResponseWriter, r *http.Request, bucket, key string, q map[string][]string) {
	uploadID := firstOr(q, "uploadId", "")
	_, isUploads := q["uploads"]
	_, isPartNumber := q["partNumber"]

	switch {
	case isUploads && r.Method == http.MethodPost:
		s.handleCreateMultipartUpload(w, r, bucket, key)
	case uploadID != "" && isPartNumber && r.Method == http.MethodPut:
		s.handleUploadPart(w, r, bucket, key, uploadID, q)
	case uploadID != "" && r.Method == http.MethodPost:
		s.handleCompleteMultipartUpload(w, r, bucket, key, uploadID)
	case uploadID != "" && r.Method == http.MethodDelete:
		s.handleAbortMultipartUpload(w, r, bucket, key, uploadID)
	case uploadID != "" && r.Method == http.MethodGet:
		s.handleListParts(w, r, bucket, key, uploadID)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		s.handleCopyObject(w, r, bucket, key)
	case r.Method == http.MethodPut:
		s.handlePutObject(w, r, bucket, key)
	case r.Method == http.MethodGet:
		s.handleGetObject(w, r, bucket, key)
	case r.Method == http.MethodHead:
		s.handleHeadObject(w, r, bucket, key)
	case r.Method == http.MethodDelete:
		s.handleDeleteObject(w, r, bucket, key)
	default:
		writeXMLError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported object operation")
	}
}

// splitPath separates "/bucket/key/with/slashes" into bucket and key.
func splitPath(path string) (bucket, key string, hasKey bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return trimmed, "", false
	}
	return trimmed[:idx], trimmed[idx+1:], true
}

func firstOr(q map[string][]string, key, fallback string) string {
	if vals, ok := q[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

// pullPolicyFor resolves the X-SKYSTORE-PULL value to forward downstream:
// the inbound header if present, else the configured PUT policy when it
// belongs to the pull family.
func (s *Server) pullPolicyFor(r *http.Request) string {
	if h := r.Header.Get("X-SKYSTORE-PULL"); h != "" {
		return h
	}
	if orchestrator.IsPullPolicy(s.PutPolicy) {
		return s.PutPolicy
	}
	return ""
}

// recordMetric appends one metrics.json record for a completed
// operation. Metrics is optional; nil is a no-op so tests that don't
// care about observability can omit it.
func (s *Server) recordMetric(op, key string, size int64, start time.Time, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordRequest(op, key, size, s.ClientRegion, s.ClientRegion, time.Since(start), "", err)
}

func writeXMLError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(xmlError{Code: code, Message: message})
}

// writeProxyError maps a *errors.ProxyError (or any error) to the right
// HTTP status and S3 error code.
func writeProxyError(w http.ResponseWriter, err error) {
	if pe, ok := err.(*errors.ProxyError); ok {
		writeXMLError(w, pe.HTTPStatus, pe.S3Code(), pe.Message)
		return
	}
	writeXMLError(w, http.StatusInternalServerError, "InternalError", err.Error())
}
