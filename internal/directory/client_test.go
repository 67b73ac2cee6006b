package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(mux)
	return New(srv.URL), srv.Close
}

func TestHealthzSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	if err := c.Healthz(context.Background()); err != nil {
		t.Fatalf("Healthz: %v", err)
	}
}

func TestLocateObjectNotFoundMapsToNoSuchKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/locate_object", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	_, _, err := c.LocateObject(context.Background(), "bucket", "key", "us-east-1", "", "")
	if !errors.IsNoSuchKey(err) {
		t.Fatalf("expected NoSuchKey, got %v", err)
	}
}

func TestLocateObjectDecodesLocatorAndObject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/locate_object", func(w http.ResponseWriter, r *http.Request) {
		var req locateObjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Bucket != "bucket" || req.Key != "key" || req.ClientRegion != "us-east-1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"locator": Locator{
				LocatorID: "loc-1", RegionTag: "aws:us-east-1", Provider: "aws", Region: "us-east-1",
				PhysicalBucket: "scratch", PhysicalKey: "k1", TTLSeconds: 3600,
			},
			"etag":          "etag-1",
			"size":          123,
			"last_modified": time.Unix(1700000000, 0).UTC().Format(time.RFC3339),
			"version_id":    "5",
		})
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	loc, obj, err := c.LocateObject(context.Background(), "bucket", "key", "us-east-1", "", "")
	if err != nil {
		t.Fatalf("LocateObject: %v", err)
	}
	if loc.LocatorID != "loc-1" || loc.RegionTag != "aws:us-east-1" || loc.TTL != time.Hour {
		t.Errorf("unexpected locator: %+v", loc)
	}
	if obj.ETag != "etag-1" || obj.Size != 123 || obj.VersionID != "5" {
		t.Errorf("unexpected object: %+v", obj)
	}
}

func TestStartUploadIdempotentShortCircuit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start_upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"locators":      []Locator{},
			"existing_etag": "already-there",
		})
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	res, err := c.StartUpload(context.Background(), "bucket", "key", "us-east-1", "", false, "", "", time.Hour, "")
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if len(res.Locators) != 0 {
		t.Fatalf("expected no locators, got %d", len(res.Locators))
	}
	if res.ExistingETag != "already-there" {
		t.Errorf("ExistingETag = %q, want already-there", res.ExistingETag)
	}
}

func TestDoSurfacesServerErrorAsConnectionFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	err := c.Healthz(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	pe, ok := err.(*errors.ProxyError)
	if !ok {
		t.Fatalf("err = %T, want *errors.ProxyError", err)
	}
	if pe.Code != errors.ErrCodeConnectionFailed {
		t.Errorf("code = %v, want ErrCodeConnectionFailed", pe.Code)
	}
}

func TestContinueUploadDecodesPartsByLocator(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/continue_upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"locators": []Locator{
				{LocatorID: "loc-a", RegionTag: "aws:us-east-1", PhysicalBucket: "scratch", PhysicalKey: "k", PhysicalUploadID: "up-1"},
			},
			"parts": map[string]interface{}{
				"loc-a": []map[string]interface{}{
					{"part_number": 1, "etag": "e1", "size": 10},
					{"part_number": 2, "etag": "e2", "size": 20},
				},
			},
		})
	})
	c, cleanup := newTestClient(t, mux)
	defer cleanup()

	res, err := c.ContinueUpload(context.Background(), "bucket", "key", "upload-1", true)
	if err != nil {
		t.Fatalf("ContinueUpload: %v", err)
	}
	parts := res.Parts["loc-a"]
	if len(parts) != 2 {
		t.Fatalf("parts len = %d, want 2", len(parts))
	}
	if parts[0] != (model.Part{PartNumber: 1, ETag: "e1", Size: 10}) {
		t.Errorf("parts[0] = %+v", parts[0])
	}
}
