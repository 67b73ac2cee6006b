package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skystore/skyproxy/pkg/errors"
)

func TestRecordRequestWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")

	c, err := New(&Config{Enabled: true, Namespace: "skyproxy_test", MetricsPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.RecordRequest("GetObject", "k1", 1024, "aws:us-east-1", "aws:us-east-1", 5*time.Millisecond, "directory=1ms,backend=4ms", nil)
	c.RecordRequest("PutObject", "k2", 2048, "aws:us-east-1", "gcs:us-central1", 10*time.Millisecond, "directory=2ms,backend=8ms", errors.New(errors.ErrCodeInternalError, "boom"))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening metrics file: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Op != "GetObject" || records[0].Key != "k1" || records[0].Size != 1024 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].DestinationRegion != "gcs:us-central1" {
		t.Errorf("unexpected destination region: %+v", records[1])
	}
}

func TestRecordRequestDisabledIsNoop(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RecordRequest("GetObject", "k1", 1024, "aws:us-east-1", "aws:us-east-1", time.Millisecond, "", nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHandlerNilWhenDisabled(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h := c.Handler(); h != nil {
		t.Error("expected nil handler when disabled")
	}
}

func TestPhaseTimerCSV(t *testing.T) {
	pt := NewPhaseTimer()
	if err := pt.Track("directory", func() error { return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := pt.Track("backend", func() error { return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	csv := pt.CSV()
	if csv == "" {
		t.Fatal("expected non-empty CSV")
	}
}

func TestErrorCodeFromProxyError(t *testing.T) {
	err := errors.New(errors.ErrCodeNoSuchKey, "missing")
	if got := errorCode(err); got != "NoSuchKey" {
		t.Errorf("errorCode() = %q", got)
	}
}
