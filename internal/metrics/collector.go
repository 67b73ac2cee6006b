// Package metrics provides a JSON-lines metrics.json writer plus
// Prometheus counters/histograms for the S3 operations the orchestrator
// drives.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected and where the JSON-lines
// log is written.
type Config struct {
	Enabled      bool
	Namespace    string
	MetricsPath  string // path to metrics.json; empty disables the JSON-lines writer
	PrometheusPort int
}

// DefaultConfig enables collection and the metrics.json writer.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Namespace:   "skyproxy",
		MetricsPath: "metrics.json",
	}
}

// Record is one JSON-lines entry written to metrics.json: one record per
// LIST/HEAD/GET/PUT/DELETE operation.
type Record struct {
	Latency           string  `json:"latency"` // csv of phase timings, e.g. "directory=1.2ms,backend=30.4ms"
	Key               string  `json:"key"`
	Size              int64   `json:"size"`
	Op                string  `json:"op"`
	RequestRegion     string  `json:"request_region"`
	DestinationRegion string  `json:"destination_region"`
	Timestamp         float64 `json:"timestamp"`
}

// PhaseTimer accumulates named phase durations for one request, rendered
// as the metrics record's comma-separated latency field.
type PhaseTimer struct {
	mu     sync.Mutex
	phases []string
}

// NewPhaseTimer starts a fresh timer with no phases recorded.
func NewPhaseTimer() *PhaseTimer { return &PhaseTimer{} }

// Track times fn under the given phase name and records its duration.
func (p *PhaseTimer) Track(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.mu.Lock()
	p.phases = append(p.phases, fmt.Sprintf("%s=%s", phase, time.Since(start)))
	p.mu.Unlock()
	return err
}

// CSV renders the recorded phases as a comma-separated string.
func (p *PhaseTimer) CSV() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.phases, ",")
}

// Collector owns the Prometheus registry and the metrics.json writer.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	errorCounter    *prometheus.CounterVec

	mu     sync.Mutex
	file   io.WriteCloser
	server *http.Server
}

// New builds a Collector. If config is nil, DefaultConfig is used. If
// config.Enabled is false the returned Collector's methods are no-ops.
func New(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "requests_total",
		Help:      "Total S3 operations handled by the proxy.",
	}, []string{"op", "status", "destination_region"})
	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "request_duration_seconds",
		Help:      "S3 operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	c.requestSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "request_size_bytes",
		Help:      "Object body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"op"})
	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "errors_total",
		Help:      "Errors encountered per operation.",
	}, []string{"op", "code"})

	for _, coll := range []prometheus.Collector{c.requestCounter, c.requestDuration, c.requestSize, c.errorCounter} {
		if err := c.registry.Register(coll); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	if config.MetricsPath != "" {
		f, err := os.OpenFile(config.MetricsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening metrics file: %w", err)
		}
		c.file = f
	}

	return c, nil
}

// Handler returns the promhttp handler for the Prometheus registry, for
// mounting on the wire-surface server's /metrics path. Returns nil if
// metrics are disabled.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled || c.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed S3 operation: updates the
// Prometheus counters/histograms and appends a JSON-lines record to
// metrics.json.
func (c *Collector) RecordRequest(op, key string, size int64, requestRegion, destinationRegion string, duration time.Duration, latencyCSV string, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.requestCounter.With(prometheus.Labels{"op": op, "status": status, "destination_region": destinationRegion}).Inc()
	c.requestDuration.With(prometheus.Labels{"op": op}).Observe(duration.Seconds())
	if size > 0 {
		c.requestSize.With(prometheus.Labels{"op": op}).Observe(float64(size))
	}
	if err != nil {
		c.errorCounter.With(prometheus.Labels{"op": op, "code": errorCode(err)}).Inc()
	}

	c.writeRecord(Record{
		Latency:           latencyCSV,
		Key:               key,
		Size:              size,
		Op:                op,
		RequestRegion:     requestRegion,
		DestinationRegion: destinationRegion,
		Timestamp:         float64(time.Now().UnixNano()) / 1e9,
	})
}

func (c *Collector) writeRecord(r Record) {
	if c.file == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := json.Marshal(r)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = c.file.Write(line)
}

// Close flushes and closes the metrics.json file handle.
func (c *Collector) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// errorCode extracts a stable code string from err for the Prometheus
// error-counter label, falling back to a generic bucket for untyped
// errors.
func errorCode(err error) string {
	type coded interface{ S3Code() string }
	if ce, ok := err.(coded); ok {
		return ce.S3Code()
	}
	return "unknown"
}
