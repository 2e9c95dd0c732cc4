// Package metrics is the backend-neutral metrics facade used by the pipeline.
// Code records through the helpers below; cmd/prep picks the backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends translate them to their own naming scheme.
const (
	StepTotal           = "prep_step_total"
	StepDurationSeconds = "prep_step_duration_seconds"
	RecordsTotal        = "prep_records_total"
	ValuesClippedTotal  = "prep_values_clipped_total"
	BatchesTotal        = "prep_export_batches_total"

	HTTPRequestsTotal           = "prep_http_requests_total"
	HTTPErrorsTotal             = "prep_http_errors_total"
	HTTPRequestDurationSeconds  = "prep_http_request_duration_seconds"
	HTTPResponseDurationSeconds = "prep_http_response_duration_seconds"
	HTTPDownloadBytes           = "prep_http_download_bytes"
)

type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

type flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the backend if it buffers.
func Flush() error {
	if f, ok := current().(flusher); ok {
		return f.Flush()
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStep counts one pipeline step and its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	b := current()
	l := Labels{"job": job, "step": step, "status": status(err)}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records of a kind ("frequency", "train", "exported", ...).
func RecordRecords(job, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordBatch counts one export batch.
func RecordBatch(job string) {
	current().IncCounter(BatchesTotal, 1, Labels{"job": job})
}

// RecordClipped counts values replaced by the lower and upper bound of column.
func RecordClipped(job, column string, low, high int) {
	b := current()
	if low > 0 {
		b.IncCounter(ValuesClippedTotal, float64(low), Labels{"job": job, "column": column, "side": "low"})
	}
	if high > 0 {
		b.IncCounter(ValuesClippedTotal, float64(high), Labels{"job": job, "column": column, "side": "high"})
	}
}

// RecordHTTP records one HTTP download. status 0 means no response.
func RecordHTTP(job string, statusCode int, err error, requestDur, responseDur time.Duration, downloadBytes int64) {
	b := current()
	st := "none"
	if statusCode > 0 {
		st = strconv.Itoa(statusCode)
	}
	l := Labels{"job": job, "status": st}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || statusCode >= 400 || statusCode == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestDurationSeconds, requestDur.Seconds(), l)
	if responseDur > 0 {
		b.ObserveHistogram(HTTPResponseDurationSeconds, responseDur.Seconds(), l)
	}
	if downloadBytes > 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(downloadBytes), l)
	}
}
