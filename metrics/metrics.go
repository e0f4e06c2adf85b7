// Package metrics provides a minimal instrumentation interface with a no-op
// default and a Prometheus-backed implementation.
package metrics

import (
	"sync"
	"time"
)

// Recorder defines the metrics surface used by executors and caches.
type Recorder interface {
	IncCacheHit(namespace string)
	IncCacheMiss(namespace string)
	IncPrepare(strategy string)
	ObserveBatchFlush(entries int, success bool)
	ObserveStatement(kind string, success bool, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) IncCacheHit(string)                     {}
func (noopRecorder) IncCacheMiss(string)                    {}
func (noopRecorder) IncPrepare(string)                      {}
func (noopRecorder) ObserveBatchFlush(int, bool)            {}
func (noopRecorder) ObserveStatement(string, bool, float64) {}

var (
	recMu    sync.RWMutex
	recorder Recorder = noopRecorder{}
)

// Noop returns a recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

// Default returns the process-wide recorder.
func Default() Recorder {
	recMu.RLock()
	defer recMu.RUnlock()
	return recorder
}

// SetDefault swaps the process-wide recorder. A nil r restores the no-op.
func SetDefault(r Recorder) {
	recMu.Lock()
	defer recMu.Unlock()
	if r == nil {
		r = noopRecorder{}
	}
	recorder = r
}

// OrDefault returns r, or the process-wide recorder when r is nil.
func OrDefault(r Recorder) Recorder {
	if r == nil {
		return Default()
	}
	return r
}

// TimeStatement is a helper to time statement executions.
func TimeStatement(r Recorder, kind string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		r.ObserveStatement(kind, success, time.Since(start).Seconds())
	}
}
