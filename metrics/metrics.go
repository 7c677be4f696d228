// Package metrics collects per-operation counters for the object store and
// queue facades and renders them as a report for the CLI.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Recorder is the hook the facades call after every operation.
// A nil Recorder is valid and records nothing.
type Recorder interface {
	RecordCall(op string, err error)
	RecordBytes(op string, n int64)
}

// Metrics collects counters per operation name. It is safe for concurrent use.
type Metrics struct {
	mu  sync.RWMutex
	ops map[string]*opCounters

	startTime time.Time
}

type opCounters struct {
	calls    int64
	failures int64
	bytes    int64
}

// NewMetrics creates a new Metrics instance with initialized counters
func NewMetrics() *Metrics {
	return &Metrics{
		ops:       make(map[string]*opCounters),
		startTime: time.Now(),
	}
}

func (m *Metrics) counters(op string) *opCounters {
	m.mu.RLock()
	c, ok := m.ops[op]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.ops[op]; !ok {
		c = &opCounters{}
		m.ops[op] = c
	}
	return c
}

// RecordCall counts one invocation of op and, when err is non-nil, one failure.
func (m *Metrics) RecordCall(op string, err error) {
	c := m.counters(op)
	atomic.AddInt64(&c.calls, 1)
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
	}
}

// RecordBytes adds n transferred bytes to op.
func (m *Metrics) RecordBytes(op string, n int64) {
	atomic.AddInt64(&m.counters(op).bytes, n)
}

// OpStats is the snapshot of a single operation's counters.
type OpStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	Bytes    int64 `json:"bytes,omitempty"`
}

// Report is a point-in-time snapshot of all counters.
type Report struct {
	StartTime  time.Time          `json:"startTime"`
	EndTime    time.Time          `json:"endTime"`
	Duration   time.Duration      `json:"duration"`
	Operations map[string]OpStats `json:"operations"`
}

// GenerateReport snapshots every counter.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make(map[string]OpStats, len(m.ops))
	for name, c := range m.ops {
		ops[name] = OpStats{
			Calls:    atomic.LoadInt64(&c.calls),
			Failures: atomic.LoadInt64(&c.failures),
			Bytes:    atomic.LoadInt64(&c.bytes),
		}
	}

	return Report{
		StartTime:  m.startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(m.startTime),
		Operations: ops,
	}
}

// MarshalJSON renders Duration as a string rather than nanoseconds.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable table, one operation per line in name order.
func (r Report) String() string {
	names := make([]string, 0, len(r.Operations))
	for name := range r.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Completed in %s", r.Duration)
	for _, name := range names {
		s := r.Operations[name]
		fmt.Fprintf(&b, "\n%-16s calls=%d failures=%d", name, s.Calls, s.Failures)
		if s.Bytes > 0 {
			fmt.Fprintf(&b, " bytes=%d", s.Bytes)
		}
	}
	return b.String()
}

type prefixed struct {
	next   Recorder
	prefix string
}

// WithPrefix returns a Recorder that forwards to next with prefix prepended to
// every operation name, so facades sharing one Metrics keep separate counters.
func WithPrefix(next Recorder, prefix string) Recorder {
	if next == nil {
		return nil
	}
	return prefixed{next: next, prefix: prefix}
}

func (p prefixed) RecordCall(op string, err error) { p.next.RecordCall(p.prefix+op, err) }
func (p prefixed) RecordBytes(op string, n int64)  { p.next.RecordBytes(p.prefix+op, n) }
