package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// metricSeries accumulates one metric name and label set.
type metricSeries struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  int64             `json:"count"`
	Sum    int64             `json:"sum"`
	Max    int64             `json:"max"`
}

// metrics collects the backend's telemetry in memory for GET
// /api/v1/metrics.
type metrics struct {
	mu     sync.Mutex
	series map[string]*metricSeries
}

func newMetrics() *metrics {
	return &metrics{series: map[string]*metricSeries{}}
}

// emit has the signature of cardbase.TelemetryEmitter.
func (m *metrics) emit(_ context.Context, name string, labels map[string]string, value any) {
	var v int64
	switch n := value.(type) {
	case int64:
		v = n
	case int:
		v = int64(n)
	case float64:
		v = int64(n)
	default:
		zap.S().Debugw("ignoring metric value", "name", name, "value", value)
		return
	}

	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, val := range labels {
			copied[k] = val
		}
		s = &metricSeries{Name: name, Labels: copied}
		m.series[key] = s
	}
	s.Count++
	s.Sum += v
	s.Max = max(s.Max, v)
}

// snapshot returns the series ordered by name and labels.
func (m *metrics) snapshot() []metricSeries {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]metricSeries, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.series[k])
	}
	return out
}

func seriesKey(name string, labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// handleMetrics handles GET /api/v1/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, s.metrics.snapshot())
}
