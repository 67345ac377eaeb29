package internal

import (
	"context"
	"sync"
	"time"

	"github.com/lychee-technology/cardbase"
)

// Telemetry hooks for the query path. The default emitter does nothing;
// services that export metrics register their own with
// RegisterTelemetryEmitter.

type telemetryEmitter = cardbase.TelemetryEmitter

const (
	metricQueryLatency  = "cardbase_query_latency_ms"
	metricQueryRows     = "cardbase_query_row_count"
	metricRefreshFailed = "cardbase_view_refresh_failures"
)

// Query stages and row sources reported through the emitter.
const (
	stageCompile     = "compile"
	stageExecute     = "execute"
	stagePointLookup = "point_lookup"
	stageHydrate     = "hydrate"

	sourceSQL    = "sql"
	sourceLookup = "lookup"
)

var (
	teleMu   sync.Mutex
	teleImpl telemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterTelemetryEmitter installs fn as the metrics sink. A nil fn
// restores the no-op emitter.
func RegisterTelemetryEmitter(fn telemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emitter() telemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

// EmitLatency records the time spent in a query stage since start, in
// milliseconds.
func EmitLatency(ctx context.Context, stage string, start time.Time) {
	emitter()(ctx, metricQueryLatency, map[string]string{"stage": stage}, time.Since(start).Milliseconds())
}

// EmitRowCount records how many cards a query returned and where they came
// from.
func EmitRowCount(ctx context.Context, source string, rows int) {
	emitter()(ctx, metricQueryRows, map[string]string{"source": source}, int64(rows))
}

// EmitRefreshFailure counts a failed materialized view refresh.
func EmitRefreshFailure(ctx context.Context, view string) {
	emitter()(ctx, metricRefreshFailed, map[string]string{"view": view}, int64(1))
}
