package cardbase

import "context"

// TelemetryEmitter receives the backend's metrics: query stage latencies in
// milliseconds, returned row counts and view refresh failures. Values are
// int64. It is called on the query path and must not block.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)
