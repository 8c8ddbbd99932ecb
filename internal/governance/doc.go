// Package governance holds the runtime safety controls transports layer on top
// of stage calls: bounded retries with backoff, gated by stage idempotency.
//
// The orchestrator never retries. A transport that wants retries wraps its
// stage call in a RetryPolicy, which refuses to repeat stages with side
// effects (annotate, sink).
package governance
