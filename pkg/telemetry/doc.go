// Package telemetry wires OpenTelemetry tracing and metrics for framepipe.
//
// It centralises trace provider setup and offers the instruments the
// orchestrator records per stage and per run, so operators can see where the
// latency of a run goes and which stage failed.
package telemetry
