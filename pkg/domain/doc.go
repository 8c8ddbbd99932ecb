// Package domain defines the core types of the frame pipeline: frame envelopes,
// the per-stage request and response shapes, the pipeline run record, and the
// error taxonomy shared by stages, transports and the orchestrator.
//
// This package has no dependencies outside the Go standard library. Every other
// package (codec, engine, transport, stages, server) depends on it, never the
// other way around:
//
//	Transport / Server → Engine → Domain (CORRECT)
//	Domain → Engine (FORBIDDEN)
//
// The graph itself is fixed:
//
//	filter (gate) → detect → { annotate, sink }
//
// annotate and sink consume the same detection and run concurrently.
package domain
