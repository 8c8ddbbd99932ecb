// Package engine runs the frame pipeline graph.
//
// Architecture:
//
// orchestrator.go - Run state machine: filter gate, detect, annotate/sink fan-out and join
// edges.go        - Edge adapters turning one stage's response into the next stage's request
// recorder.go     - Latency recorder for stage and run timings
// stream.go       - Frame-stream driver with baseline handoff over a FrameSource
//
// The orchestrator only talks to a runtime.StageInvoker, so the same state
// machine serves in-process stages and per-hop HTTP stages. Delegated runs use
// a runtime.Runner that reports the same domain.Run shape.
package engine
