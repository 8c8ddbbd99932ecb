// Package transport provides the three ways a run reaches its stages:
//
//   - Direct calls in-process stage implementations with no serialization.
//   - HTTP posts one JSON request per stage to a stage server (per-hop).
//   - Delegated posts the frame pair once to a DAG engine and parses its run report.
//
// Direct and HTTP implement runtime.StageInvoker and are driven by the
// orchestrator in pkg/engine. Delegated implements runtime.Runner directly.
// Retries happen here, never in the orchestrator, and only for idempotent stages.
package transport
