// Package server exposes the pipeline over HTTP: a stage server hosting one
// stage per process and a DAG engine server hosting the whole graph behind a
// single endpoint. Both are instrumented with OpenTelemetry and Prometheus.
package server
