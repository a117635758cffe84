// Package metrics declares the Prometheus collectors exported by the
// orchestrator and the HTTP handler that serves them.
package metrics
