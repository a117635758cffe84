// Package orchestrator matches atomic tasks to registered agents and
// supervises their execution: selection strategies, the dispatch pipeline,
// cancellation, workload balancing and completion prediction.
package orchestrator
