// Package jobs tracks long-running invocations so clients can poll for
// progress and results. Atomic task executions reuse the task ID as the job
// ID; poll pressure is shed with a per-job backoff.
package jobs
