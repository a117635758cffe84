// Package agent tracks the worker agents available to execute tasks: their
// registration, capabilities, bounded work queues, running performance
// record and liveness. A sweeper reclaims work from agents whose heartbeats
// lapse.
package agent
