// Package security provides the defensive layer shared by storage and
// transport: path validation against an allow-list, reentrant TTL locks for
// named resources, input sanitation, bearer-token authentication with a
// role-capability matrix, and an append-only audit log with failure-cluster
// detection.
package security
