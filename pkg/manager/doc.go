// Package manager wires the whole system together: storage, security,
// agents, jobs, decomposition, orchestration, response processing and the
// transport layer, supervised under one Start/Stop lifecycle.
package manager
