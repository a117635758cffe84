/*
Package types defines the core data model shared by all Foreman components:
projects, epics, atomic tasks, dependencies, agents, assignments, jobs, and
the wire shapes exchanged with worker agents.

Entities reference each other by ID only. Cross-references are resolved
through the storage engine and registries so that no in-memory object graph
outlives either party.
*/
package types
