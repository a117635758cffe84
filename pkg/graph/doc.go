/*
Package graph implements the task dependency DAG: cycle-safe edge insertion,
deterministic topological ordering, and parallel execution batches.

AddEdge refuses any edge that would close a cycle, so a DAG built through the
public API is acyclic by construction.
*/
package graph
