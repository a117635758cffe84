// Package decompose is the decomposition engine: it judges task atomicity,
// splits coarse tasks into atomic children with a completion model, infers
// ordering dependencies, validates candidate batches and materialises the
// per-project execution plan. Model output is never trusted; everything is
// validated (and retried once) before it reaches storage.
package decompose
