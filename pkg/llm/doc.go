// Package llm abstracts the completion model used by the decomposition
// engine.
package llm
