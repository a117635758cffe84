/*
Package events provides the internal event broker connecting Foreman
components.

Storage emits one event per committed mutation; the orchestrator, agent
sweeper and security gatekeeper publish lifecycle and backpressure events.
Delivery to subscribers is buffered and best-effort: a subscriber whose
buffer is full misses events rather than blocking the publisher.
*/
package events
