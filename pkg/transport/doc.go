// Package transport exposes the system to agents over HTTP, WebSocket,
// SSE and stdio. The manager owns the configured surfaces, starts and
// stops them as a unit, and routes outbound task delivery by the
// receiving agent's transport type.
package transport
