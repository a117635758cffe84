/*
Package log provides structured logging for Foreman built on zerolog.

Init configures the global logger once at startup; components derive child
loggers via WithComponent and the ID helpers so every line carries its
origin and, where available, the correlation ID of the request it serves.
*/
package log
