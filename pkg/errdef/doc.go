/*
Package errdef provides the tagged error taxonomy used across Foreman.

All fallible operations return an *Error carrying a Kind (validation,
not_found, conflict, rate_limited, ...) and a correlation ID. Callers branch
on kinds via KindOf or errors.Is; messages are for humans and logs only.
*/
package errdef
