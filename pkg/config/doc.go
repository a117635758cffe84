/*
Package config loads and validates Foreman configuration.

Configuration is a YAML file merged over built-in defaults; every option has
a working default so the daemon can start with no file at all. Validation
rejects impossible combinations (shared ports, unknown strategies, inverted
poll intervals) before any component is constructed.
*/
package config
