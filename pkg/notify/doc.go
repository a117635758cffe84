// Package notify fans orchestration notifications out to connected client
// sessions. Each session owns a bounded write queue drained by one
// goroutine, so frames never interleave and a slow or dead client cannot
// block the rest.
package notify
