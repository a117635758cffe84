// Package storage persists orchestration state. Three Store backends share
// one contract: FileStore writes one JSON file per entity under the data
// directory, BoltStore keeps entities in bbolt buckets, MemStore backs
// tests. The Engine wraps a Store with per-entity locking, a bounded read
// cache, change events and operation statistics.
package storage
