// Package store defines the interface for the server-side in-memory
// key-value state. The memstore subpackage provides the canonical
// mutex-guarded map implementation used by the rKV server.
package store
