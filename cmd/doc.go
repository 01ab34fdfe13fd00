// Package cmd implements the rkv command line interface: serve (start a
// memory server), kv (issue reads and writes against a server), and
// version. Configuration flows through cobra flags with RKV_-prefixed
// environment variable fallback.
package cmd
