// Package common holds the wire protocol and utilities shared across the
// rpc subsystem: the fixed-layout message header with its magic number and
// rolling payload checksum, the transport tag constants that partition
// request and response traffic, frame encode/decode with integrity
// validation, and the logging setup.
package common
