// Package rpc contains the request/response engine between rKV clients
// and the memory server. It is organized into several subpackages:
//
//   - common: the wire protocol (fixed-layout header, magic number,
//     payload checksum, transport tags) and logging setup.
//
//   - transport: the tagged-messaging engine with its worker progress
//     model, endpoints, and listener.
//
//   - manager: the process-singleton transport manager owning the
//     transport context, progress loop, endpoint registry, and
//     pending-operation tables.
//
//   - client: the asynchronous request pipeline translating reads and
//     writes into send/receive pairs resolved by response arrival.
//
//   - server: the dispatch consuming incoming requests, mutating the
//     store, and emitting responses.
package rpc
