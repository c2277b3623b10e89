// Package rpc is the communication layer of sealfs. Storage nodes, clients
// and the cluster manager exchange typed operations over plain stream
// sockets with a small binary frame protocol.
//
// The package is organized into several subpackages:
//
//   - common: Operation registry, configuration structures, error taxonomy
//     and logging setup shared by all other packages.
//
//   - codec: Byte layout of request and response frames.
//
//   - transport: Connector abstractions with TCP and Unix socket
//     implementations.
//
//   - client: Multiplexed connections and the connection pool behind
//     CallRemote.
//
//   - server: Accept loop, dispatch to a Handler and the bundled manager and
//     file handlers.
//
//   - heartbeat: Periodic liveness announcements of a storage node to the
//     manager.
//
//   - serializer: Payload encodings of the manager operations.
package rpc
