// Package transport defines how sealfs peers obtain byte streams. The frame
// protocol itself lives in the codec package and is independent of the
// socket type underneath it.
//
// Key Components:
//
//   - IClientConnector: Dials a single connection to an endpoint and applies
//     socket options to it. Used by the client pool.
//
//   - IServerConnector: Creates the listener of a server and applies socket
//     options to every accepted connection.
//
// Implementations live in the sub packages tcp and unix.
package transport
