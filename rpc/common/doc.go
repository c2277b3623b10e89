// Package common provides core data structures and utilities shared across
// the sealfs RPC layer. It defines the operation registry, configuration
// structures, the error taxonomy and the logging setup used by other packages.
//
// Key Components:
//
//   - OperationType: Shared enumeration of operation codes agreed upon by
//     clients, storage nodes and the manager. The transport treats the codes
//     as opaque values, only handlers interpret them.
//
//   - HeartbeatRequest / ClusterStatus: Payloads of the manager operations.
//
//   - ServerConfig / ClientConfig / HeartbeatConfig: Configuration for the
//     server, the client and the heartbeat reporter, each with a String()
//     method for startup logging.
//
//   - Errors: Sentinel errors for framing, connection, buffer and handler
//     failures (test with errors.Is), plus the status codes of the bundled
//     handlers.
//
//   - Logger: Custom logging implementation plugged into dragonboat's logger
//     package, so every package obtains its logger with logger.GetLogger.
package common
