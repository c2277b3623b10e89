// Package cmd implements the command-line interface of sealfs. It provides
// commands for running a storage node or the cluster manager and for talking
// to either of them as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a storage node, optionally reporting heartbeats to a manager
//   - manager: Starts the cluster manager that tracks node leases
//   - rpc: Client commands (call, status, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable SEALFS_<FLAG>
// (e.g. SEALFS_LOG_LEVEL=debug), a .env file or a config file.
//
// See sealfs -help for a list of all commands.
package cmd
