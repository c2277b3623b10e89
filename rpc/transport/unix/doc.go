// Package unix implements Unix domain socket connectors for the sealfs RPC
// layer. They are meant for peers on the same host, e.g. a client and the
// storage node it mounts.
package unix
