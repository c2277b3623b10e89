// Package tcp implements TCP connectors for the sealfs RPC layer.
//
// Accepted and dialed connections are tuned with the options of
// common.TCPConf and common.SocketConf (no delay, keep alive, linger and
// socket buffer sizes).
package tcp
