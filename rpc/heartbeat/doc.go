// Package heartbeat implements the liveness reporting of a storage node.
//
// A Reporter announces the node's address, role flags and lease lifetime to
// the manager's SendHeart operation on a fixed interval. Failed rounds are
// retried with exponential backoff and logged; the reporter only gives up
// after a configurable number of consecutive failed rounds and leaves the
// decision of what to do then to its caller.
//
// Usage:
//
//	c := client.New(common.ClientConfig{TimeoutSecond: 5}, tcp.NewClientConnector())
//	r := heartbeat.NewReporter(c, common.HeartbeatConfig{
//		ManagerAddress: "10.0.0.1:8081",
//		ServerAddress:  "10.0.0.2:8085",
//		Lifetime:       "30s",
//	}, serializer.NewMsgpackSerializer())
//
//	if err := r.Run(ctx); err != nil {
//		// the manager was unreachable for too long
//	}
package heartbeat
