// Package client implements the calling side of the sealfs RPC layer.
//
// The package focuses on:
//   - Sharing one connection per remote address between any number of
//     concurrent callers
//   - Reading response payloads directly into caller owned buffers
//   - Self healing: a failed connection is evicted from the pool and the next
//     call to the same address dials again
//
// Key Components:
//
//   - Connection: One multiplexed stream. Requests carry a call id, a single
//     reader goroutine routes each response to its caller and fills the
//     caller's buffers.
//
//   - Client: Pool of connections keyed by address with the CallRemote and
//     Invoke entry points.
//
//   - Call / Result: Description of one invocation and its outcome. A nonzero
//     status is an application error that the client passes through
//     untouched, Result.Err converts it into a Go error.
//
// Usage Example:
//
//	c := client.New(common.ClientConfig{TimeoutSecond: 5}, tcp.NewClientConnector())
//	defer c.Close()
//
//	buf := make([]byte, 4096)
//	res, err := c.CallRemote(ctx, "10.0.0.2:9000", &client.Call{
//	  OperationType: uint32(common.OpReadFile),
//	  Path:          []byte("/data/file"),
//	  Metadata:      common.PutUint64s(0, 4096),
//	  DataBuf:       buf,
//	})
//	if err != nil {
//	  return err // connection, framing or buffer error
//	}
//	if err := res.Err(); err != nil {
//	  return err // status returned by the handler
//	}
//	content := res.Data // prefix of buf
//
// Errors:
//
//	Failures wrap the sentinels of the common package: ErrConnection,
//	ErrFraming, ErrBufferTooSmall, ErrLengthOverflow and ErrConnectionClosed.
//	A call whose context expires returns the context error.
//
// Thread Safety:
//
//	Client and Connection are safe for concurrent use. The buffers of a Call
//	must not be touched by the caller until CallRemote returns.
package client
