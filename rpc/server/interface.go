package server

import "context"

// Response is the result of a dispatched request. Status 0 signals success,
// any other value is an application defined error code that is passed to
// the caller verbatim.
type Response struct {
	Status   int32
	Flags    uint32
	Metadata []byte
	Data     []byte
}

// Handler maps one decoded request to one response. A server has exactly
// one handler; services are multiplexed by operation type inside it.
//
// Dispatch is called concurrently from all connections of a server and must
// synchronize its own state. The request slices stay valid after Dispatch
// returns and may be retained. Operation types a handler does not implement
// must fail with an error wrapping common.ErrUnsupportedOperation.
//
// A returned error is answered with common.StatusFromError(err), or closes
// the connection if the server is configured with CloseOnHandlerError.
type Handler interface {
	Dispatch(ctx context.Context, operationType, flags uint32, path, data, metadata []byte) (Response, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface
type HandlerFunc func(ctx context.Context, operationType, flags uint32, path, data, metadata []byte) (Response, error)

// Dispatch calls f
func (f HandlerFunc) Dispatch(ctx context.Context, operationType, flags uint32, path, data, metadata []byte) (Response, error) {
	return f(ctx, operationType, flags, path, data, metadata)
}
