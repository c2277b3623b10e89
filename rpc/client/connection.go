package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dinoallo/sealfs/rpc/codec"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Pending calls
// -----------------------------------------------------------

// States of a pending call. Exactly one of the reader, the waiting caller or
// the failing connection moves a call out of callPending, and only that
// party may touch the caller's buffers or deliver a result.
const (
	callPending int32 = iota
	callClaimed
	callAbandoned
)

// callResult is delivered exactly once to the waiting caller
type callResult struct {
	result Result
	err    error
}

// pendingCall is the wait slot of one in-flight call
type pendingCall struct {
	state       atomic.Int32
	metadataBuf []byte
	dataBuf     []byte
	allocate    bool // size the output buffers from the response header
	resultCh    chan callResult
}

func (p *pendingCall) finish(result Result, err error) {
	p.resultCh <- callResult{result: result, err: err}
}

// -----------------------------------------------------------
// Connection
// -----------------------------------------------------------

// Connection is one multiplexed stream to a remote address. Any number of
// goroutines may issue calls concurrently. Every request carries a call id,
// a single reader goroutine routes the responses back to their callers.
//
// The first I/O or framing error invalidates the connection. All pending
// calls then fail and the connection reports itself to its owner through the
// onClose callback.
type Connection struct {
	address    string
	conn       net.Conn
	maxSegment uint32

	writeMu    sync.Mutex // Serializes frame writes
	nextCallID atomic.Uint64
	pending    *xsync.MapOf[uint64, *pendingCall]

	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	err        error         // Cause of the failure, set before done is closed
	done       chan struct{} // Closed when the connection is invalidated
	readerDone chan struct{}
	onClose    func(*Connection)
}

// Dial opens a connection to address using connector and starts its reader.
// onClose is called once after the connection has been invalidated, it may
// be nil.
func Dial(ctx context.Context, connector transport.IClientConnector, address string, config common.ClientConfig, onClose func(*Connection)) (*Connection, error) {
	conn, err := connector.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", common.ErrConnection, address, err)
	}

	if err := connector.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to upgrade connection to %s: %w", common.ErrConnection, address, err)
	}

	c := &Connection{
		address:    address,
		conn:       conn,
		maxSegment: config.EffectiveMaxSegmentSize(),
		pending:    xsync.NewMapOf[uint64, *pendingCall](),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		onClose:    onClose,
	}
	go c.readResponses()

	Logger.Debugf("Connected to %s using %s transport", address, connector.GetName())
	return c, nil
}

// Address returns the remote address of the connection
func (c *Connection) Address() string {
	return c.address
}

// IsClosed reports whether the connection has been invalidated
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close invalidates the connection, fails all pending calls and waits for
// the reader goroutine to exit.
func (c *Connection) Close() error {
	c.fail(common.ErrConnectionClosed)
	<-c.readerDone
	return c.closeErr
}

// Call issues call and reads the response payload directly into
// call.MetadataBuf and call.DataBuf. See Client.CallRemote.
func (c *Connection) Call(ctx context.Context, call *Call) (Result, error) {
	return c.roundTrip(ctx, call, false)
}

// Invoke issues call and returns the response payload in freshly allocated
// buffers of the exact size. The output buffers of call are ignored.
func (c *Connection) Invoke(ctx context.Context, call *Call) (Result, error) {
	return c.roundTrip(ctx, call, true)
}

// -----------------------------------------------------------
// Call path
// -----------------------------------------------------------

func (c *Connection) roundTrip(ctx context.Context, call *Call, allocate bool) (Result, error) {
	if c.closed.Load() {
		return Result{}, c.closedErr()
	}

	id := c.nextCallID.Add(1)
	p := &pendingCall{
		metadataBuf: call.MetadataBuf,
		dataBuf:     call.DataBuf,
		allocate:    allocate,
		resultCh:    make(chan callResult, 1),
	}
	c.pending.Store(id, p)

	if err := c.writeRequest(ctx, id, call); err != nil {
		c.pending.Delete(id)
		if errors.Is(err, common.ErrLengthOverflow) {
			// Nothing was written, the stream is still aligned
			return Result{}, err
		}
		c.fail(err)
		if p.state.CompareAndSwap(callPending, callAbandoned) {
			return Result{}, fmt.Errorf("%w: failed to send request to %s: %w", common.ErrConnection, c.address, err)
		}
		r := <-p.resultCh
		return r.result, r.err
	}

	select {
	case r := <-p.resultCh:
		return r.result, r.err

	case <-ctx.Done():
		if p.state.CompareAndSwap(callPending, callAbandoned) {
			// The reader discards the late response
			c.pending.Delete(id)
			return Result{}, ctx.Err()
		}
		// The reader already claimed the call and is filling our buffers
		select {
		case r := <-p.resultCh:
			return r.result, r.err
		default:
		}
		c.fail(fmt.Errorf("call %d abandoned while its response was being read: %w", id, ctx.Err()))
		<-p.resultCh
		return Result{}, ctx.Err()
	}
}

func (c *Connection) writeRequest(ctx context.Context, id uint64, call *Call) error {
	req := &codec.Request{
		CallID:        id,
		OperationType: call.OperationType,
		Flags:         call.Flags,
		Path:          call.Path,
		Data:          call.Data,
		Metadata:      call.Metadata,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline() // zero time clears a previous deadline
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return codec.WriteRequest(c.conn, req)
}

// -----------------------------------------------------------
// Reader
// -----------------------------------------------------------

// readResponses reads responses in a loop and distributes them to waiting calls
func (c *Connection) readResponses() {
	defer close(c.readerDone)

	for {
		header, err := codec.ReadResponseHeader(c.conn, c.maxSegment)
		if err != nil {
			c.readFailed(err)
			return
		}

		p, found := c.pending.LoadAndDelete(header.CallID)
		if !found || !p.state.CompareAndSwap(callPending, callClaimed) {
			// Caller gave up, skip the payload to stay aligned
			Logger.Debugf("Discarding response for abandoned call %d from %s", header.CallID, c.address)
			if err := codec.Discard(c.conn, header.PayloadLen()); err != nil {
				c.readFailed(err)
				return
			}
			continue
		}

		result, err := c.readBody(header, p)
		if err != nil && !errors.Is(err, common.ErrBufferTooSmall) {
			p.finish(Result{}, err)
			c.readFailed(err)
			return
		}
		p.finish(result, err)
	}
}

// readBody moves the payload of a claimed call into its output buffers
func (c *Connection) readBody(header codec.ResponseHeader, p *pendingCall) (Result, error) {
	metadataBuf, dataBuf := p.metadataBuf, p.dataBuf
	if p.allocate {
		metadataBuf = make([]byte, header.MetadataLen)
		dataBuf = make([]byte, header.DataLen)
	}

	metadata, data, err := codec.ReadResponseBody(c.conn, header, metadataBuf, dataBuf)
	if errors.Is(err, common.ErrBufferTooSmall) {
		if discardErr := codec.Discard(c.conn, header.PayloadLen()); discardErr != nil {
			return Result{}, discardErr
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		Status:   header.Status,
		Flags:    header.Flags,
		Metadata: metadata,
		Data:     data,
	}, nil
}

func (c *Connection) readFailed(err error) {
	switch {
	case c.closed.Load():
		// Closed locally, the read error is only the echo of it
	case errors.Is(err, io.EOF):
		Logger.Debugf("Connection to %s closed by peer", c.address)
	default:
		Logger.Warningf("Connection to %s failed: %v", c.address, err)
	}
	c.fail(err)
}

// -----------------------------------------------------------
// Failure handling
// -----------------------------------------------------------

// fail invalidates the connection. Only the first call has an effect.
func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
		close(c.done)

		failed := c.closedErr()
		c.pending.Range(func(id uint64, p *pendingCall) bool {
			c.pending.Delete(id)
			if p.state.CompareAndSwap(callPending, callClaimed) {
				p.finish(Result{}, failed)
			}
			return true
		})

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// closedErr describes why calls on this connection can not complete
func (c *Connection) closedErr() error {
	<-c.done
	if errors.Is(c.err, common.ErrConnectionClosed) {
		return fmt.Errorf("connection to %s: %w", c.address, common.ErrConnectionClosed)
	}
	if errors.Is(c.err, common.ErrFraming) || errors.Is(c.err, common.ErrConnection) {
		return fmt.Errorf("connection to %s: %w", c.address, c.err)
	}
	return fmt.Errorf("%w: connection to %s: %w", common.ErrConnection, c.address, c.err)
}

// -----------------------------------------------------------
// Helper
// -----------------------------------------------------------

// timeoutContext applies the default timeout of config when ctx has no deadline
func timeoutContext(ctx context.Context, config common.ClientConfig) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || config.TimeoutSecond <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(config.TimeoutSecond)*time.Second)
}
