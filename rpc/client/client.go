package client

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	Logger = logger.GetLogger("rpc/client")
)

// -----------------------------------------------------------
// Call and Result
// -----------------------------------------------------------

// Call describes one remote invocation
type Call struct {
	OperationType uint32
	Flags         uint32
	Path          []byte
	Data          []byte
	Metadata      []byte

	// Caller owned output buffers. The response payload is read directly
	// into them; they must be at least as large as the declared response
	// segments.
	MetadataBuf []byte
	DataBuf     []byte
}

// Result is the outcome of a successful round trip. Metadata and Data are
// prefixes of the output buffers holding exactly the bytes written.
type Result struct {
	Status   int32
	Flags    uint32
	Metadata []byte
	Data     []byte
}

// MetadataLen returns the number of metadata bytes written
func (r Result) MetadataLen() int {
	return len(r.Metadata)
}

// DataLen returns the number of data bytes written
func (r Result) DataLen() int {
	return len(r.Data)
}

// Err converts a nonzero status into a *common.ApplicationError
func (r Result) Err() error {
	if r.Status == common.StatusOK {
		return nil
	}
	return common.NewApplicationError(r.Status)
}

// -----------------------------------------------------------
// Client
// -----------------------------------------------------------

// Client owns a pool of connections keyed by remote address. Connections are
// opened on first use and evicted as soon as they fail, the next call to the
// same address reconnects. The client itself never retries a call.
type Client struct {
	config    common.ClientConfig
	connector transport.IClientConnector
	pool      *xsync.MapOf[string, *Connection]
	closed    atomic.Bool
}

// New creates a client that dials with connector
func New(config common.ClientConfig, connector transport.IClientConnector) *Client {
	return &Client{
		config:    config,
		connector: connector,
		pool:      xsync.NewMapOf[string, *Connection](),
	}
}

// AddConnection eagerly opens and pools a connection to address.
// It is a no-op if a live connection exists.
func (c *Client) AddConnection(ctx context.Context, address string) error {
	ctx, cancel := timeoutContext(ctx, c.config)
	defer cancel()

	_, err := c.getConnection(ctx, address)
	return err
}

// CallRemote performs one call against address and reads the response
// payload into call.MetadataBuf and call.DataBuf.
//
// On success the returned Result reports the status and flags of the
// response and the filled prefixes of the buffers. A nonzero status is not
// an error of CallRemote, see Result.Err. If a buffer is too small the call
// fails with common.ErrBufferTooSmall and the buffers are left untouched.
// On other errors the content of the buffers is unspecified.
//
// Connection and framing errors evict the connection from the pool. If ctx
// has no deadline the configured default timeout applies.
func (c *Client) CallRemote(ctx context.Context, address string, call *Call) (Result, error) {
	return c.do(ctx, address, call, false)
}

// Invoke works like CallRemote but allocates output buffers of the exact
// response size instead of using the buffers of call.
func (c *Client) Invoke(ctx context.Context, address string, call *Call) (Result, error) {
	return c.do(ctx, address, call, true)
}

// RemoveConnection closes and forgets the connection to address
func (c *Client) RemoveConnection(address string) error {
	conn, ok := c.pool.LoadAndDelete(address)
	if !ok {
		return nil
	}
	return conn.Close()
}

// Connections returns the addresses with a pooled connection in sorted order
func (c *Client) Connections() []string {
	var addresses []string
	c.pool.Range(func(address string, _ *Connection) bool {
		addresses = append(addresses, address)
		return true
	})
	sort.Strings(addresses)
	return addresses
}

// Close closes all pooled connections. Calls after Close fail with
// common.ErrConnectionClosed.
func (c *Client) Close() error {
	c.closed.Store(true)

	var conns []*Connection
	c.pool.Range(func(address string, conn *Connection) bool {
		conns = append(conns, conn)
		c.pool.Delete(address)
		return true
	})

	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing connection to %s: %w", conn.Address(), err))
		}
	}
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, address string, call *Call, allocate bool) (Result, error) {
	ctx, cancel := timeoutContext(ctx, c.config)
	defer cancel()

	op := common.OperationType(call.OperationType)
	callsTotal(op).Inc()

	conn, err := c.getConnection(ctx, address)
	if err != nil {
		callErrorsTotal(op).Inc()
		return Result{}, err
	}

	var result Result
	if allocate {
		result, err = conn.Invoke(ctx, call)
	} else {
		result, err = conn.Call(ctx, call)
	}
	if err != nil {
		callErrorsTotal(op).Inc()
		Logger.Debugf("Call %s to %s failed: %v", op, address, err)
		return Result{}, err
	}
	return result, nil
}

// getConnection returns the pooled connection to address, dialing a new one
// if there is none or the pooled one has failed.
func (c *Client) getConnection(ctx context.Context, address string) (*Connection, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client: %w", common.ErrConnectionClosed)
	}

	if conn, ok := c.pool.Load(address); ok && !conn.IsClosed() {
		return conn, nil
	}

	// Dial outside of the map, a slow peer must not block other addresses
	conn, err := Dial(ctx, c.connector, address, c.config, c.evict)
	if err != nil {
		dialErrorsTotal.Inc()
		return nil, err
	}

	actual, _ := c.pool.Compute(address, func(old *Connection, loaded bool) (*Connection, bool) {
		if loaded && !old.IsClosed() {
			return old, false
		}
		return conn, false
	})
	if actual != conn {
		// Another caller won the race
		conn.Close()
		return actual, nil
	}

	// Close may have drained the pool while we were dialing
	if c.closed.Load() {
		c.RemoveConnection(address)
		return nil, fmt.Errorf("client: %w", common.ErrConnectionClosed)
	}

	Logger.Infof("Connected to %s", address)
	return conn, nil
}

// evict removes a failed connection from the pool unless it was already replaced
func (c *Client) evict(conn *Connection) {
	c.pool.Compute(conn.Address(), func(current *Connection, loaded bool) (*Connection, bool) {
		if loaded && current == conn {
			evictionsTotal.Inc()
			return nil, true
		}
		return current, !loaded
	})
}
