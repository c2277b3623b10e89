package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dinoallo/sealfs/rpc/codec"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("rpc/server")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts connections and serves each of them in its own goroutine.
// Requests of one connection are decoded one at a time; with the default of
// one worker per connection they are also dispatched and answered strictly in
// receipt order.
//
// By default a handler error is answered with an error status and the
// connection stays open. With CloseOnHandlerError the connection is closed
// instead, like on framing and I/O errors.
//
// Responses with a segment larger than the configured maximum segment size
// are replaced by a StatusIO reply, a peer with the same limit could not
// read them.
type Server struct {
	handler    Handler
	config     common.ServerConfig
	connector  transport.IServerConnector
	listener   net.Listener
	limiter    *rate.Limiter
	maxWorkers int
	maxSegment uint32

	// Canceled on shutdown, parent of all dispatch contexts
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex // Orders connection registration against shutdown
	shuttingDown atomic.Bool
	conns        *xsync.MapOf[uint64, net.Conn]
	nextConnID   uint64
	wg           sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server for handler and binds its listening socket.
// Connections are accepted once Run is called.
//
// Usage:
//
//	s, err := server.NewServer(server.NewFileHandler(0), config, tcp.NewServerConnector())
//	if err != nil {
//		return err
//	}
//	go s.Run()
//	defer s.Shutdown(5 * time.Second)
func NewServer(handler Handler, config common.ServerConfig, connector transport.IServerConnector) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	listener, err := connector.Listen(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	maxWorkers := max(config.MaxWorkersPerConn, 1)

	var limiter *rate.Limiter
	if config.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), max(config.RequestBurst, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())

	Logger.Infof("Created %s server", connector.GetName())
	Logger.Infof("%s", config.String())

	return &Server{
		handler:    handler,
		config:     config,
		connector:  connector,
		listener:   listener,
		limiter:    limiter,
		maxWorkers: maxWorkers,
		maxSegment: config.EffectiveMaxSegmentSize(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      xsync.NewMapOf[uint64, net.Conn](),
	}, nil
}

// Addr returns the address the server is listening on
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run accepts connections until Shutdown is called, in which case it returns
// nil. Calling Run after Shutdown returns common.ErrServerClosed. It returns an
// error if the listener fails for any other reason.
// Temporary accept errors are logged and retried with backoff.
func (s *Server) Run() error {
	if s.shuttingDown.Load() {
		return common.ErrServerClosed
	}
	Logger.Infof("Starting %s server on %s with %d workers per connection",
		s.connector.GetName(), s.listener.Addr(), s.maxWorkers)

	backoff := minAcceptBackoff
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxAcceptBackoff)
			continue
		}
		backoff = minAcceptBackoff

		if err := s.connector.UpgradeConnection(conn, s.config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.shuttingDown.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.nextConnID++
		id := s.nextConnID
		s.conns.Store(id, conn)
		s.wg.Add(1)
		s.mu.Unlock()

		acceptedTotal.Inc()
		go s.handleConnection(id, conn)
	}
}

// Shutdown stops accepting connections, interrupts idle reads and waits up to
// timeout for in-flight requests to be answered. Connections still open
// after the timeout are closed forcibly. Only the first call has an effect,
// later calls return its result.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		var result *multierror.Error

		s.mu.Lock()
		s.shuttingDown.Store(true)
		s.mu.Unlock()

		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}

		// Wake up all connections blocked in a read
		now := time.Now()
		s.conns.Range(func(_ uint64, conn net.Conn) bool {
			conn.SetReadDeadline(now)
			return true
		})

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			remaining := 0
			s.conns.Range(func(_ uint64, conn net.Conn) bool {
				remaining++
				if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					result = multierror.Append(result, err)
				}
				return true
			})
			Logger.Warningf("Shutdown timed out after %s, closed %d connections", timeout, remaining)
			result = multierror.Append(result, fmt.Errorf("shutdown timed out after %s", timeout))
		}

		s.cancel()
		s.shutdownErr = result.ErrorOrNil()
		Logger.Infof("Server on %s stopped", s.listener.Addr())
	})
	return s.shutdownErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection serves requests of one connection until the peer closes
// it, an error occurs or the server shuts down
func (s *Server) handleConnection(id uint64, conn net.Conn) {
	openConnections.Add(1)
	defer func() {
		s.conns.Delete(id)
		conn.Close()
		openConnections.Add(-1)
		s.wg.Done()
	}()

	remote := conn.RemoteAddr()
	idle := time.Duration(s.config.TimeoutSecond) * time.Second

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Protects writes to the connection
	var writeMu sync.Mutex

	// Bounds concurrent dispatches when pipelining is enabled
	var workers sync.WaitGroup
	workerSemaphore := make(chan struct{}, s.maxWorkers)

	for {
		// The deadline must be set before checking the shutdown flag,
		// otherwise it could override the one set by Shutdown
		if idle > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				Logger.Errorf("Failed to set read deadline for %s: %v", remote, err)
				break
			}
		}
		if s.shuttingDown.Load() {
			break
		}

		req, err := codec.DecodeRequest(conn, s.maxSegment)
		if err != nil {
			s.logReadError(remote, err)
			break
		}
		bytesReadTotal.Add(codec.RequestHeaderSize + len(req.Path) + len(req.Data) + len(req.Metadata))

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}

		// Case single worker: answer before reading the next request
		if s.maxWorkers == 1 {
			if !s.serve(ctx, conn, &writeMu, req) {
				break
			}
			continue
		}

		// Acquire a slot in the semaphore (blocks if maxWorkers is reached)
		workerSemaphore <- struct{}{}
		workers.Add(1)
		go func() {
			defer func() {
				<-workerSemaphore
				workers.Done()
			}()
			if !s.serve(ctx, conn, &writeMu, req) {
				conn.Close()
			}
		}()
	}

	// Wait for all workers to finish before closing the connection
	workers.Wait()
}

// serve dispatches one request and writes the response. It returns false if
// the connection must be closed.
func (s *Server) serve(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, req *codec.Request) bool {
	op := common.OperationType(req.OperationType)
	start := time.Now()

	resp, err := s.dispatch(ctx, req)
	requestsTotal(op).Inc()
	dispatchDuration(op).UpdateDuration(start)

	if err != nil {
		handlerErrorsTotal(op).Inc()
		if s.config.CloseOnHandlerError {
			Logger.Warningf("Handler failed on %s from %s, closing connection: %v", op, conn.RemoteAddr(), err)
			return false
		}
		Logger.Debugf("Handler failed on %s from %s: %v", op, conn.RemoteAddr(), err)
		resp = Response{Status: common.StatusFromError(err)}
	}
	Logger.Debugf("Processed %s (call %d) in %s", op, req.CallID, time.Since(start))

	frame := &codec.Response{
		CallID:   req.CallID,
		Status:   resp.Status,
		Flags:    resp.Flags,
		Metadata: resp.Metadata,
		Data:     resp.Data,
	}
	if uint64(len(resp.Metadata)) > uint64(s.maxSegment) || uint64(len(resp.Data)) > uint64(s.maxSegment) {
		oversizedResponsesTotal.Inc()
		Logger.Errorf("Response to %s (call %d) exceeds the maximum segment size of %d bytes (metadata %d, data %d)",
			op, req.CallID, s.maxSegment, len(resp.Metadata), len(resp.Data))
		frame = &codec.Response{CallID: req.CallID, Status: common.StatusIO}
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if s.config.TimeoutSecond > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.TimeoutSecond) * time.Second)); err != nil {
			Logger.Errorf("Failed to set write deadline: %v", err)
			return false
		}
	}

	if err := codec.WriteResponse(conn, frame); err != nil {
		Logger.Warningf("Failed to write response to %s: %v", conn.RemoteAddr(), err)
		return false
	}

	bytesSentTotal.Add(codec.ResponseHeaderSize + len(frame.Metadata) + len(frame.Data))
	return true
}

// dispatch calls the handler and turns a panic into an error
func (s *Server) dispatch(ctx context.Context, req *codec.Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Handler panicked on %s: %v", common.OperationType(req.OperationType), r)
			resp = Response{}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Dispatch(ctx, req.OperationType, req.Flags, req.Path, req.Data, req.Metadata)
}

func (s *Server) logReadError(remote net.Addr, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		Logger.Debugf("Connection closed by client %s", remote)
	case s.shuttingDown.Load():
		Logger.Debugf("Closing connection to %s for shutdown", remote)
	case errors.As(err, &netErr) && netErr.Timeout():
		Logger.Infof("Closing idle connection to %s", remote)
	case errors.Is(err, common.ErrFraming):
		Logger.Warningf("Invalid frame from %s, closing connection: %v", remote, err)
	default:
		Logger.Errorf("Error reading request from %s: %v", remote, err)
	}
}
