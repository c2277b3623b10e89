package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/dinoallo/sealfs/rpc/transport/tcp"
	"github.com/dinoallo/sealfs/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func startServer(t *testing.T, handler Handler, config common.ServerConfig) *Server {
	t.Helper()
	if config.Endpoint == "" {
		config.Endpoint = "127.0.0.1:0"
	}

	s, err := NewServer(handler, config, tcp.NewServerConnector())
	require.NoError(t, err)

	go s.Run()
	t.Cleanup(func() {
		s.Shutdown(2 * time.Second)
	})
	return s
}

func newClient(t *testing.T) *client.Client {
	t.Helper()
	c := client.New(common.ClientConfig{}, tcp.NewClientConnector())
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

// failingHandler fails for the path "bad" and echoes everything else
var failingHandler = HandlerFunc(func(_ context.Context, _, _ uint32, path, data, _ []byte) (Response, error) {
	if string(path) == "bad" {
		return Response{}, errors.New("handler failure")
	}
	return Response{Data: data}, nil
})

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

func TestDispatchIsolation(t *testing.T) {
	testCases := []struct {
		name                string
		closeOnHandlerError bool
	}{
		{name: "ErrorStatus", closeOnHandlerError: false},
		{name: "CloseConnection", closeOnHandlerError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := startServer(t, failingHandler, common.ServerConfig{CloseOnHandlerError: tc.closeOnHandlerError})
			address := s.Addr().String()

			bad := newClient(t)
			good := newClient(t)

			res, err := bad.Invoke(context.Background(), address, &client.Call{Path: []byte("bad")})
			if tc.closeOnHandlerError {
				require.ErrorIs(t, err, common.ErrConnection)
			} else {
				require.NoError(t, err)
				assert.Equal(t, common.StatusIO, res.Status)
			}

			// Other connections are served concurrently and unaffected
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := good.Invoke(context.Background(), address, &client.Call{Path: []byte("good"), Data: []byte("ok")})
					if assert.NoError(t, err) {
						assert.Equal(t, "ok", string(res.Data))
					}
				}()
			}
			wg.Wait()

			// The failing client reconnects if its connection was closed
			res, err = bad.Invoke(context.Background(), address, &client.Call{Path: []byte("good"), Data: []byte("again")})
			require.NoError(t, err)
			assert.Equal(t, "again", string(res.Data))
		})
	}
}

func TestInvalidFrameClosesOnlyThatConnection(t *testing.T) {
	s := startServer(t, failingHandler, common.ServerConfig{})
	address := s.Addr().String()

	raw, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write(make([]byte, 32)) // zero magic
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = raw.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "server must close a connection with an invalid frame")

	c := newClient(t)
	res, err := c.Invoke(context.Background(), address, &client.Call{Data: []byte("still serving")})
	require.NoError(t, err)
	assert.Equal(t, "still serving", string(res.Data))
}

func TestShutdownWaitsForInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(_ context.Context, _, _ uint32, _, data, _ []byte) (Response, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return Response{Data: data}, nil
	})

	s, err := NewServer(handler, common.ServerConfig{Endpoint: "127.0.0.1:0"}, tcp.NewServerConnector())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run()
	}()

	c := newClient(t)
	callErr := make(chan error, 1)
	go func() {
		res, err := c.Invoke(context.Background(), s.Addr().String(), &client.Call{Data: []byte("in flight")})
		if err == nil && string(res.Data) != "in flight" {
			err = errors.New("unexpected response")
		}
		callErr <- err
	}()

	<-started
	require.NoError(t, s.Shutdown(2*time.Second))
	assert.NoError(t, <-callErr, "in-flight request must be answered")
	assert.NoError(t, <-runErr, "Run must return nil after Shutdown")

	// Shutdown is idempotent
	assert.NoError(t, s.Shutdown(time.Second))

	// A stopped server can not be run again
	assert.ErrorIs(t, s.Run(), common.ErrServerClosed)
}

func TestShutdownInterruptsIdleConnections(t *testing.T) {
	s, err := NewServer(failingHandler, common.ServerConfig{Endpoint: "127.0.0.1:0"}, tcp.NewServerConnector())
	require.NoError(t, err)
	go s.Run()

	c := newClient(t)
	require.NoError(t, c.AddConnection(context.Background(), s.Addr().String()))

	start := time.Now()
	require.NoError(t, s.Shutdown(5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Eventually(t, func() bool {
		return len(c.Connections()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelinedDispatch(t *testing.T) {
	// Both requests must be in the handler at the same time to complete
	var barrier sync.WaitGroup
	barrier.Add(2)
	handler := HandlerFunc(func(_ context.Context, _, _ uint32, _, data, _ []byte) (Response, error) {
		barrier.Done()
		barrier.Wait()
		return Response{Data: data}, nil
	})
	s := startServer(t, handler, common.ServerConfig{MaxWorkersPerConn: 2})
	c := newClient(t)
	address := s.Addr().String()
	require.NoError(t, c.AddConnection(context.Background(), address))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, payload := range []string{"first", "second"} {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			res, err := c.Invoke(ctx, address, &client.Call{Data: []byte(payload)})
			if assert.NoError(t, err) {
				assert.Equal(t, payload, string(res.Data))
			}
		}(payload)
	}
	wg.Wait()
	assert.Len(t, c.Connections(), 1)
}

func TestOversizedResponse(t *testing.T) {
	const maxSegment = 1024
	handler := HandlerFunc(func(_ context.Context, _, _ uint32, path, data, _ []byte) (Response, error) {
		switch string(path) {
		case "big-data":
			return Response{Data: make([]byte, maxSegment+1)}, nil
		case "big-metadata":
			return Response{Metadata: make([]byte, maxSegment+1)}, nil
		}
		return Response{Data: data}, nil
	})
	s := startServer(t, handler, common.ServerConfig{MaxSegmentSize: maxSegment})
	address := s.Addr().String()

	c := client.New(common.ClientConfig{MaxSegmentSize: maxSegment}, tcp.NewClientConnector())
	defer c.Close()

	for _, path := range []string{"big-data", "big-metadata"} {
		res, err := c.Invoke(context.Background(), address, &client.Call{Path: []byte(path)})
		require.NoError(t, err, "an oversized response must not break the connection")
		assert.Equal(t, common.StatusIO, res.Status)
		assert.Empty(t, res.Data)
		assert.Empty(t, res.Metadata)
	}

	// A response of exactly the maximum size is still delivered
	res, err := c.Invoke(context.Background(), address, &client.Call{Path: []byte("echo"), Data: make([]byte, maxSegment)})
	require.NoError(t, err)
	assert.Len(t, res.Data, maxSegment)
	assert.Len(t, c.Connections(), 1, "all calls must share the first connection")
}

func TestUnixSocketTransport(t *testing.T) {
	socket := t.TempDir() + "/sealfs.sock"

	s, err := NewServer(failingHandler, common.ServerConfig{Endpoint: socket}, unix.NewServerConnector())
	require.NoError(t, err)
	go s.Run()
	defer s.Shutdown(2 * time.Second)

	c := client.New(common.ClientConfig{}, unix.NewClientConnector())
	defer c.Close()

	res, err := c.Invoke(context.Background(), socket, &client.Call{Data: []byte("local")})
	require.NoError(t, err)
	assert.Equal(t, "local", string(res.Data))
}

// --------------------------------------------------------------------------
// Manager handler
// --------------------------------------------------------------------------

func TestHeartbeatScenario(t *testing.T) {
	s11n := serializer.NewMsgpackSerializer()
	manager := NewManagerHandler(s11n)
	s := startServer(t, manager, common.ServerConfig{})
	c := newClient(t)
	address := s.Addr().String()

	payload, err := s11n.SerializeHeartbeat(common.HeartbeatRequest{
		Address:  "10.0.0.2:9000",
		Flags:    common.ServerFlag,
		Lifetime: "30s",
	})
	require.NoError(t, err)

	res, err := c.CallRemote(context.Background(), address, &client.Call{
		OperationType: uint32(common.OpSendHeart),
		Flags:         common.ServerFlag,
		Path:          []byte("10.0.0.2:9000"),
		Data:          payload,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.Status)
	assert.Zero(t, res.MetadataLen())
	assert.Zero(t, res.DataLen())
	assert.Equal(t, uint64(1), manager.Heartbeats())

	// The server shows up in the cluster status
	res, err = c.Invoke(context.Background(), address, &client.Call{OperationType: uint32(common.OpGetClusterStatus)})
	require.NoError(t, err)
	require.Equal(t, int32(0), res.Status)

	var status common.ClusterStatus
	require.NoError(t, s11n.DeserializeClusterStatus(res.Data, &status))
	require.Len(t, status.Servers, 1)
	assert.Equal(t, "10.0.0.2:9000", status.Servers[0].Address)
	assert.Equal(t, common.ServerFlag, status.Servers[0].Flags)
	assert.Equal(t, uint64(1), status.Servers[0].Heartbeats)
}

func TestManagerUnknownOperation(t *testing.T) {
	manager := NewManagerHandler(serializer.NewMsgpackSerializer())

	resp, err := manager.Dispatch(context.Background(), 999, 0, nil, nil, nil)
	require.ErrorIs(t, err, common.ErrUnsupportedOperation)
	assert.Equal(t, common.StatusUnsupported, common.StatusFromError(err))
	assert.Equal(t, Response{}, resp)

	s := startServer(t, manager, common.ServerConfig{})
	c := newClient(t)
	res, err := c.CallRemote(context.Background(), s.Addr().String(), &client.Call{OperationType: 999})
	require.NoError(t, err)
	assert.NotEqual(t, int32(0), res.Status, "unknown operations must not succeed")
}

func TestManagerLeases(t *testing.T) {
	s11n := serializer.NewBinarySerializer()
	manager := NewManagerHandler(s11n)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	beat := func(address, lifetime string) Response {
		payload, err := s11n.SerializeHeartbeat(common.HeartbeatRequest{Address: address, Flags: common.ServerFlag, Lifetime: lifetime})
		require.NoError(t, err)
		resp, err := manager.Dispatch(context.Background(), uint32(common.OpSendHeart), common.ServerFlag, []byte(address), payload, nil)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, int32(0), beat("a:1", "30s").Status)
	assert.Equal(t, int32(0), beat("b:1", "10").Status)
	assert.Equal(t, int32(0), beat("a:1", "30s").Status)
	assert.Len(t, manager.LiveServers(), 2)

	// b expires after 10 seconds, a is still live
	now = now.Add(15 * time.Second)
	live := manager.LiveServers()
	require.Len(t, live, 1)
	assert.Equal(t, "a:1", live[0].Address)
	assert.Equal(t, uint64(2), live[0].Heartbeats)

	// A renewed lease extends the expiry
	assert.Equal(t, int32(0), beat("a:1", "1m").Status)
	now = now.Add(40 * time.Second)
	assert.Len(t, manager.LiveServers(), 1)

	now = now.Add(time.Minute)
	assert.Empty(t, manager.LiveServers())
	assert.Equal(t, uint64(4), manager.Heartbeats())
}

func TestManagerRejectsInvalidHeartbeats(t *testing.T) {
	s11n := serializer.NewJSONSerializer()
	manager := NewManagerHandler(s11n)

	invalidLifetime, err := s11n.SerializeHeartbeat(common.HeartbeatRequest{Address: "a:1", Lifetime: "forever"})
	require.NoError(t, err)
	noAddress, err := s11n.SerializeHeartbeat(common.HeartbeatRequest{Lifetime: "30s"})
	require.NoError(t, err)

	testCases := []struct {
		name string
		path []byte
		data []byte
	}{
		{name: "Garbage", data: []byte("not json")},
		{name: "InvalidLifetime", data: invalidLifetime},
		{name: "NoAddress", data: noAddress},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := manager.Dispatch(context.Background(), uint32(common.OpSendHeart), 0, tc.path, tc.data, nil)
			require.NoError(t, err)
			assert.Equal(t, common.StatusInvalidArgument, resp.Status)
		})
	}
	assert.Zero(t, manager.Heartbeats())
	assert.Empty(t, manager.LiveServers())
}

// --------------------------------------------------------------------------
// File handler
// --------------------------------------------------------------------------

func TestFileHandler(t *testing.T) {
	h := NewFileHandler(0)
	mtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return mtime }

	dispatch := func(op common.OperationType, path string, data, metadata []byte) Response {
		t.Helper()
		resp, err := h.Dispatch(context.Background(), uint32(op), 0, []byte(path), data, metadata)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, int32(0), dispatch(common.OpNoop, "", nil, nil).Status)

	// Create
	assert.Equal(t, int32(0), dispatch(common.OpCreateFile, "/dir/a", nil, nil).Status)
	assert.Equal(t, common.StatusExists, dispatch(common.OpCreateFile, "/dir/a", nil, nil).Status)
	assert.Equal(t, common.StatusInvalidArgument, dispatch(common.OpCreateFile, "", nil, nil).Status)

	// Write and read back
	resp := dispatch(common.OpWriteFile, "/dir/a", []byte("hello world"), common.PutUint64s(0))
	require.Equal(t, int32(0), resp.Status)
	written, err := common.ParseUint64s(resp.Metadata, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), written[0])

	resp = dispatch(common.OpWriteFile, "/dir/a", []byte("WORLD"), common.PutUint64s(6))
	require.Equal(t, int32(0), resp.Status)

	resp = dispatch(common.OpReadFile, "/dir/a", nil, common.PutUint64s(0, 100))
	require.Equal(t, int32(0), resp.Status)
	assert.Equal(t, "hello WORLD", string(resp.Data))

	resp = dispatch(common.OpReadFile, "/dir/a", nil, common.PutUint64s(6, 2))
	assert.Equal(t, "WO", string(resp.Data))

	resp = dispatch(common.OpReadFile, "/dir/a", nil, common.PutUint64s(100, 2))
	assert.Equal(t, int32(0), resp.Status)
	assert.Empty(t, resp.Data)

	assert.Equal(t, common.StatusInvalidArgument, dispatch(common.OpReadFile, "/dir/a", nil, []byte{1}).Status)

	// Attributes
	resp = dispatch(common.OpGetFileAttr, "/dir/a", nil, nil)
	require.Equal(t, int32(0), resp.Status)
	attr, err := common.ParseUint64s(resp.Metadata, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), attr[0])
	assert.Equal(t, uint64(mtime.UnixNano()), attr[1])

	// Directory listing
	dispatch(common.OpCreateFile, "/dir/b", nil, nil)
	dispatch(common.OpCreateFile, "/dir/sub/c", nil, nil)
	resp = dispatch(common.OpReadDir, "/dir", nil, nil)
	require.Equal(t, int32(0), resp.Status)
	assert.Equal(t, "a\nb\nsub/", string(resp.Data))
	assert.Equal(t, common.StatusNotFound, dispatch(common.OpReadDir, "/missing", nil, nil).Status)

	// Delete
	assert.Equal(t, int32(0), dispatch(common.OpDeleteFile, "/dir/a", nil, nil).Status)
	assert.Equal(t, common.StatusNotFound, dispatch(common.OpDeleteFile, "/dir/a", nil, nil).Status)
	assert.Equal(t, common.StatusNotFound, dispatch(common.OpGetFileAttr, "/dir/a", nil, nil).Status)
	assert.Equal(t, common.StatusNotFound, dispatch(common.OpReadFile, "/dir/a", nil, common.PutUint64s(0, 1)).Status)

	// Unsupported operations fail instead of succeeding silently
	_, err = h.Dispatch(context.Background(), uint32(common.OpDeleteDir), 0, []byte("/dir"), nil, nil)
	assert.ErrorIs(t, err, common.ErrUnsupportedOperation)
}

func TestFileHandlerMaxFileSize(t *testing.T) {
	h := NewFileHandler(1024)

	write := func(offset uint64, size int) int32 {
		t.Helper()
		resp, err := h.Dispatch(context.Background(), uint32(common.OpWriteFile), 0, []byte("/f"), make([]byte, size), common.PutUint64s(offset))
		require.NoError(t, err)
		return resp.Status
	}
	size := func() uint64 {
		t.Helper()
		resp, err := h.Dispatch(context.Background(), uint32(common.OpGetFileAttr), 0, []byte("/f"), nil, nil)
		require.NoError(t, err)
		attr, err := common.ParseUint64s(resp.Metadata, 2)
		require.NoError(t, err)
		return attr[0]
	}

	resp, err := h.Dispatch(context.Background(), uint32(common.OpCreateFile), 0, []byte("/f"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.Status)

	testCases := []struct {
		name   string
		offset uint64
		size   int
	}{
		{name: "LargeOffset", offset: 512 << 20, size: 1},
		{name: "OffsetBeyondLimit", offset: 1025, size: 0},
		{name: "EndBeyondLimit", offset: 1020, size: 5},
		{name: "DataBeyondLimit", offset: 0, size: 1025},
		{name: "OffsetOverflow", offset: math.MaxUint64, size: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, common.StatusInvalidArgument, write(tc.offset, tc.size))
			assert.Zero(t, size(), "a rejected write must not grow the file")
		})
	}

	// Writes up to the limit succeed
	assert.Equal(t, int32(0), write(1000, 24))
	assert.Equal(t, uint64(1024), size())

	assert.Equal(t, DefaultMaxFileSize, NewFileHandler(0).maxFileSize)
}

func TestRateLimit(t *testing.T) {
	s := startServer(t, failingHandler, common.ServerConfig{MaxRequestsPerSecond: 20, RequestBurst: 1})
	c := newClient(t)
	address := s.Addr().String()

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := c.Invoke(context.Background(), address, &client.Call{Data: []byte("x")})
		require.NoError(t, err)
	}
	// The first request uses the burst, the other four wait 50ms each
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
