package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/dinoallo/sealfs/rpc/server"
	"github.com/dinoallo/sealfs/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// fakeCaller records all calls and answers them with respond
type fakeCaller struct {
	mu      sync.Mutex
	calls   []client.Call
	address []string
	respond func(n int) (client.Result, error)
}

func (f *fakeCaller) CallRemote(_ context.Context, address string, call *client.Call) (client.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *call)
	f.address = append(f.address, address)
	n := len(f.calls)
	f.mu.Unlock()

	if f.respond == nil {
		return client.Result{}, nil
	}
	return f.respond(n)
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() common.HeartbeatConfig {
	return common.HeartbeatConfig{
		Enabled:                true,
		ManagerAddress:         "manager:8081",
		ServerAddress:          "10.0.0.2:9000",
		Lifetime:               "30s",
		RetryCount:             2,
		InitialBackoffMs:       1,
		MaxBackoffMs:           4,
		MaxConsecutiveFailures: 3,
	}
}

func newTestReporter(caller Caller, config common.HeartbeatConfig) *Reporter {
	r := NewReporter(caller, config, serializer.NewMsgpackSerializer())
	r.interval = 5 * time.Millisecond
	return r
}

// runAsync runs the reporter and returns a channel with its result
func runAsync(ctx context.Context, r *Reporter) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- r.Run(ctx)
	}()
	return result
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestReporterSendsHeartbeats(t *testing.T) {
	caller := &fakeCaller{}
	r := newTestReporter(caller, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	require.Eventually(t, func() bool { return caller.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-result, "cancellation must not be reported as an error")

	caller.mu.Lock()
	defer caller.mu.Unlock()

	s := serializer.NewMsgpackSerializer()
	for i, call := range caller.calls {
		assert.Equal(t, "manager:8081", caller.address[i])
		assert.Equal(t, uint32(common.OpSendHeart), call.OperationType)
		assert.Equal(t, "10.0.0.2:9000", string(call.Path))

		var req common.HeartbeatRequest
		require.NoError(t, s.DeserializeHeartbeat(call.Data, &req))
		assert.Equal(t, common.HeartbeatRequest{Address: "10.0.0.2:9000", Flags: common.ServerFlag, Lifetime: "30s"}, req)
	}
}

func TestReporterGivesUp(t *testing.T) {
	testCases := []struct {
		name    string
		respond func(int) (client.Result, error)
	}{
		{
			name: "CallError",
			respond: func(int) (client.Result, error) {
				return client.Result{}, common.ErrConnection
			},
		},
		{
			name: "NonzeroStatus",
			respond: func(int) (client.Result, error) {
				return client.Result{Status: common.StatusInvalidArgument}, nil
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			caller := &fakeCaller{respond: tc.respond}
			r := newTestReporter(caller, testConfig())

			err := r.Run(context.Background())
			require.ErrorIs(t, err, common.ErrTooManyHeartbeatFailures)
			// 3 rounds with 2 attempts each
			assert.Equal(t, 6, caller.count())
		})
	}
}

func TestReporterRecoversFromTransientFailures(t *testing.T) {
	// Every round fails on its first attempt and succeeds on the retry
	caller := &fakeCaller{respond: func(n int) (client.Result, error) {
		if n%2 == 1 {
			return client.Result{}, errors.New("transient")
		}
		return client.Result{}, nil
	}}
	r := newTestReporter(caller, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	require.Eventually(t, func() bool { return caller.count() >= 10 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-result)
}

func TestReporterResetsFailureCount(t *testing.T) {
	// Rounds alternate between failure and success, never 3 failures in a row
	config := testConfig()
	config.RetryCount = 1
	caller := &fakeCaller{respond: func(n int) (client.Result, error) {
		if n%3 != 0 {
			return client.Result{}, errors.New("down")
		}
		return client.Result{}, nil
	}}
	r := newTestReporter(caller, config)

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	require.Eventually(t, func() bool { return caller.count() >= 12 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-result)
}

func TestReporterNeverGivesUp(t *testing.T) {
	config := testConfig()
	config.MaxConsecutiveFailures = 0
	caller := &fakeCaller{respond: func(int) (client.Result, error) {
		return client.Result{}, errors.New("down")
	}}
	r := newTestReporter(caller, config)

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	require.Eventually(t, func() bool { return caller.count() >= 10 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-result)
}

func TestReporterCancelDuringBackoff(t *testing.T) {
	config := testConfig()
	config.InitialBackoffMs = 60_000
	config.MaxBackoffMs = 60_000

	called := make(chan struct{}, 1)
	caller := &fakeCaller{respond: func(int) (client.Result, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		return client.Result{}, errors.New("down")
	}}
	r := newTestReporter(caller, config)

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	<-called
	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, caller.count())
}

func TestReporterInvalidLifetime(t *testing.T) {
	config := testConfig()
	config.Lifetime = "soon"
	caller := &fakeCaller{}

	err := newTestReporter(caller, config).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, caller.count())
}

func TestRetryPolicy(t *testing.T) {
	r := NewReporter(&fakeCaller{}, common.HeartbeatConfig{}, serializer.NewBinarySerializer())
	assert.Equal(t, DefaultInterval, r.interval)

	policy := r.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, policy.InitialBackoff)
	assert.Equal(t, 2*time.Second, policy.MaxBackoff)
	assert.Zero(t, policy.MaxConsecutiveFailures)

	for i := 0; i < 100; i++ {
		d := r.jitter(time.Second)
		assert.GreaterOrEqual(t, d, 899*time.Millisecond)
		assert.LessOrEqual(t, d, 1101*time.Millisecond)
	}

	r.policy.Jitter = 0
	assert.Equal(t, time.Second, r.jitter(time.Second))
}

func TestReporterAgainstManager(t *testing.T) {
	s11n := serializer.NewMsgpackSerializer()
	manager := server.NewManagerHandler(s11n)

	s, err := server.NewServer(manager, common.ServerConfig{Endpoint: "127.0.0.1:0"}, tcp.NewServerConnector())
	require.NoError(t, err)
	go s.Run()
	defer s.Shutdown(2 * time.Second)

	c := client.New(common.ClientConfig{TimeoutSecond: 2}, tcp.NewClientConnector())
	defer c.Close()

	config := testConfig()
	config.ManagerAddress = s.Addr().String()
	r := NewReporter(c, config, s11n)
	r.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, r)

	require.Eventually(t, func() bool { return manager.Heartbeats() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-result)

	live := manager.LiveServers()
	require.Len(t, live, 1)
	assert.Equal(t, "10.0.0.2:9000", live[0].Address)
	assert.Equal(t, common.ServerFlag, live[0].Flags)
}
