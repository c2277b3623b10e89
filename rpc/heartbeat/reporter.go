package heartbeat

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("heartbeat")

const DefaultInterval = 5 * time.Second

var (
	roundsTotal   = metrics.NewCounter("sealfs_heartbeat_rounds_total")
	failuresTotal = metrics.NewCounter("sealfs_heartbeat_failures_total")
	retriesTotal  = metrics.NewCounter("sealfs_heartbeat_retries_total")
)

// Caller sends a single call to a remote address. *client.Client implements it.
type Caller interface {
	CallRemote(ctx context.Context, address string, call *client.Call) (client.Result, error)
}

// RetryPolicy controls how a failed heartbeat round is retried
type RetryPolicy struct {
	MaxAttempts    int           // Attempts per round, at least 1
	InitialBackoff time.Duration // Wait before the first retry, doubled after each retry
	MaxBackoff     time.Duration
	Jitter         float64 // Relative random deviation of each backoff, e.g. 0.1 for +-10%

	// Consecutive failed rounds after which Run gives up, 0 never
	MaxConsecutiveFailures int
}

// DefaultRetryPolicy returns the policy used for unset fields of the configuration
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:            3,
		InitialBackoff:         50 * time.Millisecond,
		MaxBackoff:             2 * time.Second,
		Jitter:                 0.1,
		MaxConsecutiveFailures: 5,
	}
}

// Reporter periodically announces the address of this node to the manager
type Reporter struct {
	caller     Caller
	config     common.HeartbeatConfig
	serializer serializer.IRPCSerializer
	policy     RetryPolicy
	interval   time.Duration
}

// NewReporter creates a reporter that sends heartbeats through caller.
// Retry fields of config that are not set fall back to DefaultRetryPolicy,
// except MaxConsecutiveFailures where 0 means never give up.
func NewReporter(caller Caller, config common.HeartbeatConfig, s serializer.IRPCSerializer) *Reporter {
	policy := DefaultRetryPolicy()
	if config.RetryCount > 0 {
		policy.MaxAttempts = config.RetryCount
	}
	if config.InitialBackoffMs > 0 {
		policy.InitialBackoff = time.Duration(config.InitialBackoffMs) * time.Millisecond
	}
	if config.MaxBackoffMs > 0 {
		policy.MaxBackoff = time.Duration(config.MaxBackoffMs) * time.Millisecond
	}
	policy.MaxConsecutiveFailures = max(config.MaxConsecutiveFailures, 0)

	interval := DefaultInterval
	if config.IntervalSecond > 0 {
		interval = time.Duration(config.IntervalSecond) * time.Second
	}

	if config.Flags == 0 {
		config.Flags = common.ServerFlag
	}

	return &Reporter{
		caller:     caller,
		config:     config,
		serializer: s,
		policy:     policy,
		interval:   interval,
	}
}

// Policy returns the effective retry policy
func (r *Reporter) Policy() RetryPolicy {
	return r.policy
}

// Run sends a heartbeat immediately and then once per interval until ctx is
// canceled, in which case it returns nil. A tick missed by a slow round is
// dropped, the next round waits for the following tick.
//
// A round fails when all attempts of the retry policy fail. Run returns an
// error wrapping common.ErrTooManyHeartbeatFailures once
// MaxConsecutiveFailures rounds in a row failed.
func (r *Reporter) Run(ctx context.Context) error {
	if _, err := common.ParseLifetime(r.config.Lifetime); err != nil {
		return fmt.Errorf("invalid heartbeat lifetime: %w", err)
	}

	payload, err := r.serializer.SerializeHeartbeat(common.HeartbeatRequest{
		Address:  r.config.ServerAddress,
		Flags:    r.config.Flags,
		Lifetime: r.config.Lifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize heartbeat: %w", err)
	}

	Logger.Infof("Reporting %s to manager %s every %s (lifetime %s)",
		r.config.ServerAddress, r.config.ManagerAddress, r.interval, r.config.Lifetime)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := 0
	for {
		err := r.round(ctx, payload)
		if ctx.Err() != nil {
			return nil
		}

		roundsTotal.Inc()
		switch {
		case err != nil:
			failures++
			failuresTotal.Inc()
			Logger.Warningf("Heartbeat to %s failed (%d in a row): %v", r.config.ManagerAddress, failures, err)
			if r.policy.MaxConsecutiveFailures > 0 && failures >= r.policy.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %d rounds to %s failed, last error: %w",
					common.ErrTooManyHeartbeatFailures, failures, r.config.ManagerAddress, err)
			}
		case failures > 0:
			Logger.Infof("Heartbeat to %s succeeded after %d failed rounds", r.config.ManagerAddress, failures)
			failures = 0
		default:
			Logger.Debugf("Heartbeat to %s sent", r.config.ManagerAddress)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// round sends one heartbeat, retrying with exponential backoff
func (r *Reporter) round(ctx context.Context, payload []byte) error {
	attempts := max(r.policy.MaxAttempts, 1)
	backoff := r.policy.InitialBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			retriesTotal.Inc()
			timer := time.NewTimer(r.jitter(backoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff = min(backoff*2, r.policy.MaxBackoff)
		}

		lastErr = r.send(ctx, payload)
		if lastErr == nil {
			return nil
		}
		Logger.Debugf("Heartbeat attempt %d/%d failed: %v", i+1, attempts, lastErr)
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (r *Reporter) send(ctx context.Context, payload []byte) error {
	res, err := r.caller.CallRemote(ctx, r.config.ManagerAddress, &client.Call{
		OperationType: uint32(common.OpSendHeart),
		Path:          []byte(r.config.ServerAddress),
		Data:          payload,
	})
	if err != nil {
		return err
	}
	return res.Err()
}

// jitter randomizes d by up to +-Jitter
func (r *Reporter) jitter(d time.Duration) time.Duration {
	if r.policy.Jitter <= 0 {
		return d
	}
	factor := 1 - r.policy.Jitter + 2*r.policy.Jitter*rand.Float64()
	return time.Duration(float64(d) * factor)
}
