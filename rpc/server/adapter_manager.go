package server

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var managerLogger = logger.GetLogger("manager")

// lease is the membership record of one server
type lease struct {
	flags      uint32
	expiresAt  time.Time
	heartbeats uint64
}

// ManagerHandler implements the cluster manager operations. It keeps a
// lease per announced address; a server is live while its lease has not
// expired. All state belongs to the handler instance.
type ManagerHandler struct {
	serializer serializer.IRPCSerializer
	leases     *xsync.MapOf[string, lease]
	heartbeats atomic.Uint64
	now        func() time.Time
}

// NewManagerHandler creates a manager handler that decodes heartbeats and
// encodes cluster states with s
func NewManagerHandler(s serializer.IRPCSerializer) *ManagerHandler {
	return &ManagerHandler{
		serializer: s,
		leases:     xsync.NewMapOf[string, lease](),
		now:        time.Now,
	}
}

// Dispatch implements Handler
func (h *ManagerHandler) Dispatch(_ context.Context, operationType, _ uint32, path, data, _ []byte) (Response, error) {
	switch op := common.OperationType(operationType); op {
	case common.OpNoop:
		return Response{}, nil
	case common.OpSendHeart:
		return h.sendHeart(path, data), nil
	case common.OpGetClusterStatus:
		return h.clusterStatus()
	default:
		return Response{}, fmt.Errorf("manager: %w: %s", common.ErrUnsupportedOperation, op)
	}
}

// Heartbeats returns the number of heartbeats accepted since creation
func (h *ManagerHandler) Heartbeats() uint64 {
	return h.heartbeats.Load()
}

// LiveServers returns the servers with an unexpired lease sorted by address.
// Expired leases are removed.
func (h *ManagerHandler) LiveServers() []common.ServerStatus {
	now := h.now()

	var servers []common.ServerStatus
	h.leases.Range(func(address string, l lease) bool {
		if !l.expiresAt.After(now) {
			h.pruneLease(address, now)
			return true
		}
		servers = append(servers, common.ServerStatus{
			Address:    address,
			Flags:      l.flags,
			ExpiresAt:  l.expiresAt.UnixNano(),
			Heartbeats: l.heartbeats,
		})
		return true
	})

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Address < servers[j].Address
	})
	return servers
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (h *ManagerHandler) sendHeart(path, data []byte) Response {
	var req common.HeartbeatRequest
	if err := h.serializer.DeserializeHeartbeat(data, &req); err != nil {
		managerLogger.Warningf("Rejected heartbeat with invalid payload: %v", err)
		return Response{Status: common.StatusInvalidArgument}
	}
	if req.Address == "" {
		req.Address = string(path)
	}
	if req.Address == "" {
		managerLogger.Warningf("Rejected heartbeat without address")
		return Response{Status: common.StatusInvalidArgument}
	}

	lifetime, err := common.ParseLifetime(req.Lifetime)
	if err != nil {
		managerLogger.Warningf("Rejected heartbeat of %s: %v", req.Address, err)
		return Response{Status: common.StatusInvalidArgument}
	}

	expiresAt := h.now().Add(lifetime)
	h.leases.Compute(req.Address, func(old lease, loaded bool) (lease, bool) {
		if !loaded {
			managerLogger.Infof("Server %s joined (flags %d, lifetime %s)", req.Address, req.Flags, lifetime)
		}
		return lease{
			flags:      req.Flags,
			expiresAt:  expiresAt,
			heartbeats: old.heartbeats + 1,
		}, false
	})
	h.heartbeats.Add(1)

	managerLogger.Debugf("Heartbeat from %s, lease valid until %s", req.Address, expiresAt.Format(time.RFC3339))
	return Response{}
}

func (h *ManagerHandler) clusterStatus() (Response, error) {
	status := common.ClusterStatus{Servers: h.LiveServers()}
	data, err := h.serializer.SerializeClusterStatus(status)
	if err != nil {
		return Response{}, fmt.Errorf("failed to serialize cluster status: %w", err)
	}
	return Response{Data: data}, nil
}

// pruneLease deletes the lease of address if it is still expired at now
func (h *ManagerHandler) pruneLease(address string, now time.Time) {
	h.leases.Compute(address, func(l lease, loaded bool) (lease, bool) {
		if loaded && !l.expiresAt.After(now) {
			managerLogger.Infof("Lease of server %s expired", address)
			return l, true
		}
		return l, !loaded
	})
}
