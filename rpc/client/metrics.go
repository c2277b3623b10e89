package client

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dinoallo/sealfs/rpc/common"
)

var (
	dialErrorsTotal = metrics.NewCounter("sealfs_client_dial_errors_total")
	evictionsTotal  = metrics.NewCounter("sealfs_client_evictions_total")
)

func callsTotal(op common.OperationType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`sealfs_client_calls_total{op=%q}`, op.String()))
}

func callErrorsTotal(op common.OperationType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`sealfs_client_call_errors_total{op=%q}`, op.String()))
}
