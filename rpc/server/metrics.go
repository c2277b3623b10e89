package server

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dinoallo/sealfs/rpc/common"
)

var (
	openConnections atomic.Int64

	acceptedTotal  = metrics.NewCounter("sealfs_server_accepted_connections_total")
	bytesReadTotal = metrics.NewCounter("sealfs_server_read_bytes_total")
	bytesSentTotal = metrics.NewCounter("sealfs_server_written_bytes_total")

	oversizedResponsesTotal = metrics.NewCounter("sealfs_server_oversized_responses_total")

	_ = metrics.NewGauge("sealfs_server_open_connections", func() float64 {
		return float64(openConnections.Load())
	})
)

func requestsTotal(op common.OperationType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`sealfs_server_requests_total{op=%q}`, op.String()))
}

func handlerErrorsTotal(op common.OperationType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`sealfs_server_handler_errors_total{op=%q}`, op.String()))
}

func dispatchDuration(op common.OperationType) *metrics.Histogram {
	return metrics.GetOrCreateHistogram(fmt.Sprintf(`sealfs_server_dispatch_duration_seconds{op=%q}`, op.String()))
}
