package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusError    = "error"
	statusReplayed = "replayed"

	operationExpire = "expire"
)

// Metrics counts ledger operations on a Prometheus registry.
type Metrics struct {
	operationsTotal  *prometheus.CounterVec
	operationCredits *prometheus.HistogramVec
	expiredCredits   prometheus.Counter
}

// NewMetrics creates the ledger collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditwallet_ledger_operations_total",
				Help: "Total number of ledger operations by outcome",
			},
			[]string{"operation", "status"},
		),
		operationCredits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditwallet_ledger_operation_credits",
				Help:    "Credits moved by successful ledger operations",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"operation"},
		),
		expiredCredits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditwallet_ledger_expired_credits_total",
				Help: "Total credits removed by expiry",
			},
		),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{metrics.operationsTotal, metrics.operationCredits, metrics.expiredCredits} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operationsTotal.WithLabelValues(entry.Operation, outcome(entry)).Inc()
	if entry.Error != nil || entry.Replayed || entry.TransactionID == "" {
		return
	}
	amount := entry.Amount.Abs().InexactFloat64()
	metrics.operationCredits.WithLabelValues(entry.Operation).Observe(amount)
	if entry.Operation == operationExpire {
		metrics.expiredCredits.Add(amount)
	}
}

func outcome(entry ledger.OperationLog) string {
	switch {
	case entry.Error == nil && entry.Replayed:
		return statusReplayed
	case entry.Error == nil:
		return statusOK
	case ledger.IsRejection(entry.Error):
		return statusRejected
	default:
		return statusError
	}
}
