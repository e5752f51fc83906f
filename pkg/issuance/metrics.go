package issuance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// Operations recorded in metrics.
const (
	OpIssue  = "issue"
	OpRevoke = "revoke"
	OpSign   = "sign"
	OpRebake = "rebake"
)

// Metrics provides observability for issuance.
type Metrics struct {
	// Operation outcomes by operation and result code
	Operations *prometheus.CounterVec
}

// NewMetrics registers the issuance metrics with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		Operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "badgehub_issuance_operations_total",
			Help: "Total issuance operations by operation and result",
		}, []string{"operation", "result"}),
	}
}

// IncrementOperation records an operation. The result label is "ok" or the badge error code.
func (m *Metrics) IncrementOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = badge.GetErrorCode(err)
		if result == "" {
			result = "error"
		}
	}
	m.Operations.WithLabelValues(op, result).Inc()
}
