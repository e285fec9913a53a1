package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SalesCompleted counts sales that committed.
	SalesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigfarma_sales_completed_total",
		Help: "Number of sale transactions committed.",
	})

	// SalesRejected counts sales aborted before commit, by reason.
	SalesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigfarma_sales_rejected_total",
		Help: "Number of sale transactions rejected, labeled by reason.",
	}, []string{"reason"})
)
