package pointcloud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pointformer_forward_duration_seconds",
		Help:    "Time spent in a full network forward pass",
		Buckets: prometheus.DefBuckets,
	})

	backwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pointformer_backward_duration_seconds",
		Help:    "Time spent in a full network backward pass",
		Buckets: prometheus.DefBuckets,
	})

	pointsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointformer_points_total",
		Help: "Total number of input points processed",
	})

	forwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointformer_forward_errors_total",
		Help: "Forward passes that failed, by stage kind",
	}, []string{"layer_type"})
)
