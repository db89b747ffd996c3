package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_rotations_started_total",
		Help: "Rotation jobs started, by secret type.",
	}, []string{"type"})

	rotationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_rotations_completed_total",
		Help: "Rotation jobs completed successfully, by secret type.",
	}, []string{"type"})

	rotationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_rotations_failed_total",
		Help: "Rotation jobs that ended in failure, by secret type.",
	}, []string{"type"})

	rotationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustplane_rotation_duration_seconds",
		Help:    "Wall-clock duration of rotation jobs, by secret type.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})
)
