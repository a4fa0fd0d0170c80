package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_frames_total",
			Help: "Frames received from LightField, by outcome",
		},
		[]string{"result"},
	)

	statusMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightfield_status",
		Help: "Device status (0 initializing, 1 ready, 2 running, 3 fault, 4 offline)",
	})

	startsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_starts_total",
			Help: "Acquisitions and previews started",
		},
		[]string{"mode"},
	)

	freeNameMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightfield_filename_increments_total",
		Help: "Times the file index was advanced to avoid overwriting data",
	})
)
