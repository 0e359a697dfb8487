package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	queueDepth    *prometheus.GaugeVec
	executions    *prometheus.CounterVec
	executionTime prometheus.Histogram
	packetTime    *prometheus.HistogramVec
	published     prometheus.Counter
	publishErrors prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) (*collectors, error) {
	c := &collectors{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "brickrunner",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Current number of packets waiting in a queue",
			},
			[]string{"queue"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "brickrunner",
				Subsystem: "brick",
				Name:      "executions_total",
				Help:      "Total number of transform executions",
			},
			[]string{"status"},
		),
		executionTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "brickrunner",
				Subsystem: "brick",
				Name:      "execution_duration_seconds",
				Help:      "Transform execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		packetTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "brickrunner",
				Subsystem: "packet",
				Name:      "stage_duration_seconds",
				Help:      "Time a packet spent per stage (traveling, input, output, wire)",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		published: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "brickrunner",
				Subsystem: "metrics",
				Name:      "events_published_total",
				Help:      "Total number of telemetry events published to the sink",
			},
		),
		publishErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "brickrunner",
				Subsystem: "metrics",
				Name:      "publish_errors_total",
				Help:      "Total number of failed sink publishes",
			},
		),
	}

	for _, col := range []prometheus.Collector{
		c.queueDepth, c.executions, c.executionTime, c.packetTime, c.published, c.publishErrors,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
