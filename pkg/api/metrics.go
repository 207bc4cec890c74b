package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler builds the /metrics endpoint on a dedicated registry so
// tests can run several servers without duplicate-registration panics.
func (s *Server) metricsHandler() gin.HandlerFunc {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if s.pool != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "macaron_pool_active_runs",
				Help: "Mission runs currently executing on this replica.",
			},
			func() float64 { return float64(s.pool.Active()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "macaron_pool_processed_runs_total",
				Help: "Mission runs processed by this replica since start.",
			},
			func() float64 { return float64(s.pool.Processed()) },
		))
	}
	if s.bus != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "macaron_bus_sessions",
				Help: "Live session event streams.",
			},
			func() float64 { return float64(s.bus.Sessions()) },
		))
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "macaron_bus_queue_depth",
				Help: "Buffered events across all session backlogs.",
			},
			func() float64 { return float64(s.bus.QueueDepth()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "macaron_bus_dropped_events_total",
				Help: "Events discarded by backlog or subscriber overflow.",
			},
			func() float64 { return float64(s.bus.Dropped()) },
		))
	}
	reg.MustRegister(&runStatusCollector{db: s.db})

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// runStatusCollector exports mission run counts per status, queried at
// scrape time. Scrape failures export nothing rather than stale values.
type runStatusCollector struct {
	db Store
}

var runStatusDesc = prometheus.NewDesc(
	"macaron_runs",
	"Mission runs by status.",
	[]string{"status"}, nil,
)

func (rc *runStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- runStatusDesc
}

func (rc *runStatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	counts, err := rc.db.CountRunsByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			runStatusDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
