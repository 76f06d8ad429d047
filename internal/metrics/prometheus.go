package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink on the Prometheus client library.
// Registration errors are logged, never propagated.
type PrometheusSink struct {
	scansTotal    prometheus.Counter
	scanErrsTotal prometheus.Counter
	dueJobsLast   prometheus.Gauge
	pollsTotal    *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		scansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_scheduler_scans_total",
			Help: "Total due-job scans performed.",
		}),
		scanErrsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_scheduler_scan_errors_total",
			Help: "Total due-job scans that failed.",
		}),
		dueJobsLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_scheduler_due_jobs",
			Help: "Due jobs found by the most recent scan.",
		}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_polls_total",
			Help: "Availability polls by result category.",
		}, []string{"category"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_jobs_in_flight",
			Help: "Jobs currently polling.",
		}),
	}
	for name, c := range map[string]prometheus.Collector{
		"sniper_scheduler_scans_total":       s.scansTotal,
		"sniper_scheduler_scan_errors_total": s.scanErrsTotal,
		"sniper_scheduler_due_jobs":          s.dueJobsLast,
		"sniper_polls_total":                 s.pollsTotal,
		"sniper_jobs_finished_total":         s.jobsFinished,
		"sniper_jobs_in_flight":              s.jobsInFlight,
	} {
		if err := reg.Register(c); err != nil {
			slog.Warn("metrics: register failed", "metric", name, "err", err)
		}
	}
	return s
}

func (s *PrometheusSink) ScanCompleted(due int, err error) {
	s.scansTotal.Inc()
	s.dueJobsLast.Set(float64(due))
	if err != nil {
		s.scanErrsTotal.Inc()
	}
}

func (s *PrometheusSink) PollCompleted(category string) {
	s.pollsTotal.WithLabelValues(category).Inc()
}

func (s *PrometheusSink) JobFinished(status string) {
	s.jobsFinished.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) JobsInFlightIncr() { s.jobsInFlight.Inc() }
func (s *PrometheusSink) JobsInFlightDecr() { s.jobsInFlight.Dec() }
