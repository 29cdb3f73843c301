package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Ticks             = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_ticks_total", Help: "Coordinator tick invocations"})
	ClaimsLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_claims_lost_total", Help: "Claim attempts lost to a concurrent invocation"})
	Completed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_completed_total", Help: "Audits driven to completion"})
	Retried           = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_retries_total", Help: "Jobs reset to pending after a transient failure"})
	Failed            = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_failed_total", Help: "Jobs ended in terminal failure"})
	EmailsSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_emails_sent_total", Help: "Report emails confirmed sent"})
	DuplicatesAverted = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_duplicate_sends_averted_total", Help: "Sends skipped because the marker was already committed or reserved"})
	StuckReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_stuck_reclaimed_total", Help: "Processing jobs reset by the staleness sweep"})
	OrphansRequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_orphans_requeued_total", Help: "Audit records re-enqueued by the orphan sweep"})
	PendingDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audit_jobs_pending", Help: "Pending queue depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Ticks,
			ClaimsLost,
			Completed,
			Retried,
			Failed,
			EmailsSent,
			DuplicatesAverted,
			StuckReclaimed,
			OrphansRequeued,
			PendingDepth,
		)
	})
	return promhttp.Handler()
}
