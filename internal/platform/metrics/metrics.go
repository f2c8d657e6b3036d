package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for identifier issuance and
// moderation. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Allocations       *prometheus.CounterVec
	AllocationRetries prometheus.Counter
	AllocationFails   *prometheus.CounterVec
	ClockWaits        prometheus.Counter
	Enumerated        prometheus.Counter
	PendingApprovals  *prometheus.CounterVec
	ApprovalsResolved *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpi_hid_allocations_total",
			Help: "Health identifiers issued, by allocation strategy",
		}, []string{"strategy"}),
		AllocationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpi_hid_allocation_retries_total",
			Help: "Packed bodies discarded for failing structural validation",
		}),
		AllocationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpi_hid_allocation_failures_total",
			Help: "Allocation calls that returned an error, by reason",
		}, []string{"reason"}),
		ClockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpi_hid_clock_waits_total",
			Help: "Polls spent waiting for the allocator clock to reach a usable tick",
		}),
		Enumerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpi_hid_enumerated_total",
			Help: "Identifiers written by the offline pool enumerator",
		}),
		PendingApprovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpi_pending_approvals_total",
			Help: "Proposals deferred for approval, by field",
		}, []string{"field"}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpi_approvals_resolved_total",
			Help: "Pending approvals resolved, by decision",
		}, []string{"decision"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Allocations,
			m.AllocationRetries,
			m.AllocationFails,
			m.ClockWaits,
			m.Enumerated,
			m.PendingApprovals,
			m.ApprovalsResolved,
		)
	}
	return m
}

func (m *Metrics) IncAllocation(strategy string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(strategy).Inc()
}

func (m *Metrics) AddRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AllocationRetries.Add(float64(n))
}

func (m *Metrics) IncAllocationFailure(reason string) {
	if m == nil {
		return
	}
	m.AllocationFails.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncClockWait() {
	if m == nil {
		return
	}
	m.ClockWaits.Inc()
}

func (m *Metrics) AddEnumerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Enumerated.Add(float64(n))
}

func (m *Metrics) IncPendingApproval(field string) {
	if m == nil {
		return
	}
	m.PendingApprovals.WithLabelValues(field).Inc()
}

func (m *Metrics) IncResolved(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.WithLabelValues(decision).Inc()
}
