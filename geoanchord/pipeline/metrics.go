// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Terminal outcomes of a create.
const (
	outcomeAnchored  = "anchored"
	outcomeExisting  = "existing"
	outcomeRejected  = "rejected"
	outcomeOrphaned  = "orphaned"
	outcomeFailed    = "failed"
	outcomeMalformed = "malformed"
)

// Metrics provides observability for the create pipeline.
type Metrics struct {
	Creates        *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	Reconciled     *prometheus.CounterVec
	CreateDuration prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Creates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_creates_total",
			Help: "Create requests by terminal outcome",
		}, []string{"outcome"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_conflicts_total",
			Help: "Rejected creates by conflict kind",
		}, []string{"kind"}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_compensations_total",
			Help: "Saga compensations by action",
		}, []string{"action"}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_reconciled_total",
			Help: "Reconciler actions",
		}, []string{"action"}),
		CreateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "geoanchor_create_duration_seconds",
			Help:    "Duration of create requests including the ledger write",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.Creates.WithLabelValues(o).Inc()
}

func (m *Metrics) conflict(k ConflictKind) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) compensation(action string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(action).Inc()
}

func (m *Metrics) reconciled(action string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(action).Inc()
}

// observeCreate records the duration of a create.  Call with time.Now()
// at the start of the operation.
func (m *Metrics) observeCreate(start time.Time) {
	if m == nil {
		return
	}
	m.CreateDuration.Observe(time.Since(start).Seconds())
}
