package obs

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"provenance.org/internal/ledger"
)

var (
	passportsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "passport_issued_total",
		Help: "Passports issued.",
	})

	custodyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_custody_events_total",
			Help: "Custody events appended, by kind.",
		},
		[]string{"kind"},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_verifications_total",
			Help: "Verification lookups, by outcome.",
		},
		[]string{"outcome"},
	)

	sequenceConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "passport_sequence_conflicts_total",
		Help: "Custody appends that lost an optimistic concurrency race.",
	})

	revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_revocations_total",
			Help: "Passports revoked, by reason.",
		},
		[]string{"reason"},
	)
)

// ObserveVerification counts one verification outcome.
func ObserveVerification(outcome string) {
	verifications.WithLabelValues(outcome).Inc()
}

// ObserveSequenceConflict counts one lost append race.
func ObserveSequenceConflict() { sequenceConflicts.Inc() }

// LedgerMetrics counts committed ledger changes.
type LedgerMetrics struct{}

// Committed implements ledger.Notifier.
func (LedgerMetrics) Committed(_ context.Context, c ledger.Change) {
	switch c.Kind {
	case ledger.ChangeIssued:
		passportsIssued.Inc()
	case ledger.ChangeTransferred:
		if c.Event != nil {
			custodyEvents.WithLabelValues(string(c.Event.Kind)).Inc()
		}
	case ledger.ChangeRevoked:
		revocations.WithLabelValues(string(c.Passport.RevocationReason)).Inc()
	}
}
