package changerequest

import "time"

// Outcome labels for Metrics.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeForbidden = "forbidden"
	OutcomeError     = "error"
)

// Metrics receives one observation per workflow operation.
type Metrics interface {
	ObserveOperation(kind Kind, event string, outcome string, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(Kind, string, string, time.Duration) {}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsClientError(err):
		return OutcomeRejected
	case IsConflict(err):
		return OutcomeConflict
	case IsForbidden(err):
		return OutcomeForbidden
	default:
		return OutcomeError
	}
}
