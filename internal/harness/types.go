package harness

import (
	"time"

	"github.com/roach88/roomcheck/internal/user"
	"github.com/roach88/roomcheck/internal/verify"
)

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string `json:"scenario"`

	// Pass is true when verification found nothing and every
	// expectation held.
	Pass bool `json:"pass"`

	Report *verify.Report `json:"report"`

	// Errors lists failed expectations.
	Errors []string `json:"errors,omitempty"`

	// Sends is the ground truth the report was computed from.
	Sends []verify.Send `json:"sends"`

	// Logs holds each user's final event log.
	Logs map[string][]user.Event `json:"-"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Faults returns the faults recorded in the report.
func (r *Result) Faults() []verify.Fault {
	if r.Report == nil {
		return nil
	}
	return r.Report.Faults
}

// HasFault reports whether a fault of kind was recorded.
func (r *Result) HasFault(kind verify.FaultKind) bool {
	for _, f := range r.Faults() {
		if f.Kind == kind {
			return true
		}
	}
	return false
}
