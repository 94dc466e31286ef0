package harness

import (
	"fmt"
	"sort"

	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/user"
)

// ExpectationError is returned when an expectation does not hold.
type ExpectationError struct {
	Kind     string // "sends", "deliveries", "receives" or "not_receives"
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("expectation failed: %s: expected %s, got %s", e.Kind, e.Expected, e.Actual)
}

// EvaluateExpectations checks exp against a finished run and returns a
// message per failed expectation.
func EvaluateExpectations(result *Result, exp *Expect) []string {
	if exp == nil {
		return nil
	}
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if exp.Sends != nil && len(result.Sends) != *exp.Sends {
		add(&ExpectationError{
			Kind:     "sends",
			Expected: fmt.Sprintf("%d sends", *exp.Sends),
			Actual:   fmt.Sprintf("%d", len(result.Sends)),
		})
	}

	names := make([]string, 0, len(exp.Deliveries))
	for name := range exp.Deliveries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := exp.Deliveries[name]
		got := len(deliveredContents(result.Logs[name]))
		if got != want {
			add(&ExpectationError{
				Kind:     "deliveries",
				Expected: fmt.Sprintf("%d deliveries to %s", want, name),
				Actual:   fmt.Sprintf("%d", got),
			})
		}
	}

	for _, c := range exp.Receives {
		if !received(result.Logs[c.User], c.Content) {
			add(&ExpectationError{
				Kind:     "receives",
				Expected: fmt.Sprintf("%s to receive %q", c.User, c.Content),
				Actual:   "not received",
			})
		}
	}
	for _, c := range exp.NotReceives {
		if received(result.Logs[c.User], c.Content) {
			add(&ExpectationError{
				Kind:     "not_receives",
				Expected: fmt.Sprintf("%s not to receive %q", c.User, c.Content),
				Actual:   "received",
			})
		}
	}
	return errs
}

func deliveredContents(log []user.Event) []string {
	var out []string
	for _, ev := range log {
		if ev.IsDelivery() {
			out = append(out, ev.Envelope.Content)
		}
	}
	return out
}

func received(log []user.Event, content string) bool {
	want := protocol.NormalizeContent(content)
	for _, c := range deliveredContents(log) {
		if protocol.NormalizeContent(c) == want {
			return true
		}
	}
	return false
}
