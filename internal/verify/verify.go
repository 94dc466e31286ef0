package verify

import (
	"fmt"
	"sort"

	"github.com/roach88/roomcheck/internal/protocol"
)

type matchKey struct {
	room    protocol.ID
	content string
}

type verifier struct {
	in      Input
	sends   []*Send
	index   map[matchKey][]*Send
	matched map[string]map[string]bool // recipient -> send ID
	report  *Report
}

// Verify attributes deliveries to sends and reports every violation.
// Violations are ordered by recipient and arrival, followed by losses in
// send order.
func Verify(in Input) *Report {
	v := &verifier{
		in:      in,
		index:   make(map[matchKey][]*Send),
		matched: make(map[string]map[string]bool),
		report: &Report{
			Scenario:   in.Scenario,
			Echo:       in.Echo,
			Violations: []Violation{},
			Faults:     append([]Fault{}, in.Faults...),
			Recipients: []RecipientSummary{},
		},
	}

	for i := range in.Sends {
		v.sends = append(v.sends, &in.Sends[i])
	}
	sort.SliceStable(v.sends, func(i, j int) bool { return v.sends[i].Seq < v.sends[j].Seq })
	for _, s := range v.sends {
		k := matchKey{room: s.Room, content: protocol.NormalizeContent(s.Content)}
		v.index[k] = append(v.index[k], s)
	}

	summaries := make(map[string]*RecipientSummary)
	for _, rcpt := range v.recipients() {
		summaries[rcpt] = &RecipientSummary{Recipient: rcpt}
		v.matched[rcpt] = make(map[string]bool)
		v.attribute(rcpt, summaries[rcpt])
	}
	v.findLosses(summaries)

	c := &v.report.Counts
	c.Sends = len(v.sends)
	for _, s := range v.sends {
		if !s.Failed {
			c.Transmitted++
		}
	}
	for _, viol := range v.report.Violations {
		summaries[viol.Recipient].Violations++
		switch viol.Category {
		case CategoryIsolation:
			c.Isolation++
		case CategoryLoss:
			c.Loss++
		case CategoryOrdering:
			c.Ordering++
		case CategoryDuplicate:
			c.Duplicate++
		case CategoryUnexpected:
			c.Unexpected++
		}
	}
	c.Faults = len(v.report.Faults)

	for _, rcpt := range v.recipients() {
		c.Deliveries += summaries[rcpt].Received
		v.report.Recipients = append(v.report.Recipients, *summaries[rcpt])
	}

	v.report.Pass = len(v.report.Violations) == 0 && len(v.report.Faults) == 0
	return v.report
}

// recipients returns every session that received something or was
// expected to, sorted.
func (v *verifier) recipients() []string {
	set := make(map[string]bool)
	for label := range v.in.Deliveries {
		set[label] = true
	}
	for _, s := range v.sends {
		for _, m := range s.Members {
			set[m] = true
		}
	}
	out := make([]string, 0, len(set))
	for label := range set {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func (v *verifier) attribute(rcpt string, sum *RecipientSummary) {
	seenMessage := make(map[protocol.ID]string)
	lastSeq := make(map[string]int64) // sender session -> highest seq seen

	for _, d := range v.in.Deliveries[rcpt] {
		sum.Received++
		env := d.Envelope

		if env.MessageID != "" {
			if prev, ok := seenMessage[env.MessageID]; ok {
				v.add(Violation{
					Category:  CategoryDuplicate,
					SendID:    prev,
					MessageID: env.MessageID,
					Recipient: rcpt,
					Detail:    fmt.Sprintf("message %s delivered again", env.MessageID),
				})
				continue
			}
		}

		s, repeat := v.pick(rcpt, env)
		if env.MessageID != "" {
			if s != nil {
				seenMessage[env.MessageID] = s.ID
			} else {
				seenMessage[env.MessageID] = ""
			}
		}
		if s == nil {
			v.add(Violation{
				Category:  CategoryUnexpected,
				MessageID: env.MessageID,
				Recipient: rcpt,
				Detail:    fmt.Sprintf("%q in room %s matches no send", env.Content, env.RoomID),
			})
			continue
		}
		if repeat {
			v.add(Violation{
				Category:  CategoryDuplicate,
				SendID:    s.ID,
				MessageID: env.MessageID,
				Recipient: rcpt,
				Detail:    fmt.Sprintf("%q from %s delivered again", s.Content, s.Conn),
			})
			continue
		}
		v.matched[rcpt][s.ID] = true

		if rcpt == s.Conn && !v.in.Echo {
			v.add(Violation{
				Category:  CategoryUnexpected,
				SendID:    s.ID,
				MessageID: env.MessageID,
				Recipient: rcpt,
				Detail:    fmt.Sprintf("own message %q echoed back", s.Content),
			})
			continue
		}
		if !contains(s.Members, rcpt) {
			v.add(Violation{
				Category:  CategoryIsolation,
				SendID:    s.ID,
				MessageID: env.MessageID,
				Recipient: rcpt,
				Detail:    fmt.Sprintf("%q from %s reached a session not joined to room %s", s.Content, s.Conn, s.Room),
			})
			continue
		}

		if last, ok := lastSeq[s.Conn]; ok && s.Seq < last {
			v.add(Violation{
				Category:  CategoryOrdering,
				SendID:    s.ID,
				MessageID: env.MessageID,
				Recipient: rcpt,
				Detail:    fmt.Sprintf("%q from %s arrived after a later send", s.Content, s.Conn),
			})
		} else {
			lastSeq[s.Conn] = s.Seq
		}
		if v.expected(s, rcpt) {
			sum.Matched++
		}
	}
}

// pick returns the send a delivery is attributed to. repeat is set when
// every candidate was already delivered to rcpt.
func (v *verifier) pick(rcpt string, env protocol.Envelope) (s *Send, repeat bool) {
	var candidates []*Send
	allowed, known := v.in.SenderIDs[env.Sender]
	for _, c := range v.index[matchKey{room: env.RoomID, content: protocol.NormalizeContent(env.Content)}] {
		if env.Sender != "" && known && !contains(allowed, c.Sender) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	for _, c := range candidates {
		if !v.matched[rcpt][c.ID] && v.expected(c, rcpt) {
			return c, false
		}
	}
	for _, c := range candidates {
		if !v.matched[rcpt][c.ID] {
			return c, false
		}
	}
	return candidates[0], true
}

func (v *verifier) expected(s *Send, rcpt string) bool {
	if s.Failed || !s.SenderJoined {
		return false
	}
	if rcpt == s.Conn && !v.in.Echo {
		return false
	}
	return contains(s.Members, rcpt)
}

func (v *verifier) findLosses(summaries map[string]*RecipientSummary) {
	for _, s := range v.sends {
		for _, m := range s.Members {
			if !v.expected(s, m) {
				continue
			}
			summaries[m].Expected++
			if v.matched[m][s.ID] {
				continue
			}
			v.add(Violation{
				Category:  CategoryLoss,
				SendID:    s.ID,
				Recipient: m,
				Detail:    fmt.Sprintf("%q from %s never arrived", s.Content, s.Conn),
			})
		}
	}
}

func (v *verifier) add(viol Violation) {
	v.report.Violations = append(v.report.Violations, viol)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
