package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteText renders r for a terminal.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder

	mark := "✓"
	if !r.Pass {
		mark = "✗"
	}
	echo := "off"
	if r.Echo {
		echo = "on"
	}
	c := r.Counts
	fmt.Fprintf(&b, "%s %s (echo %s)\n", mark, r.Scenario, echo)
	fmt.Fprintf(&b, "  sends %d, transmitted %d, deliveries %d\n", c.Sends, c.Transmitted, c.Deliveries)
	fmt.Fprintf(&b, "  isolation %d, loss %d, ordering %d, duplicate %d, unexpected %d, faults %d\n",
		c.Isolation, c.Loss, c.Ordering, c.Duplicate, c.Unexpected, c.Faults)

	for _, s := range r.Recipients {
		fmt.Fprintf(&b, "  %s: received %d, expected %d, matched %d\n", s.Recipient, s.Received, s.Expected, s.Matched)
	}

	if len(r.Violations) > 0 {
		b.WriteString("  violations:\n")
		for _, v := range r.Violations {
			ref := v.SendID
			if ref == "" {
				ref = "-"
			}
			if v.MessageID != "" {
				ref += fmt.Sprintf(" (message %s)", v.MessageID)
			}
			fmt.Fprintf(&b, "    [%s] %s -> %s: %s\n", v.Category, ref, v.Recipient, v.Detail)
		}
	}

	if len(r.Faults) > 0 {
		b.WriteString("  faults:\n")
		for _, f := range r.Faults {
			var where []string
			if f.Step > 0 {
				where = append(where, fmt.Sprintf("step %d", f.Step))
			}
			if f.User != "" {
				where = append(where, f.User)
			}
			prefix := ""
			if len(where) > 0 {
				prefix = strings.Join(where, ", ") + ": "
			}
			fmt.Fprintf(&b, "    [%s] %s%s\n", f.Kind, prefix, f.Message)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}
