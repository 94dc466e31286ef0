package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/roomcheck/internal/verify"
)

// marshalJSON encodes v as compact JSON TEXT without HTML escaping, so
// message contents are stored as sent.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

func marshalReport(r *verify.Report) (string, error) {
	data, err := marshalJSON(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

func unmarshalReport(data string) (*verify.Report, error) {
	var r verify.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

func marshalErrors(errs []string) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	data, err := marshalJSON(errs)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return data, nil
}

// unmarshalErrors returns nil for an empty list.
func unmarshalErrors(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var errs []string
	if err := json.Unmarshal([]byte(data), &errs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return errs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
