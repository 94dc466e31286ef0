package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrMissingType is returned when a decoded object has no type field.
var ErrMissingType = errors.New("envelope has no type")

// DecodeError describes one malformed object inside an inbound frame.
type DecodeError struct {
	Line int    // 1-based line within the frame
	Raw  []byte // offending bytes
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serialises an envelope as a single JSON object without HTML
// escaping, so content reaches the server byte-for-byte.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeFrame decodes every newline-separated JSON object in frame.
//
// Blank lines are skipped. Each malformed line yields a *DecodeError and
// decoding continues with the next line.
func DecodeFrame(frame []byte) ([]Envelope, []error) {
	var (
		envs []Envelope
		errs []error
	)
	DecodeEach(frame, func(env Envelope, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		envs = append(envs, env)
	})
	return envs, errs
}

// DecodeEach calls fn once per non-blank line of frame, in line order,
// with either the decoded envelope or a *DecodeError.
func DecodeEach(frame []byte, fn func(Envelope, error)) {
	for i, line := range bytes.Split(frame, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			fn(Envelope{}, &DecodeError{Line: i + 1, Raw: line, Err: err})
			continue
		}
		if env.Type == "" {
			fn(Envelope{}, &DecodeError{Line: i + 1, Raw: line, Err: ErrMissingType})
			continue
		}
		fn(env, nil)
	}
}

// NormalizeContent returns the NFC form of content. Deliveries are matched
// against sends on normalised content so composed and decomposed spellings
// of the same text compare equal.
func NormalizeContent(content string) string {
	return norm.NFC.String(content)
}
