package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/roomcheck/internal/verify"
)

// AssertGolden renders the result's report as text and compares it
// against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Only deterministic runs belong in golden files: the text report has no
// timestamps or connection IDs, but fault messages may carry transport
// details that vary between machines.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	var buf bytes.Buffer
	if err := verify.WriteText(&buf, result.Report); err != nil {
		t.Fatalf("failed to render report: %v", err)
	}
	for _, e := range result.Errors {
		buf.WriteString("  " + e + "\n")
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}
