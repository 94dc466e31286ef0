package harness

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var scenarioSchema string

// SchemaError lists every schema violation found in a scenario file.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 1 {
		return "schema violation: " + e.Issues[0]
	}
	return fmt.Sprintf("%d schema violations, first: %s", len(e.Issues), e.Issues[0])
}

// ValidateSchema checks scenario YAML against the embedded CUE schema.
// Unlike ParseScenario it reports every problem, not just the first.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(scenarioSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile scenario schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		var issues []string
		for _, e := range cueerrors.Errors(err) {
			issues = append(issues, e.Error())
		}
		return &SchemaError{Issues: issues}
	}
	return nil
}
