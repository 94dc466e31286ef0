package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/roomcheck/internal/harness"
)

// FileValidation holds the validation result of one scenario file.
type FileValidation struct {
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario files or dirs...>",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files against the scenario schema without connecting
to a server.

Every file is checked against the embedded CUE schema, which reports
all problems at once, and then parsed strictly the way run loads it.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	files, err := findScenarioFiles(args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "no scenario files found", nil)
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, path := range files {
		formatter.VerboseLog("Validating %s", path)
		fv := validateFile(path)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	invalid := 0
	for _, fv := range result.Files {
		if !fv.Valid {
			invalid++
		}
	}
	msg := fmt.Sprintf("validation failed for %d file(s)", invalid)

	if formatter.JSON() {
		if err := formatter.Result(result.Valid, result, ErrCodeSchema, msg); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(w, "✓ %s\n", fv.Path)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", fv.Path)
			for _, e := range fv.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
	}

	if !result.Valid {
		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, msg)
	}
	return nil
}

// validateFile runs the schema check and then the strict parse, so a file
// reported valid here also loads in run.
func validateFile(path string) FileValidation {
	fv := FileValidation{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		fv.Errors = []string{fmt.Sprintf("failed to read scenario file: %v", err)}
		return fv
	}

	if err := harness.ValidateSchema(data); err != nil {
		var serr *harness.SchemaError
		if errors.As(err, &serr) {
			fv.Errors = append(fv.Errors, serr.Issues...)
		} else {
			fv.Errors = append(fv.Errors, err.Error())
		}
	}
	if _, err := harness.ParseScenario(data); err != nil {
		fv.Errors = append(fv.Errors, err.Error())
	}

	fv.Valid = len(fv.Errors) == 0
	return fv
}
