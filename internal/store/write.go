package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/roomcheck/internal/verify"
)

// Run is one stored scenario run.
type Run struct {
	ID       string
	Scenario string
	Started  time.Time
	Duration time.Duration
	Report   *verify.Report
	// Errors lists failed scenario expectations.
	Errors []string
}

// Pass reports whether the run passed verification and every expectation.
func (r *Run) Pass() bool {
	return r.Report != nil && r.Report.Pass && len(r.Errors) == 0
}

// NewRunID returns a fresh run ID.
func NewRunID() string {
	return uuid.NewString()
}

// WriteRun inserts a run together with its violations and faults.
// An empty ID is filled in with NewRunID. Writing an ID twice fails.
func (s *Store) WriteRun(ctx context.Context, run *Run) error {
	if run.Report == nil {
		return errors.New("write run: report is required")
	}
	if run.ID == "" {
		run.ID = NewRunID()
	}

	report, err := marshalReport(run.Report)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	errs, err := marshalErrors(run.Errors)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, scenario, echo, pass, started_at, duration_ms, sends, deliveries, report, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Scenario,
		boolToInt(run.Report.Echo),
		boolToInt(run.Pass()),
		run.Started.UTC().Format(time.RFC3339Nano),
		run.Duration.Milliseconds(),
		run.Report.Counts.Sends,
		run.Report.Counts.Deliveries,
		report,
		errs,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	for i, v := range run.Report.Violations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO violations (run_id, idx, category, send_id, message_id, recipient, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, string(v.Category), v.SendID, string(v.MessageID), v.Recipient, v.Detail)
		if err != nil {
			return fmt.Errorf("write run: violation %d: %w", i, err)
		}
	}
	for i, f := range run.Report.Faults {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO faults (run_id, idx, kind, user, step, message)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, i, string(f.Kind), f.User, f.Step, f.Message)
		if err != nil {
			return fmt.Errorf("write run: fault %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}
