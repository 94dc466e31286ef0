package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/roomcheck/internal/verify"
)

// ErrRunNotFound is returned by GetRun when no run matches.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is a run without its report.
type RunSummary struct {
	ID         string        `json:"id"`
	Scenario   string        `json:"scenario"`
	Echo       bool          `json:"echo"`
	Pass       bool          `json:"pass"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Sends      int           `json:"sends"`
	Deliveries int           `json:"deliveries"`
	Violations int           `json:"violations"`
	Faults     int           `json:"faults"`
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Scenario string // exact scenario name, empty for all
	Limit    int    // 0 for no limit
}

// ListRuns returns stored runs, newest first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]RunSummary, error) {
	query := `
		SELECT r.id, r.scenario, r.echo, r.pass, r.started_at, r.duration_ms, r.sends, r.deliveries,
			(SELECT COUNT(*) FROM violations v WHERE v.run_id = r.id),
			(SELECT COUNT(*) FROM faults f WHERE f.run_id = r.id)
		FROM runs r`
	var args []any
	if f.Scenario != "" {
		query += " WHERE r.scenario = ?"
		args = append(args, f.Scenario)
	}
	query += " ORDER BY r.seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var (
			sum        RunSummary
			echo, pass int
			started    string
			durationMs int64
		)
		if err := rows.Scan(&sum.ID, &sum.Scenario, &echo, &pass, &started, &durationMs,
			&sum.Sends, &sum.Deliveries, &sum.Violations, &sum.Faults); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Echo = echo != 0
		sum.Pass = pass != 0
		sum.Duration = time.Duration(durationMs) * time.Millisecond
		if sum.Started, err = parseTime(started); err != nil {
			return nil, err
		}
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns the run whose ID is id or starts with id.
// A prefix matching more than one run is an error.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("get run: %w", ErrRunNotFound)
	}
	pattern := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(id) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, started_at, duration_ms, report, errors
		FROM runs
		WHERE id LIKE ? ESCAPE '\'
		ORDER BY seq ASC
		LIMIT 2
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("get run %s: prefix is ambiguous", id)
	}
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		run                 Run
		started, report, es string
		durationMs          int64
	)
	if err := rows.Scan(&run.ID, &run.Scenario, &started, &durationMs, &report, &es); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.Started, err = parseTime(started); err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	if run.Report, err = unmarshalReport(report); err != nil {
		return nil, err
	}
	if run.Errors, err = unmarshalErrors(es); err != nil {
		return nil, err
	}
	return &run, nil
}

// CategoryCounts totals stored violations per category across all runs.
func (s *Store) CategoryCounts(ctx context.Context) (map[verify.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM violations
		GROUP BY category
		ORDER BY category COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query violation counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[verify.Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan violation count: %w", err)
		}
		counts[verify.Category(category)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violation counts: %w", err)
	}
	return counts, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse started_at %q: %w", s, err)
	}
	return t, nil
}
