package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomcheck/internal/store"
	"github.com/roach88/roomcheck/internal/verify"
)

func executeHistory(t *testing.T, format string, environ map[string]string, args ...string) (string, error) {
	t.Helper()
	if environ == nil {
		environ = map[string]string{}
	}
	buf := &bytes.Buffer{}
	cmd := newHistoryCommand(&HistoryOptions{
		RootOptions: &RootOptions{Format: format},
		Environ:     environ,
	})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func seedHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, st.WriteRun(ctx, &store.Run{
		ID:       "11111111-aaaa-4000-8000-000000000001",
		Scenario: "basic_exchange",
		Started:  started,
		Duration: 800 * time.Millisecond,
		Report: &verify.Report{
			Scenario: "basic_exchange", Echo: true, Pass: true,
			Counts:     verify.Counts{Sends: 2, Transmitted: 2, Deliveries: 4},
			Violations: []verify.Violation{}, Faults: []verify.Fault{}, Recipients: []verify.RecipientSummary{},
		},
	}))
	require.NoError(t, st.WriteRun(ctx, &store.Run{
		ID:       "22222222-bbbb-4000-8000-000000000002",
		Scenario: "lossy_room",
		Started:  started.Add(time.Minute),
		Duration: time.Second,
		Report: &verify.Report{
			Scenario: "lossy_room", Pass: false,
			Counts: verify.Counts{Sends: 2, Transmitted: 2, Deliveries: 1, Loss: 1},
			Violations: []verify.Violation{{
				Category: verify.CategoryLoss, SendID: "send-0002", Recipient: "alice#1",
				Detail: `"Hi" from bob#1 never arrived`,
			}},
			Faults:     []verify.Fault{},
			Recipients: []verify.RecipientSummary{},
		},
		Errors: []string{`expectation failed: receives: expected alice to receive "Hi", got not received`},
	}))
	return path
}

func TestHistoryCommand_List(t *testing.T) {
	db := seedHistory(t)

	out, err := executeHistory(t, "text", nil, "--db", db)
	require.NoError(t, err)

	lines := bytes.Split([]byte(out), []byte("\n"))
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, string(lines[0]), "✗ 22222222")
	assert.Contains(t, string(lines[0]), "lossy_room")
	assert.Contains(t, string(lines[1]), "✓ 11111111")
	assert.Contains(t, out, "Violations across all runs: loss 1")
}

func TestHistoryCommand_ListFilteredJSON(t *testing.T) {
	db := seedHistory(t)

	out, err := executeHistory(t, "json", nil, "--db", db, "--scenario", "basic_exchange")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   HistoryList `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Runs, 1)
	assert.Equal(t, "basic_exchange", resp.Data.Runs[0].Scenario)
	assert.Equal(t, 1, resp.Data.Violations[verify.CategoryLoss])
}

func TestHistoryCommand_DatabaseFromEnvironment(t *testing.T) {
	db := seedHistory(t)

	out, err := executeHistory(t, "text", map[string]string{"ROOMCHECK_DB": db})
	require.NoError(t, err)
	assert.Contains(t, out, "lossy_room")
}

func TestHistoryCommand_Empty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	out, err := executeHistory(t, "text", nil, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestHistoryCommand_NoDatabase(t *testing.T) {
	out, err := executeHistory(t, "text", nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "pass --db or set ROOMCHECK_DB")
}

func TestHistoryShow(t *testing.T) {
	db := seedHistory(t)

	out, err := executeHistory(t, "text", nil, "show", "2222", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run 22222222-bbbb-4000-8000-000000000002")
	assert.Contains(t, out, "✗ lossy_room (echo off)")
	assert.Contains(t, out, `[loss] send-0002 -> alice#1: "Hi" from bob#1 never arrived`)
	assert.Contains(t, out, "expectation failed: receives")
}

func TestHistoryShow_NotFound(t *testing.T) {
	db := seedHistory(t)

	out, err := executeHistory(t, "text", nil, "show", "9999", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeRunNotFound)
}
