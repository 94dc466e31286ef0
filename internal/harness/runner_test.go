package harness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomcheck/internal/chattest"
	"github.com/roach88/roomcheck/internal/config"
	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/testutil"
	"github.com/roach88/roomcheck/internal/user"
	"github.com/roach88/roomcheck/internal/verify"
)

// testConfig returns a fast config whose users' tokens equal their names.
func testConfig(endpoint string, echo bool, names ...string) *config.Config {
	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.TimeoutMs = 5000
	cfg.SettleMs = 150
	cfg.Echo = echo
	for _, name := range names {
		cfg.Users = append(cfg.Users, config.User{Name: name, Token: name})
	}
	return cfg
}

func wsRunner(cfg *config.Config) *Runner {
	return NewRunner(cfg, user.WebSocketDialer{Options: conn.Options{CloseGrace: 100 * time.Millisecond}}, nil)
}

func builtin(t *testing.T, cfg *config.Config, name string) *Scenario {
	t.Helper()
	suite, _, err := DefaultSuite(cfg)
	require.NoError(t, err)
	for _, sc := range suite {
		if sc.Name == name {
			return sc
		}
	}
	t.Fatalf("no built-in scenario %q", name)
	return nil
}

func runBuiltin(t *testing.T, opts chattest.Options, cfg *config.Config, name string) *Result {
	t.Helper()
	srv := chattest.NewServer(opts)
	defer srv.Close()
	cfg.Endpoint = srv.URL()

	result, err := wsRunner(cfg).Run(context.Background(), builtin(t, cfg, name))
	require.NoError(t, err)
	return result
}

func twoRooms(cfg *config.Config) *config.Config {
	cfg.Rooms = []config.Room{{Name: "general", ID: "1"}, {Name: "random", ID: "2"}}
	return cfg
}

func TestRun_BuiltinSuitePassesAgainstCorrectServer(t *testing.T) {
	for _, echo := range []bool{true, false} {
		for _, name := range []string{"basic_exchange", "rapid_fire_ordering", "leave_and_rejoin", "concurrent_burst", "multi_room_isolation"} {
			t.Run(fmt.Sprintf("%s/echo=%v", name, echo), func(t *testing.T) {
				cfg := twoRooms(testConfig("", echo, "alice", "bob", "carol"))
				result := runBuiltin(t, chattest.Options{Echo: echo}, cfg, name)

				assert.True(t, result.Pass, "violations: %v faults: %v errors: %v",
					result.Report.Violations, result.Report.Faults, result.Errors)
				assert.Empty(t, result.Errors)
				assert.Equal(t, echo, result.Report.Echo)
			})
		}
	}
}

func TestRun_BasicExchangeGolden(t *testing.T) {
	for _, echo := range []bool{true, false} {
		name := "basic_exchange_echo_off"
		if echo {
			name = "basic_exchange_echo_on"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("", echo, "alice", "bob")
			result := runBuiltin(t, chattest.Options{Echo: echo}, cfg, "basic_exchange")
			AssertGolden(t, name, result)
		})
	}
}

func TestRun_ConcurrentBurstDeliversEveryMessageToEveryone(t *testing.T) {
	cfg := testConfig("", true, "alice", "bob")
	result := runBuiltin(t, chattest.Options{Echo: true}, cfg, "concurrent_burst")

	require.True(t, result.Pass, "violations: %v", result.Report.Violations)
	assert.Equal(t, 6, result.Report.Counts.Sends)
	for _, label := range []string{"alice#1", "bob#1"} {
		sum, ok := result.Report.Recipient(label)
		require.True(t, ok, label)
		assert.Equal(t, 6, sum.Received, label)
		assert.Equal(t, 6, sum.Matched, label)
	}
}

func TestRun_DetectsLoss(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{DropEvery: 2}, cfg, "basic_exchange")

	assert.False(t, result.Pass)
	AssertGolden(t, "basic_exchange_dropped", result)
}

func TestRun_DetectsDuplicates(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{DuplicateEvery: 1}, cfg, "basic_exchange")

	assert.False(t, result.Pass)
	assert.Equal(t, 2, result.Report.Counts.Duplicate)
	assert.Zero(t, result.Report.Counts.Loss)
	for _, v := range result.Report.ViolationsOf(verify.CategoryDuplicate) {
		assert.NotEmpty(t, v.MessageID)
	}
}

func TestRun_DetectsReordering(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{SwapPairs: true}, cfg, "rapid_fire_ordering")

	assert.False(t, result.Pass)
	// bob sees 2,1,4,3 and the fifth message stays held.
	assert.Equal(t, 2, result.Report.Counts.Ordering)
	assert.Equal(t, 1, result.Report.Counts.Loss)
	for _, v := range result.Report.Violations {
		assert.Equal(t, "bob#1", v.Recipient)
	}
}

func TestRun_DetectsLeakAcrossRooms(t *testing.T) {
	cfg := twoRooms(testConfig("", false, "alice", "bob", "carol"))
	result := runBuiltin(t, chattest.Options{LeakRooms: true}, cfg, "multi_room_isolation")

	assert.False(t, result.Pass)
	assert.Equal(t, 3, result.Report.Counts.Isolation)
	assert.Zero(t, result.Report.Counts.Loss)
	assert.Len(t, result.Errors, 3)
}

func TestRun_DetectsDeliveryAfterLeave(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{IgnoreLeave: true}, cfg, "leave_and_rejoin")

	assert.False(t, result.Pass)
	isolation := result.Report.ViolationsOf(verify.CategoryIsolation)
	require.Len(t, isolation, 1)
	assert.Equal(t, "alice#1", isolation[0].Recipient)
	assert.Contains(t, isolation[0].Detail, `"X"`)
}

func TestRun_EchoMismatchIsUnexpected(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{Echo: true}, cfg, "basic_exchange")

	assert.False(t, result.Pass)
	assert.Equal(t, 2, result.Report.Counts.Unexpected)
	assert.Zero(t, result.Report.Counts.Loss)
}

func TestRun_MalformedFramesAreTransportFaults(t *testing.T) {
	cfg := testConfig("", false, "alice", "bob")
	result := runBuiltin(t, chattest.Options{GarbageOnJoin: true}, cfg, "basic_exchange")

	assert.False(t, result.Pass)
	assert.Empty(t, result.Report.Violations)
	assert.True(t, result.HasFault(verify.FaultTransport))
	assert.Len(t, result.Faults(), 2)
}

func TestRun_ScenarioEchoOverridesConfig(t *testing.T) {
	srv := chattest.NewServer(chattest.Options{})
	defer srv.Close()
	cfg := testConfig(srv.URL(), true, "alice", "bob")

	sc, err := LoadScenario("testdata/scenarios/leave_rejoin.yaml")
	require.NoError(t, err)

	result, err := wsRunner(cfg).Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "violations: %v errors: %v", result.Report.Violations, result.Errors)
	assert.False(t, result.Report.Echo)
}

func TestRun_RejectedUserIsSkippedOthersContinue(t *testing.T) {
	srv := chattest.NewServer(chattest.Options{Tokens: map[string]string{"alice": "alice", "bob": "bob"}})
	defer srv.Close()
	cfg := testConfig(srv.URL(), false, "alice", "bob", "carol")

	sc := &Scenario{Name: "rejected", Steps: []Step{
		{Action: ActionConnectAll},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionJoin, User: "bob", Room: "1"},
		{Action: ActionJoin, User: "carol", Room: "1"},
		{Action: ActionSend, User: "alice", Content: "Hello"},
	}}
	result, err := wsRunner(cfg).Run(context.Background(), sc)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Empty(t, result.Report.Violations)
	faults := result.Faults()
	require.Len(t, faults, 2)
	assert.Equal(t, verify.FaultTransport, faults[0].Kind)
	assert.Equal(t, "carol", faults[0].User)
	assert.Contains(t, faults[0].Message, "401")
	assert.Equal(t, verify.FaultScenario, faults[1].Kind)
	assert.Equal(t, 4, faults[1].Step)
	assert.Contains(t, faults[1].Message, "skipped")

	bob, ok := result.Report.Recipient("bob#1")
	require.True(t, ok)
	assert.Equal(t, 1, bob.Matched)
}

func TestRun_TimeoutIsBounded(t *testing.T) {
	srv, err := chattest.NewHangingServer()
	require.NoError(t, err)
	defer srv.Close()

	cfg := testConfig(srv.URL(), false, "alice", "bob")
	cfg.TimeoutMs = 300

	start := time.Now()
	result, err := wsRunner(cfg).Run(context.Background(), builtin(t, cfg, "basic_exchange"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, result.Pass)
	assert.True(t, result.HasFault(verify.FaultTimeout))
	assert.Empty(t, result.Sends)
}

func TestRun_UnknownUser(t *testing.T) {
	cfg := testConfig("ws://unused", false, "alice")
	sc := &Scenario{Name: "stranger", Steps: []Step{{Action: ActionConnect, User: "mallory"}}}

	_, err := NewRunner(cfg, testutil.NewFakeDialer(), nil).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown user "mallory"`)
}

func TestRun_InvalidScenario(t *testing.T) {
	cfg := testConfig("ws://unused", false, "alice")
	_, err := NewRunner(cfg, testutil.NewFakeDialer(), nil).Run(context.Background(), &Scenario{Name: "empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario")
}

func TestRun_CommandsBeforeConnectAreScenarioFaults(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	cfg.SettleMs = 0
	d := testutil.NewFakeDialer()

	sc := &Scenario{Name: "early", Steps: []Step{
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionConnect, User: "alice"},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionSend, User: "alice", Content: "hi"},
	}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	faults := result.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, verify.FaultScenario, faults[0].Kind)
	assert.Equal(t, 1, faults[0].Step)
	assert.Contains(t, faults[0].Message, conn.ErrNotOpen.Error())

	sent := d.Last().Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.TypeJoinRoom, sent[0].Type)
	assert.Equal(t, protocol.TypeSendMessage, sent[1].Type)
	assert.Equal(t, protocol.ID("1"), sent[1].RoomID)

	require.Len(t, result.Sends, 1)
	assert.True(t, result.Sends[0].SenderJoined)
	assert.Equal(t, []string{"alice#1"}, result.Sends[0].Members)
}

func TestRun_FailedConnectSkipsLaterCommands(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice", "bob")
	cfg.SettleMs = 0
	d := testutil.NewFakeDialer()
	d.Reject["bob"] = errors.New("connection refused")

	sc := &Scenario{Name: "refused", Steps: []Step{
		{Action: ActionConnectAll},
		{Action: ActionJoin, User: "bob", Room: "1"},
		{Action: ActionSend, User: "bob", Room: "1", Content: "hi"},
	}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	faults := result.Faults()
	require.Len(t, faults, 3)
	assert.Equal(t, verify.FaultTransport, faults[0].Kind)
	for _, f := range faults[1:] {
		assert.Equal(t, verify.FaultScenario, f.Kind)
		assert.Contains(t, f.Message, "connection failed earlier")
	}
	assert.Empty(t, result.Sends)
}

func TestRun_SendAfterDisconnect(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	cfg.SettleMs = 0
	d := testutil.NewFakeDialer()

	sc := &Scenario{Name: "gone", Steps: []Step{
		{Action: ActionConnect, User: "alice"},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionDisconnect, User: "alice"},
		{Action: ActionSend, User: "alice", Room: "1", Content: "anyone?"},
		{Action: ActionDisconnect, User: "alice"},
	}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	faults := result.Faults()
	require.Len(t, faults, 2)
	assert.Equal(t, 4, faults[0].Step)
	assert.Equal(t, 5, faults[1].Step)
	for _, f := range faults {
		assert.Equal(t, verify.FaultScenario, f.Kind)
	}
}

func TestRun_ServerErrorRepliesAreScenarioFaults(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	cfg.SettleMs = 0
	fd := testutil.NewFakeDialer()
	d := user.DialerFunc(func(ctx context.Context, endpoint, token string, room protocol.ID) (user.Session, error) {
		s, err := fd.Dial(ctx, endpoint, token, room)
		if err != nil {
			return nil, err
		}
		s.(*testutil.FakeSession).Deliver(protocol.Envelope{Type: protocol.TypeError, Content: "room not found"})
		return s, nil
	})

	sc := &Scenario{Name: "err", Steps: []Step{{Action: ActionConnect, User: "alice"}}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	faults := result.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, verify.FaultScenario, faults[0].Kind)
	assert.Contains(t, faults[0].Message, "room not found")
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := &Scenario{Name: "cancelled", Steps: []Step{{Action: ActionConnect, User: "alice"}}}
	result, err := NewRunner(cfg, testutil.NewFakeDialer(), nil).Run(ctx, sc)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	faults := result.Faults()
	require.NotEmpty(t, faults)
	assert.Contains(t, faults[len(faults)-1].Message, "run cancelled")
}

func TestRun_TimeoutAgainstSilentServerIsBounded(t *testing.T) {
	srv := chattest.NewSilentServer()
	defer srv.Close()

	cfg := testConfig(srv.URL(), false, "alice", "bob", "carol", "dave")
	cfg.TimeoutMs = 300
	sc := &Scenario{Name: "silent", Steps: []Step{
		{Action: ActionConnectAll},
		{Action: ActionWait, Duration: Duration(5 * time.Second)},
	}}

	// Default options: a close handshake would wait a full second per
	// session for a reply that never comes.
	runner := NewRunner(cfg, user.WebSocketDialer{}, nil)

	start := time.Now()
	result, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 4, srv.ConnCount())
	assert.False(t, result.Pass)
	assert.True(t, result.HasFault(verify.FaultTimeout))
	assert.False(t, result.HasFault(verify.FaultTransport), "faults: %v", result.Faults())
}

func TestRun_DeadlineAbortsSessions(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	cfg.TimeoutMs = 100
	d := testutil.NewFakeDialer()

	sc := &Scenario{Name: "slow", Steps: []Step{
		{Action: ActionConnect, User: "alice"},
		{Action: ActionWait, Duration: Duration(time.Second)},
	}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	assert.True(t, result.HasFault(verify.FaultTimeout))
	assert.GreaterOrEqual(t, d.Last().Aborts(), 1)
	assert.Equal(t, conn.StateClosed, d.Last().State())
}

func TestRun_CompletedScenarioClosesGracefully(t *testing.T) {
	cfg := testConfig("ws://fake", false, "alice")
	cfg.SettleMs = 0
	d := testutil.NewFakeDialer()

	sc := &Scenario{Name: "quick", Steps: []Step{{Action: ActionConnect, User: "alice"}}}
	result, err := NewRunner(cfg, d, nil).Run(context.Background(), sc)
	require.NoError(t, err)

	assert.True(t, result.Pass)
	assert.Zero(t, d.Last().Aborts())
	assert.Equal(t, conn.StateClosed, d.Last().State())
}

func TestRun_ReconnectAndParallelSessions(t *testing.T) {
	srv := chattest.NewServer(chattest.Options{})
	defer srv.Close()
	cfg := testConfig(srv.URL(), false, "alice", "bob")

	sc := &Scenario{Name: "reconnect", Steps: []Step{
		{Action: ActionConnectAll},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionJoin, User: "bob", Room: "1"},
		// alice#2 opens next to alice#1.
		{Action: ActionConnect, User: "alice"},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionSend, User: "bob", Content: "both sessions"},
		// Closing alice#2 leaves alice#1 in the room.
		{Action: ActionDisconnect, User: "alice"},
		{Action: ActionSend, User: "bob", Content: "one session"},
		{Action: ActionConnect, User: "alice"},
		{Action: ActionJoin, User: "alice", Room: "1"},
		{Action: ActionSend, User: "bob", Content: "after reconnect"},
	}, Expect: &Expect{
		Sends:      intPtr(3),
		Deliveries: map[string]int{"alice": 5, "bob": 0},
		Receives:   []ContentExpectation{{User: "alice", Content: "after reconnect"}},
	}}

	result, err := wsRunner(cfg).Run(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Pass, "violations: %v faults: %v errors: %v",
		result.Report.Violations, result.Report.Faults, result.Errors)

	require.Len(t, result.Sends, 3)
	assert.Equal(t, []string{"alice#1", "alice#2", "bob#1"}, result.Sends[0].Members)
	assert.Equal(t, []string{"alice#1", "bob#1"}, result.Sends[1].Members)
	assert.Equal(t, []string{"alice#1", "alice#3", "bob#1"}, result.Sends[2].Members)

	for label, want := range map[string]int{"alice#1": 3, "alice#2": 1, "alice#3": 1} {
		sum, ok := result.Report.Recipient(label)
		require.True(t, ok, label)
		assert.Equal(t, want, sum.Received, label)
		assert.Equal(t, want, sum.Expected, label)
		assert.Equal(t, want, sum.Matched, label)
	}
}

func TestRun_BatchedFramesAreSplitPerEnvelope(t *testing.T) {
	t.Run("duplicates", func(t *testing.T) {
		cfg := testConfig("", false, "alice", "bob")
		result := runBuiltin(t, chattest.Options{DuplicateEvery: 1, BatchFrames: true}, cfg, "basic_exchange")

		assert.Equal(t, 2, result.Report.Counts.Duplicate)
		assert.Zero(t, result.Report.Counts.Loss)
		assert.False(t, result.HasFault(verify.FaultTransport))
	})
	t.Run("swapped", func(t *testing.T) {
		cfg := testConfig("", false, "alice", "bob")
		result := runBuiltin(t, chattest.Options{SwapPairs: true, BatchFrames: true}, cfg, "rapid_fire_ordering")

		assert.Equal(t, 2, result.Report.Counts.Ordering)
		assert.Equal(t, 1, result.Report.Counts.Loss)
		assert.False(t, result.HasFault(verify.FaultTransport))
	})
}

func intPtr(n int) *int { return &n }
