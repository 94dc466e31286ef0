package user_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomcheck/internal/chattest"
	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/testutil"
	"github.com/roach88/roomcheck/internal/user"
)

func newUser(t *testing.T, name string) (*user.User, *testutil.FakeDialer) {
	t.Helper()
	d := testutil.NewFakeDialer()
	u := user.New(name, name+"-token", d, user.Options{})
	t.Cleanup(func() {
		_ = u.Close()
		u.Wait()
	})
	return u, d
}

func TestConnect_LabelsSessionsInOrder(t *testing.T) {
	u, d := newUser(t, "alice")

	label, err := u.Connect(context.Background(), "ws://example/ws", "1", false)
	require.NoError(t, err)
	assert.Equal(t, "alice#1", label)
	assert.Equal(t, "alice#1", u.Active())

	require.NoError(t, u.Disconnect())
	assert.Empty(t, u.Active())

	label, err = u.Connect(context.Background(), "ws://example/ws", "1", false)
	require.NoError(t, err)
	assert.Equal(t, "alice#2", label)
	assert.Equal(t, []string{"alice#1", "alice#2"}, u.Connections())

	calls := d.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "alice-token", calls[0].Token)
	assert.Equal(t, protocol.ID("1"), calls[0].Room)
}

func TestConnect_FailureMarksUserFailed(t *testing.T) {
	u, d := newUser(t, "alice")
	rejected := &conn.ConnectError{Reason: conn.ReasonRejected, StatusCode: 401, Err: errors.New("bad handshake")}
	d.Reject["alice-token"] = rejected

	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.Error(t, err)
	var cerr *conn.ConnectError
	assert.True(t, errors.As(err, &cerr))
	assert.True(t, u.Failed())

	delete(d.Reject, "alice-token")
	_, err = u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	assert.False(t, u.Failed(), "a successful reconnect clears the failure")
}

func TestCommands_BuildEnvelopes(t *testing.T) {
	u, d := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)

	require.NoError(t, u.JoinRoom("7"))
	require.NoError(t, u.SendMessage("Hello"))
	require.NoError(t, u.SendMessageTo("8", "elsewhere"))
	require.NoError(t, u.LeaveRoom("7"))

	sent := d.Last().Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, protocol.JoinRoom("7"), sent[0])
	assert.Equal(t, protocol.SendMessage("7", "Hello"), sent[1])
	assert.Equal(t, protocol.SendMessage("8", "elsewhere"), sent[2])
	assert.Equal(t, protocol.LeaveRoom("7"), sent[3])
	assert.Empty(t, u.CurrentRoom())
}

func TestCommands_DataPayload(t *testing.T) {
	d := testutil.NewFakeDialer()
	u := user.New("alice", "tok", d, user.Options{DataPayload: true})
	defer u.Close()

	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	require.NoError(t, u.JoinRoom("3"))

	sent := d.Last().Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"room_id":3}`, string(sent[0].Data))
}

func TestCommands_RequireOpenSession(t *testing.T) {
	u, d := newUser(t, "alice")

	assert.ErrorIs(t, u.JoinRoom("1"), conn.ErrNotOpen)
	assert.ErrorIs(t, u.Disconnect(), conn.ErrNotOpen)

	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	d.Last().Fail(errors.New("reset by peer"))

	require.Eventually(t, func() bool { return u.Failed() }, time.Second, 5*time.Millisecond)
	err = u.SendMessageTo("1", "lost")
	assert.ErrorIs(t, err, conn.ErrNotOpen)
	assert.Contains(t, err.Error(), "alice")
}

func TestSendMessage_NoRoom(t *testing.T) {
	u, _ := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)

	assert.ErrorIs(t, u.SendMessage("hi"), user.ErrNoRoom)
}

func TestConnect_JoinedSeedsMembership(t *testing.T) {
	u, _ := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "5", true)
	require.NoError(t, err)

	assert.Equal(t, protocol.ID("5"), u.CurrentRoom())
	assert.Equal(t, map[string][]protocol.ID{"alice#1": {"5"}}, u.Memberships())
}

func TestMemberships_TrackJoinLeaveAndClose(t *testing.T) {
	u, _ := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)

	require.NoError(t, u.JoinRoom("2"))
	require.NoError(t, u.JoinRoom("1"))
	assert.Equal(t, map[string][]protocol.ID{"alice#1": {"1", "2"}}, u.Memberships())

	require.NoError(t, u.LeaveRoom("2"))
	assert.Equal(t, map[string][]protocol.ID{"alice#1": {"1"}}, u.Memberships())

	require.NoError(t, u.Disconnect())
	assert.Empty(t, u.Memberships())
}

func TestLog_PreservesArrivalOrder(t *testing.T) {
	u, d := newUser(t, "bob")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	s := d.Last()

	s.Deliver(protocol.Envelope{Type: protocol.TypeRoomJoined, RoomID: "1"})
	s.Deliver(protocol.Envelope{Type: protocol.TypeNewMessage, RoomID: "1", Content: "b"})
	s.Deliver(protocol.Envelope{Type: protocol.TypeNewMessage, RoomID: "1", Content: "a"})
	s.Deliver(protocol.Envelope{Type: protocol.TypeNewMessage, RoomID: "1", Content: "a"})

	require.Eventually(t, func() bool { return len(u.Log()) == 4 }, time.Second, 5*time.Millisecond)
	log := u.Log()
	var contents []string
	for i, ev := range log {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, "bob#1", ev.Conn)
		if ev.IsDelivery() {
			contents = append(contents, ev.Envelope.Content)
		}
	}
	assert.Equal(t, []string{"b", "a", "a"}, contents, "no reordering or deduplication")
	assert.Equal(t, 3, u.DeliveryCount())
}

func TestLog_IsSnapshot(t *testing.T) {
	u, d := newUser(t, "bob")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	d.Last().Deliver(protocol.Envelope{Type: protocol.TypeNewMessage, Content: "x"})
	require.Eventually(t, func() bool { return len(u.Log()) == 1 }, time.Second, 5*time.Millisecond)

	snap := u.Log()
	snap[0].Envelope.Content = "mutated"
	assert.Equal(t, "x", u.Log()[0].Envelope.Content)
}

func TestFaults_RecordedPerSession(t *testing.T) {
	u, d := newUser(t, "carol")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	s := d.Last()

	s.Garbage("{oops")
	s.Fail(errors.New("boom"))
	u.Wait()

	faults := u.Faults()
	require.Len(t, faults, 2)
	assert.Equal(t, conn.EventDecodeError, faults[0].Kind)
	assert.Equal(t, conn.EventError, faults[1].Kind)
	assert.Equal(t, "carol#1", faults[1].Conn)
	assert.True(t, u.Failed())

	log := u.Log()
	assert.Equal(t, conn.EventClose, log[len(log)-1].Kind)
}

func TestSubmitBatch_SendsInOrderWithoutBlocking(t *testing.T) {
	u, d := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)

	b := u.SubmitBatch("1", []string{"m1", "m2", "m3"})
	errs, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []error{nil, nil, nil}, errs)

	var contents []string
	for _, env := range d.Last().Sent() {
		contents = append(contents, env.Content)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents)
}

func TestSubmitBatch_NotOpen(t *testing.T) {
	u, _ := newUser(t, "alice")

	b := u.SubmitBatch("1", []string{"a", "b"})
	errs, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.ErrorIs(t, e, conn.ErrNotOpen)
	}
}

func TestSubmitBatch_SendFailuresPerItem(t *testing.T) {
	u, d := newUser(t, "alice")
	_, err := u.Connect(context.Background(), "ws://example/ws", "", false)
	require.NoError(t, err)
	d.Last().FailSends(errors.New("write: broken pipe"))

	errs, err := u.SubmitBatch("1", []string{"a"}).Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "broken pipe")
}

func TestBatchWait_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A zero Batch never finishes.
	_, err := (&user.Batch{}).Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUser_AgainstChatServer(t *testing.T) {
	for _, echo := range []bool{true, false} {
		name := "no_echo"
		if echo {
			name = "echo"
		}
		t.Run(name, func(t *testing.T) {
			srv := chattest.NewServer(chattest.Options{Echo: echo})
			defer srv.Close()

			d := user.WebSocketDialer{Options: conn.Options{CloseGrace: 200 * time.Millisecond}}
			alice := user.New("alice", "alice", d, user.Options{})
			bob := user.New("bob", "bob", d, user.Options{})

			ctx := context.Background()
			for _, u := range []*user.User{alice, bob} {
				_, err := u.Connect(ctx, srv.URL(), "", false)
				require.NoError(t, err)
				require.NoError(t, u.JoinRoom("1"))
			}
			require.Eventually(t, func() bool {
				return len(alice.Log()) >= 1 && len(bob.Log()) >= 1
			}, 2*time.Second, 10*time.Millisecond, "room_joined replies")

			require.NoError(t, alice.SendMessage("Hello"))
			require.NoError(t, bob.SendMessage("Hi"))

			want := 1
			if echo {
				want = 2
			}
			require.Eventually(t, func() bool {
				return alice.DeliveryCount() == want && bob.DeliveryCount() == want
			}, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, alice.Close())
			require.NoError(t, bob.Close())
			alice.Wait()
			bob.Wait()

			for _, ev := range bob.Log() {
				if ev.IsDelivery() && !echo {
					assert.Equal(t, "Hello", ev.Envelope.Content)
					assert.Equal(t, "alice", ev.Envelope.Sender)
				}
			}
		})
	}
}

func TestAbort_ClosesEverySessionWithoutHandshake(t *testing.T) {
	u, d := newUser(t, "alice")
	for i := 0; i < 2; i++ {
		_, err := u.Connect(context.Background(), "ws://example/ws", "1", true)
		require.NoError(t, err)
	}

	require.NoError(t, u.Abort())
	u.Wait()

	assert.Empty(t, u.Active())
	assert.Empty(t, u.Memberships())
	for _, s := range d.Sessions() {
		assert.Equal(t, 1, s.Aborts())
		assert.Equal(t, conn.StateClosed, s.State())
	}
}
