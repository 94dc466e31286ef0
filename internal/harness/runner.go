package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/roomcheck/internal/config"
	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/user"
	"github.com/roach88/roomcheck/internal/verify"
)

// Runner executes scenarios against one configured server.
type Runner struct {
	cfg    *config.Config
	dialer user.Dialer
	logger *slog.Logger
}

// NewRunner returns a runner. A nil logger discards output.
func NewRunner(cfg *config.Config, d user.Dialer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{cfg: cfg, dialer: d, logger: logger}
}

// execution is the state of one scenario run.
type execution struct {
	r      *Runner
	sc     *Scenario
	logger *slog.Logger

	names  []string
	users  map[string]*user.User
	ledger *ledger

	mu     sync.Mutex
	faults []verify.Fault
}

// Run executes sc and verifies the traffic it produced.
//
// Problems with the server under test never make Run fail: they end up as
// faults or violations in the result. Run returns an error only when the
// scenario cannot be run at all, such as when it names an unknown user.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := validateScenario(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	for _, name := range sc.Users() {
		if r.cfg.User(name) == nil {
			return nil, fmt.Errorf("scenario %s: unknown user %q", sc.Name, name)
		}
	}

	timeout := r.cfg.Timeout()
	if sc.Timeout > 0 {
		timeout = sc.Timeout.Std()
	}
	echo := r.cfg.Echo
	if sc.Echo != nil {
		echo = *sc.Echo
	}

	e := &execution{
		r:      r,
		sc:     sc,
		logger: r.logger.With("scenario", sc.Name),
		users:  make(map[string]*user.User),
		ledger: newLedger(),
	}
	for _, u := range r.cfg.Users {
		e.names = append(e.names, u.Name)
		e.users[u.Name] = user.New(u.Name, u.Token, r.dialer, user.Options{
			DataPayload: r.cfg.DataPayload,
			Logger:      r.logger,
		})
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Once the deadline passes every socket is torn down at once, which
	// unblocks a step stuck writing to a server that stopped reading.
	stopAbort := context.AfterFunc(runCtx, func() { e.closeAll(true) })

	e.logger.Info("scenario started", "steps", len(sc.Steps), "timeout", timeout, "echo", echo)
	for i, st := range sc.Steps {
		if runCtx.Err() != nil {
			break
		}
		e.step(runCtx, i+1, st)
	}

	expired := !stopAbort() || runCtx.Err() != nil
	switch {
	case ctx.Err() != nil:
		e.fault(verify.FaultScenario, 0, "", "run cancelled: %v", ctx.Err())
	case runCtx.Err() != nil:
		e.fault(verify.FaultTimeout, 0, "", "scenario exceeded its %s deadline", timeout)
	}

	// After a deadline, sessions opened while the abort was running are
	// aborted here too; no close handshake is waited for.
	e.closeAll(expired)
	for _, name := range e.names {
		e.users[name].Wait()
	}

	result := e.finish(echo)
	result.Started = started
	result.Duration = time.Since(started)
	e.logger.Info("scenario finished", "pass", result.Pass, "duration", result.Duration)
	return result, nil
}

func (e *execution) finish(echo bool) *Result {
	in := verify.Input{
		Scenario:   e.sc.Name,
		Sends:      e.ledger.snapshot(),
		Deliveries: make(map[string][]verify.Delivery),
		Echo:       echo,
		SenderIDs:  e.r.cfg.SenderIDs(),
	}
	logs := make(map[string][]user.Event)

	for _, name := range e.names {
		name := name
		u := e.users[name]
		log := u.Log()
		logs[name] = log
		for _, ev := range log {
			switch {
			case ev.IsDelivery():
				in.Deliveries[ev.Conn] = append(in.Deliveries[ev.Conn], verify.Delivery{
					Recipient: ev.Conn,
					User:      name,
					Seq:       ev.Seq,
					Envelope:  ev.Envelope,
				})
			case ev.Kind == conn.EventMessage && ev.Envelope.Type == protocol.TypeError:
				msg := ev.Envelope.Content
				if msg == "" {
					msg = string(ev.Envelope.Data)
				}
				e.fault(verify.FaultScenario, 0, name, "%s: server replied with error: %s", ev.Conn, msg)
			}
		}
		for _, f := range u.Faults() {
			e.fault(verify.FaultTransport, 0, name, "%s: %s: %v", f.Conn, f.Kind, f.Err)
		}
	}

	e.mu.Lock()
	in.Faults = append([]verify.Fault(nil), e.faults...)
	e.mu.Unlock()

	report := verify.Verify(in)
	result := &Result{
		Scenario: e.sc.Name,
		Pass:     report.Pass,
		Report:   report,
		Sends:    in.Sends,
		Logs:     logs,
	}
	for _, msg := range EvaluateExpectations(result, e.sc.Expect) {
		result.AddError(msg)
	}
	return result
}

func (e *execution) step(ctx context.Context, n int, st Step) {
	e.logger.Debug("step", "n", n, "action", st.Action, "user", st.User)

	switch st.Action {
	case ActionConnectAll:
		e.connectAll(ctx, n, st)
	case ActionConnect:
		e.connect(ctx, n, st.User, st.Room)
	case ActionDisconnect:
		if err := e.users[st.User].Disconnect(); err != nil {
			e.commandFault(n, st.User, err)
		}
	case ActionJoin:
		if u := e.usable(n, st); u != nil {
			if err := u.JoinRoom(e.r.cfg.RoomID(st.Room)); err != nil {
				e.commandFault(n, st.User, err)
			}
		}
	case ActionLeave:
		if u := e.usable(n, st); u != nil {
			if err := u.LeaveRoom(e.r.cfg.RoomID(st.Room)); err != nil {
				e.commandFault(n, st.User, err)
			}
		}
	case ActionSend:
		if u := e.usable(n, st); u != nil {
			e.send(n, u, st.Room, st.Content)
		}
	case ActionSendConcurrent:
		e.sendConcurrent(ctx, n, st)
	case ActionWait:
		sleep(ctx, st.Duration.Std())
		return
	}

	settle := e.r.cfg.Settle()
	if st.Settle != nil {
		settle = st.Settle.Std()
	}
	sleep(ctx, settle)
}

func (e *execution) connectAll(ctx context.Context, n int, st Step) {
	var wg sync.WaitGroup
	for _, name := range e.names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.connect(ctx, n, name, st.Room)
		}()
	}
	wg.Wait()
}

// closeAll shuts every user down concurrently. abort skips the close
// handshake.
func (e *execution) closeAll(abort bool) {
	var g errgroup.Group
	for _, name := range e.names {
		name := name
		u := e.users[name]
		g.Go(func() error {
			shutdown := u.Close
			if abort {
				shutdown = u.Abort
			}
			if err := shutdown(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Debug("close failed", "abort", abort, "error", err)
	}
}

func (e *execution) connect(ctx context.Context, n int, name, roomRef string) {
	var room protocol.ID
	if roomRef != "" {
		room = e.r.cfg.RoomID(roomRef)
	}
	joined := e.r.cfg.JoinOnConnect && room != ""

	label, err := e.users[name].Connect(ctx, e.r.cfg.Endpoint, room, joined)
	if err != nil {
		e.fault(verify.FaultTransport, n, name, "%v", err)
		return
	}
	e.logger.Debug("connected", "user", name, "conn", label)
}

// usable returns the step's user when it can take commands, and records
// why not otherwise.
func (e *execution) usable(n int, st Step) *user.User {
	return e.usableUser(n, st.Action, st.User)
}

func (e *execution) usableUser(n int, action, name string) *user.User {
	u := e.users[name]
	if u.Failed() {
		e.fault(verify.FaultScenario, n, name, "%s skipped: connection failed earlier", action)
		return nil
	}
	if u.Active() == "" {
		e.fault(verify.FaultScenario, n, name, "%s: %v", action, conn.ErrNotOpen)
		return nil
	}
	return u
}

func (e *execution) send(n int, u *user.User, roomRef, content string) {
	room := u.CurrentRoom()
	if roomRef != "" {
		room = e.r.cfg.RoomID(roomRef)
	}
	if room == "" {
		e.commandFault(n, u.Name(), fmt.Errorf("send as %s: %w", u.Name(), user.ErrNoRoom))
		return
	}

	id := e.ledger.record(u.Name(), u.Active(), room, content, e.members(room))
	if err := u.SendMessageTo(room, content); err != nil {
		e.ledger.fail(id)
		e.commandFault(n, u.Name(), err)
	}
}

type plannedBatch struct {
	u        *user.User
	room     protocol.ID
	contents []string
	ids      []string
	batch    *user.Batch
}

func (e *execution) sendConcurrent(ctx context.Context, n int, st Step) {
	var order []string
	plans := make(map[string]*plannedBatch)
	for _, item := range st.Batch {
		p, ok := plans[item.User]
		if !ok {
			u := e.usableUser(n, st.Action, item.User)
			p = &plannedBatch{u: u}
			if u != nil {
				p.room = u.CurrentRoom()
				if item.Room != "" {
					p.room = e.r.cfg.RoomID(item.Room)
				}
				if p.room == "" {
					e.commandFault(n, item.User, fmt.Errorf("send as %s: %w", item.User, user.ErrNoRoom))
					p.u = nil
				}
			}
			plans[item.User] = p
			order = append(order, item.User)
		}
		if p.u != nil {
			p.contents = append(p.contents, item.Content)
		}
	}

	// Record the ground truth before anything hits the wire, then submit
	// every batch without waiting on any of them.
	for _, name := range order {
		p := plans[name]
		if p.u == nil {
			continue
		}
		members := e.members(p.room)
		for _, c := range p.contents {
			p.ids = append(p.ids, e.ledger.record(name, p.u.Active(), p.room, c, members))
		}
	}
	for _, name := range order {
		if p := plans[name]; p.u != nil {
			p.batch = p.u.SubmitBatch(p.room, p.contents)
		}
	}

	for _, name := range order {
		p := plans[name]
		if p.batch == nil {
			continue
		}
		errs, err := p.batch.Wait(ctx)
		if err != nil {
			return
		}
		for i, sendErr := range errs {
			if sendErr != nil {
				e.ledger.fail(p.ids[i])
				e.commandFault(n, name, sendErr)
			}
		}
	}
}

// members returns the labels of every open session joined to room.
func (e *execution) members(room protocol.ID) []string {
	var out []string
	for _, name := range e.names {
		for label, rooms := range e.users[name].Memberships() {
			for _, r := range rooms {
				if r == room {
					out = append(out, label)
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// commandFault classifies a failed user command.
func (e *execution) commandFault(n int, name string, err error) {
	kind := verify.FaultTransport
	if errors.Is(err, conn.ErrNotOpen) || errors.Is(err, user.ErrNoRoom) {
		kind = verify.FaultScenario
	}
	e.fault(kind, n, name, "%v", err)
}

func (e *execution) fault(kind verify.FaultKind, n int, name, format string, args ...any) {
	f := verify.Fault{Kind: kind, User: name, Step: n, Message: fmt.Sprintf(format, args...)}
	e.logger.Warn("fault", "kind", f.Kind, "step", n, "user", name, "message", f.Message)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, f)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
