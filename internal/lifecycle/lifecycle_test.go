package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
	"github.com/park285/warchess-server/internal/store/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Notify(_ context.Context, matchID, event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	st    *memstore.Store
	clock *fakeClock
	rec   *recorder
	m     *Machine
	id    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	f := &fixture{st: st, clock: clock, rec: rec}
	f.m = New(st, DefaultConfig(), WithClock(clock.Now), WithNotifier(rec))
	f.id = seedRoom(t, st, clock.Now())
	return f
}

func seedRoom(t *testing.T, st *memstore.Store, now time.Time) string {
	t.Helper()
	st.AddUser("white-user", "Alice")
	st.AddUser("black-user", "Bob")
	id := domain.NewID()
	st.PutRoom(&domain.Room{
		MatchID: id, WhiteID: "white-user", BlackID: "black-user",
		Status: domain.StatusWaiting, SideToMove: domain.SideWhite, LastMove: domain.NoMoveLabel,
		CreatedAt: now, UpdatedAt: now,
	})
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		for _, s := range []domain.Summary{
			{MatchID: id, UserID: "white-user", Mode: domain.SummaryMode, Opponent: "Bob", Status: "waiting", LastMove: "-", TimeControl: "10+0", Side: "Blancs", CreatedAt: now},
			{MatchID: id, UserID: "black-user", Mode: domain.SummaryMode, Opponent: "Alice", Status: "waiting", LastMove: "-", TimeControl: "10+0", Side: "Noirs", CreatedAt: now},
		} {
			if err := tx.InsertSummary(context.Background(), s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed summaries: %v", err)
	}
	return id
}

func ts(t time.Time) *time.Time { return &t }

func TestReconcileTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	full := PolicyFor(store.FullCapabilities(), 3*time.Second, 35*time.Second)

	cases := []struct {
		name    string
		room    domain.Room
		policy  Policy
		status  domain.Status
		changed bool
		check   func(*testing.T, *domain.Room)
	}{
		{
			name:    "both ready starts countdown",
			room:    domain.Room{RawStatus: "waiting", WhiteReadyAt: ts(now), BlackReadyAt: ts(now), WhiteSeenAt: ts(now), BlackSeenAt: ts(now), LastMove: "-"},
			policy:  full,
			status:  domain.StatusReady,
			changed: true,
			check: func(t *testing.T, r *domain.Room) {
				if r.StartAt == nil || !r.StartAt.Equal(now.Add(3*time.Second)) {
					t.Fatalf("start_at = %v", r.StartAt)
				}
			},
		},
		{
			name:    "ready without start stays ready",
			room:    domain.Room{RawStatus: "ready", LastMove: "-"},
			policy:  full,
			status:  domain.StatusReady,
			changed: true,
		},
		{
			name:    "countdown elapsed",
			room:    domain.Room{RawStatus: "ready", ReadyAt: ts(now.Add(-4 * time.Second)), StartAt: ts(now.Add(-time.Second)), LastMove: "-"},
			policy:  full,
			status:  domain.StatusStarted,
			changed: true,
		},
		{
			name:    "countdown pending",
			room:    domain.Room{RawStatus: "ready", ReadyAt: ts(now), StartAt: ts(now.Add(time.Second)), LastMove: "-"},
			policy:  full,
			status:  domain.StatusReady,
			changed: false,
		},
		{
			name:    "legacy active is rewritten",
			room:    domain.Room{RawStatus: "active", StartAt: ts(now), LastMove: "e4"},
			policy:  full,
			status:  domain.StatusStarted,
			changed: true,
		},
		{
			name:    "stale opponent aborts",
			room:    domain.Room{RawStatus: "waiting", WhiteReadyAt: ts(now.Add(-time.Minute)), WhiteSeenAt: ts(now), BlackSeenAt: ts(now.Add(-36 * time.Second)), LastMove: "-"},
			policy:  full,
			status:  domain.StatusAborted,
			changed: true,
			check: func(t *testing.T, r *domain.Room) {
				if r.LastMove != AbandonLabel || r.AbortedAt == nil {
					t.Fatalf("abort not stamped: %+v", r)
				}
			},
		},
		{
			name:    "missing presence is never stale",
			room:    domain.Room{RawStatus: "waiting", WhiteReadyAt: ts(now.Add(-time.Hour)), WhiteSeenAt: ts(now)},
			policy:  full,
			status:  domain.StatusWaiting,
			changed: false,
		},
		{
			name:    "never active room outlives the timeout",
			room:    domain.Room{RawStatus: "waiting", CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), LastMove: "-"},
			policy:  full,
			status:  domain.StatusWaiting,
			changed: false,
			check: func(t *testing.T, r *domain.Room) {
				if r.AbortedAt != nil || r.LastMove != "-" {
					t.Fatalf("idle room was touched: %+v", r)
				}
			},
		},
		{
			name:    "terminal is frozen",
			room:    domain.Room{RawStatus: "finished", WhiteSeenAt: ts(now.Add(-time.Hour)), WhiteReadyAt: ts(now)},
			policy:  full,
			status:  domain.StatusFinished,
			changed: false,
		},
		{
			name:    "no timing columns",
			room:    domain.Room{RawStatus: "waiting", WhiteReadyAt: ts(now), BlackReadyAt: ts(now)},
			policy:  Policy{},
			status:  domain.StatusWaiting,
			changed: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.room
			r.Status = domain.NormalizeStatus(r.RawStatus)
			changed := Reconcile(&r, now, tc.policy)
			if changed != tc.changed || r.Status != tc.status {
				t.Fatalf("got status=%s changed=%v, want %s/%v", r.Status, changed, tc.status, tc.changed)
			}
			if r.RawStatus != string(r.Status) {
				t.Fatalf("raw status not normalized: %q", r.RawStatus)
			}
			if tc.check != nil {
				tc.check(t, &r)
			}
		})
	}
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.m.MarkReady(ctx, f.id, "white-user")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	stamp := *first.WhiteReadyAt
	f.clock.Advance(2 * time.Second)
	again, err := f.m.MarkReady(ctx, f.id, "white-user")
	if err != nil {
		t.Fatalf("ready again: %v", err)
	}
	if !again.WhiteReadyAt.Equal(stamp) {
		t.Fatalf("ready timestamp moved: %v -> %v", stamp, *again.WhiteReadyAt)
	}
	if !again.WhiteSeenAt.Equal(f.clock.Now()) {
		t.Fatalf("presence not refreshed")
	}
	if again.Status != domain.StatusWaiting {
		t.Fatalf("one ready side must keep waiting, got %s", again.Status)
	}
	if got := f.rec.Events(); len(got) != 2 || got[0] != "ready" {
		t.Fatalf("events = %v", got)
	}
}

func TestReadyCountdownThenStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.m.MarkReady(ctx, f.id, "white-user"); err != nil {
		t.Fatal(err)
	}
	room, err := f.m.MarkReady(ctx, f.id, "black-user")
	if err != nil {
		t.Fatal(err)
	}
	if room.Status != domain.StatusReady || room.StartAt == nil {
		t.Fatalf("expected ready with start time, got %+v", room)
	}
	sum, _ := f.st.GetSummary(ctx, f.id, "white-user")
	if sum.Status != "ready" {
		t.Fatalf("summary not synced: %s", sum.Status)
	}

	f.clock.Advance(3 * time.Second)
	room, err = f.m.Load(ctx, f.id)
	if err != nil {
		t.Fatal(err)
	}
	if room.Status != domain.StatusStarted {
		t.Fatalf("expected started, got %s", room.Status)
	}
	sum, _ = f.st.GetSummary(ctx, f.id, "black-user")
	if sum.Status != "started" || sum.StartedAt == nil {
		t.Fatalf("summary start not recorded: %+v", sum)
	}
}

func TestStaleOpponentAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.m.MarkReady(ctx, f.id, "white-user"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Heartbeat(ctx, f.id, "black-user"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(36 * time.Second)

	room, err := f.m.Load(ctx, f.id)
	if err != nil {
		t.Fatal(err)
	}
	if room.Status != domain.StatusAborted || room.LastMove != AbandonLabel {
		t.Fatalf("expected abandon, got %s %q", room.Status, room.LastMove)
	}
	sum, _ := f.st.GetSummary(ctx, f.id, "white-user")
	if sum.Status != "aborted" || sum.FinishedAt == nil {
		t.Fatalf("summary not terminal: %+v", sum)
	}
	if _, err := f.m.MarkReady(ctx, f.id, "black-user"); !errors.Is(err, domain.ErrMatchTerminal) {
		t.Fatalf("ready on aborted room: %v", err)
	}
}

func TestFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.m.Finish(ctx, f.id, "white-user", "surrender"); !errors.Is(err, domain.ErrBadResult) {
		t.Fatalf("bad result: %v", err)
	}
	if _, err := f.m.Finish(ctx, f.id, "stranger", "resign"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("stranger: %v", err)
	}
	if _, err := f.m.Finish(ctx, domain.NewID(), "white-user", "resign"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("unknown match: %v", err)
	}

	room, err := f.m.Finish(ctx, f.id, "black-user", "Draw")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if room.Status != domain.StatusFinished || room.LastMove != "Match nul" || room.FinishedAt == nil {
		t.Fatalf("unexpected room %+v", room)
	}
	sum, _ := f.st.GetSummary(ctx, f.id, "white-user")
	if sum.Status != "finished" || sum.LastMove != "Match nul" {
		t.Fatalf("summary %+v", sum)
	}

	f.clock.Advance(time.Minute)
	again, err := f.m.Finish(ctx, f.id, "white-user", "resign")
	if err != nil {
		t.Fatal(err)
	}
	if again.LastMove != "Match nul" || !again.FinishedAt.Equal(*room.FinishedAt) {
		t.Fatalf("terminal room changed: %+v", again)
	}
	if got := f.rec.Events(); len(got) != 1 || got[0] != "finish" {
		t.Fatalf("events = %v", got)
	}
}

func TestHeartbeatNotifiesOnlyActiveRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.m.Heartbeat(ctx, f.id, "white-user"); err != nil {
		t.Fatal(err)
	}
	if len(f.rec.Events()) != 0 {
		t.Fatalf("waiting room should not notify presence")
	}
	if _, err := f.m.Heartbeat(ctx, "not-a-uuid", "white-user"); !errors.Is(err, domain.ErrMatchIDInvalid) {
		t.Fatalf("invalid id: %v", err)
	}
	if _, err := f.m.Heartbeat(ctx, f.id, "nobody"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("stranger: %v", err)
	}
}

func TestTouchPresenceKeepsUpdatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, _ := f.st.GetRoom(ctx, f.id)
	f.clock.Advance(5 * time.Second)
	if err := f.m.TouchPresence(ctx, before, "black-user"); err != nil {
		t.Fatal(err)
	}
	after, _ := f.st.GetRoom(ctx, f.id)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.BlackSeenAt == nil {
		t.Fatalf("presence touch moved updated_at or missed seen_at: %+v", after)
	}
}

func TestChatAndSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.m.AddMessage(ctx, f.id, "white-user", " \x07 "); !errors.Is(err, domain.ErrBadMessage) {
		t.Fatalf("blank message: %v", err)
	}
	if _, err := f.m.AddMessage(ctx, f.id, "white-user", strings.Repeat("é", 281)); !errors.Is(err, domain.ErrBadMessage) {
		t.Fatalf("long message: %v", err)
	}
	if _, err := f.m.AddMessage(ctx, f.id, "white-user", "  bonne\tchance  "); err != nil {
		t.Fatalf("message: %v", err)
	}

	snap, err := f.m.View(ctx, f.id, "black-user")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Message != "bonnechance" || snap.Messages[0].UserName != "Alice" {
		t.Fatalf("messages = %+v", snap.Messages)
	}
	if snap.YourSide != "black" || snap.Opponent != "Alice" || snap.Side != "Noirs" || snap.TimeControl != "10+0" {
		t.Fatalf("meta = %+v", snap)
	}
	if snap.FEN != "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1" {
		t.Fatalf("fen = %s", snap.FEN)
	}
	if _, err := f.m.View(ctx, f.id, "stranger"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("stranger view: %v", err)
	}
	if got := f.rec.Events(); len(got) != 1 || got[0] != "message" {
		t.Fatalf("events = %v", got)
	}
}

func TestChatRequiresCapability(t *testing.T) {
	caps := store.FullCapabilities()
	caps.Chat = false
	st := memstore.NewWithCapabilities(caps)
	m := New(st, DefaultConfig())
	if _, err := m.AddMessage(context.Background(), domain.NewID(), "u", "hi"); !errors.Is(err, domain.ErrChatOff) {
		t.Fatalf("expected chat unavailable, got %v", err)
	}
}
