package memstore

import (
	"context"
	"strings"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

type summarySync struct {
	matchID  string
	status   domain.Status
	lastMove string
	at       time.Time
}

// tx stages writes and applies them on commit, so uncommitted rows are
// never visible outside the transaction.
type tx struct {
	s *Store

	rooms          map[string]*domain.Room
	moves          map[string][]domain.MoveRecord
	messages       []domain.ChatMessage
	summaries      []domain.Summary
	syncs          []summarySync
	deletedTickets map[string]bool
	newTickets     []*domain.Ticket

	held      []chan struct{}
	heldRooms map[string]bool
	claimed   []string
}

var _ store.Tx = (*tx)(nil)

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.held[i]
	}
	t.held = nil
	t.s.mu.Lock()
	for _, id := range t.claimed {
		if t.s.ticketOwner[id] == t {
			delete(t.s.ticketOwner, id)
		}
	}
	t.s.mu.Unlock()
	t.claimed = nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nt := range t.newTickets {
		for id, cur := range s.tickets {
			if cur.UserID == nt.UserID && !t.deletedTickets[id] {
				return store.ErrConflict
			}
		}
	}
	for _, sum := range t.summaries {
		if _, dup := s.summaries[sum.MatchID][sum.UserID]; dup {
			return store.ErrConflict
		}
	}

	for id, r := range t.rooms {
		s.rooms[id] = r
	}
	for id, recs := range t.moves {
		s.moves[id] = append(s.moves[id], recs...)
	}
	for _, m := range t.messages {
		s.messages[m.MatchID] = append(s.messages[m.MatchID], m)
	}
	for i := range t.summaries {
		sum := t.summaries[i]
		if s.summaries[sum.MatchID] == nil {
			s.summaries[sum.MatchID] = make(map[string]*domain.Summary)
		}
		s.summaries[sum.MatchID][sum.UserID] = &sum
	}
	for _, op := range t.syncs {
		for _, row := range s.summaries[op.matchID] {
			s.applySync(row, op)
		}
	}
	for id := range t.deletedTickets {
		delete(s.tickets, id)
	}
	for _, nt := range t.newTickets {
		s.tickets[nt.ID] = nt
	}
	return nil
}

func (s *Store) applySync(row *domain.Summary, op summarySync) {
	row.Status = string(op.status)
	if op.lastMove != "" {
		row.LastMove = op.lastMove
	}
	if op.status == domain.StatusStarted && s.caps.SummaryStartedAt && row.StartedAt == nil {
		at := op.at
		row.StartedAt = &at
	}
	if op.status.Terminal() && s.caps.SummaryFinishedAt && row.FinishedAt == nil {
		at := op.at
		row.FinishedAt = &at
	}
}

// --- Reader with read-your-writes ---

func (t *tx) GetRoom(ctx context.Context, matchID string) (*domain.Room, error) {
	if r, ok := t.rooms[matchID]; ok {
		return roomFromRaw(r), nil
	}
	return t.s.GetRoom(ctx, matchID)
}

func (t *tx) ListMoves(ctx context.Context, matchID string) ([]domain.MoveRecord, error) {
	recs, err := t.s.ListMoves(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return append(recs, t.moves[matchID]...), nil
}

func (t *tx) ListMessages(ctx context.Context, matchID string, limit int) ([]domain.ChatMessage, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	all := append([]domain.ChatMessage(nil), t.s.messages[matchID]...)
	for _, m := range t.messages {
		if m.MatchID == matchID {
			all = append(all, m)
		}
	}
	return t.s.named(tail(all, limit)), nil
}

func (t *tx) GetSummary(ctx context.Context, matchID, userID string) (*domain.Summary, error) {
	var row *domain.Summary
	for i := range t.summaries {
		if t.summaries[i].MatchID == matchID && t.summaries[i].UserID == userID {
			c := t.summaries[i]
			row = &c
		}
	}
	if row == nil {
		got, err := t.s.GetSummary(ctx, matchID, userID)
		if err != nil {
			return nil, err
		}
		row = got
	}
	for _, op := range t.syncs {
		if op.matchID == matchID {
			t.s.applySync(row, op)
		}
	}
	return row, nil
}

func (t *tx) FindOpenRoom(ctx context.Context, userID string) (*domain.Room, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return findOpen(t.s.rooms, t.rooms, userID)
}

func (t *tx) GetTicket(ctx context.Context, userID string) (*domain.Ticket, error) {
	for i := len(t.newTickets) - 1; i >= 0; i-- {
		if t.newTickets[i].UserID == userID {
			c := *t.newTickets[i]
			return &c, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var best *domain.Ticket
	for id, tk := range t.s.tickets {
		if tk.UserID == userID && !t.deletedTickets[id] && (best == nil || tk.CreatedAt.After(best.CreatedAt)) {
			best = tk
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (t *tx) DisplayName(ctx context.Context, userID string) (string, error) {
	return t.s.DisplayName(ctx, userID)
}

// --- writes ---

func (t *tx) LockRoom(ctx context.Context, matchID string) (*domain.Room, error) {
	if !t.heldRooms[matchID] {
		ch := t.s.lockChan(t.s.roomLocks, matchID)
		if err := acquire(ctx, ch); err != nil {
			return nil, err
		}
		t.held = append(t.held, ch)
		t.heldRooms[matchID] = true
	}
	return t.GetRoom(ctx, matchID)
}

func (t *tx) stageRoom(room *domain.Room) {
	c := t.s.mask(room.Clone())
	c.RawStatus = string(c.Status)
	t.rooms[c.MatchID] = c
}

func (t *tx) InsertRoom(ctx context.Context, room *domain.Room) error {
	if _, err := t.GetRoom(ctx, room.MatchID); err == nil {
		return store.ErrConflict
	}
	t.stageRoom(room)
	return nil
}

func (t *tx) UpdateRoom(ctx context.Context, room *domain.Room) error {
	if _, err := t.GetRoom(ctx, room.MatchID); err != nil {
		return err
	}
	t.stageRoom(room)
	return nil
}

func (t *tx) AppendMove(ctx context.Context, rec domain.MoveRecord) error {
	existing, err := t.ListMoves(ctx, rec.MatchID)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.Ply == rec.Ply {
			return store.ErrConflict
		}
	}
	if !t.s.caps.Promotion {
		rec.Promotion = ""
	}
	t.moves[rec.MatchID] = append(t.moves[rec.MatchID], rec)
	return nil
}

func (t *tx) InsertMessage(ctx context.Context, msg *domain.ChatMessage) error {
	t.s.mu.Lock()
	t.s.nextMessageID++
	msg.ID = t.s.nextMessageID
	t.s.mu.Unlock()
	t.messages = append(t.messages, *msg)
	return nil
}

func (t *tx) InsertSummary(ctx context.Context, sum domain.Summary) error {
	if !t.s.caps.Summaries {
		return nil
	}
	t.summaries = append(t.summaries, sum)
	return nil
}

func (t *tx) SyncSummaries(ctx context.Context, matchID string, status domain.Status, lastMove string, at time.Time) error {
	if !t.s.caps.Summaries {
		return nil
	}
	t.syncs = append(t.syncs, summarySync{matchID: matchID, status: status, lastMove: lastMove, at: at})
	return nil
}

func (t *tx) LockQueueBucket(ctx context.Context, mode, timeControl string) error {
	ch := t.s.lockChan(t.s.bucketLocks, strings.ToLower(mode)+"|"+timeControl)
	if err := acquire(ctx, ch); err != nil {
		return err
	}
	t.held = append(t.held, ch)
	return nil
}

func (t *tx) DeleteUserTickets(ctx context.Context, userID string) error {
	t.s.mu.Lock()
	for id, tk := range t.s.tickets {
		if tk.UserID == userID {
			t.deletedTickets[id] = true
		}
	}
	t.s.mu.Unlock()
	kept := t.newTickets[:0]
	for _, nt := range t.newTickets {
		if nt.UserID != userID {
			kept = append(kept, nt)
		}
	}
	t.newTickets = kept
	return nil
}

func (t *tx) ClaimCandidates(ctx context.Context, userID, mode, timeControl string, limit int) ([]domain.Ticket, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var pool []*domain.Ticket
	for id, tk := range s.tickets {
		if tk.UserID == userID || tk.Mode != mode || tk.TimeControl != timeControl || t.deletedTickets[id] {
			continue
		}
		if owner, locked := s.ticketOwner[id]; locked && owner != t {
			continue
		}
		pool = append(pool, tk)
	}
	sortTickets(pool)
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}
	out := make([]domain.Ticket, 0, len(pool))
	for _, tk := range pool {
		if _, mine := s.ticketOwner[tk.ID]; !mine {
			s.ticketOwner[tk.ID] = t
			t.claimed = append(t.claimed, tk.ID)
		}
		out = append(out, *tk)
	}
	return out, nil
}

func (t *tx) DeleteTicket(ctx context.Context, ticketID string) error {
	t.deletedTickets[ticketID] = true
	kept := t.newTickets[:0]
	for _, nt := range t.newTickets {
		if nt.ID != ticketID {
			kept = append(kept, nt)
		}
	}
	t.newTickets = kept
	return nil
}

func (t *tx) InsertTicket(ctx context.Context, tk *domain.Ticket) error {
	c := *tk
	t.newTickets = append(t.newTickets, &c)
	return nil
}
