// Package memstore is an in-process implementation of store.Store used by
// tests and by the server when no DATABASE_URL is configured.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

type Store struct {
	mu   sync.Mutex
	caps store.Capabilities

	rooms     map[string]*domain.Room
	moves     map[string][]domain.MoveRecord
	messages  map[string][]domain.ChatMessage
	summaries map[string]map[string]*domain.Summary // matchID -> userID -> row
	tickets   map[string]*domain.Ticket             // ticketID -> row
	names     map[string]string
	sessions  map[string]string

	implicitUsers bool

	nextMessageID int64

	roomLocks   map[string]chan struct{}
	bucketLocks map[string]chan struct{}
	ticketOwner map[string]*tx
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithImplicitUsers treats every unregistered user id as a user named after
// its id. The server uses it when there is no user table behind the store.
func WithImplicitUsers() Option { return func(s *Store) { s.implicitUsers = true } }

func New(opts ...Option) *Store { return NewWithCapabilities(store.FullCapabilities(), opts...) }

func NewWithCapabilities(caps store.Capabilities, opts ...Option) *Store {
	s := &Store{
		caps:        caps,
		rooms:       make(map[string]*domain.Room),
		moves:       make(map[string][]domain.MoveRecord),
		messages:    make(map[string][]domain.ChatMessage),
		summaries:   make(map[string]map[string]*domain.Summary),
		tickets:     make(map[string]*domain.Ticket),
		names:       make(map[string]string),
		sessions:    make(map[string]string),
		roomLocks:   make(map[string]chan struct{}),
		bucketLocks: make(map[string]chan struct{}),
		ticketOwner: make(map[string]*tx),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Capabilities() store.Capabilities { return s.caps }
func (s *Store) Close() error                     { return nil }

// AddUser registers a user and its display name.
func (s *Store) AddUser(userID, name string) {
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
}

// AddSession maps token to userID.
func (s *Store) AddSession(token, userID string) {
	s.mu.Lock()
	s.sessions[token] = userID
	s.mu.Unlock()
}

// PutRoom stores room bypassing transactions. A non-empty RawStatus is
// persisted verbatim so legacy values can be seeded.
func (s *Store) PutRoom(room *domain.Room) {
	c := s.mask(room.Clone())
	if c.RawStatus == "" {
		c.RawStatus = string(c.Status)
	}
	s.mu.Lock()
	s.rooms[c.MatchID] = c
	s.mu.Unlock()
}

// PutMoves replaces the move log of a match, bypassing validation.
func (s *Store) PutMoves(matchID string, recs []domain.MoveRecord) {
	s.mu.Lock()
	s.moves[matchID] = append([]domain.MoveRecord(nil), recs...)
	s.mu.Unlock()
}

// mask drops the fields the configured schema cannot hold.
func (s *Store) mask(r *domain.Room) *domain.Room {
	if !s.caps.Timing {
		r.ReadyAt, r.StartAt = nil, nil
	}
	if !s.caps.Presence {
		r.WhiteReadyAt, r.BlackReadyAt, r.WhiteSeenAt, r.BlackSeenAt, r.AbortedAt = nil, nil, nil, nil, nil
	}
	if !s.caps.RoomFinishedAt {
		r.FinishedAt = nil
	}
	return r
}

func roomFromRaw(r *domain.Room) *domain.Room {
	c := r.Clone()
	c.Status = domain.NormalizeStatus(c.RawStatus)
	return c
}

// --- locks ---

func (s *Store) lockChan(table map[string]chan struct{}, key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := table[key]
	if !ok {
		ch = make(chan struct{}, 1)
		table[key] = ch
	}
	return ch
}

func acquire(ctx context.Context, ch chan struct{}) error {
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Reader on committed state ---

func (s *Store) GetRoom(ctx context.Context, matchID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[matchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return roomFromRaw(r), nil
}

func (s *Store) ListMoves(ctx context.Context, matchID string) ([]domain.MoveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MoveRecord(nil), s.moves[matchID]...), nil
}

func (s *Store) ListMessages(ctx context.Context, matchID string, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.named(tail(s.messages[matchID], limit)), nil
}

func tail(msgs []domain.ChatMessage, limit int) []domain.ChatMessage {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...)
}

// named fills author names the way the profile join does. Callers hold s.mu.
func (s *Store) named(msgs []domain.ChatMessage) []domain.ChatMessage {
	for i := range msgs {
		if msgs[i].UserName == "" {
			msgs[i].UserName = strings.TrimSpace(s.names[msgs[i].UserID])
		}
	}
	return msgs
}

func (s *Store) GetSummary(ctx context.Context, matchID, userID string) (*domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.summaries[matchID][userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *row
	return &c, nil
}

func (s *Store) FindOpenRoom(ctx context.Context, userID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findOpen(s.rooms, nil, userID)
}

func isOpenRaw(raw string) bool {
	for _, v := range domain.OpenRawStatuses {
		if raw == v {
			return true
		}
	}
	return false
}

// findOpen scans committed rooms overlaid with staged ones.
func findOpen(committed, staged map[string]*domain.Room, userID string) (*domain.Room, error) {
	var best *domain.Room
	consider := func(r *domain.Room) {
		if (r.WhiteID != userID && r.BlackID != userID) || !isOpenRaw(r.RawStatus) {
			return
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	for id, r := range committed {
		if _, ok := staged[id]; ok {
			continue
		}
		consider(r)
	}
	for _, r := range staged {
		consider(r)
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return roomFromRaw(best), nil
}

func (s *Store) GetTicket(ctx context.Context, userID string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Ticket
	for _, t := range s.tickets {
		if t.UserID == userID && (best == nil || t.CreatedAt.After(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (s *Store) DisplayName(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[userID]
	if !ok && s.implicitUsers {
		return userID, nil
	}
	return strings.TrimSpace(name), nil
}

// --- Store extras ---

func (s *Store) TouchSeen(ctx context.Context, matchID string, side domain.Side, at time.Time, bumpUpdated bool) error {
	if !s.caps.Presence {
		return nil
	}
	ch := s.lockChan(s.roomLocks, matchID)
	if err := acquire(ctx, ch); err != nil {
		return err
	}
	defer func() { <-ch }()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[matchID]
	if !ok {
		return store.ErrNotFound
	}
	r.SetSeenAt(side, at)
	if bumpUpdated {
		r.UpdatedAt = at
	}
	return nil
}

func (s *Store) DeleteUserTickets(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tickets {
		if t.UserID == userID {
			delete(s.tickets, id)
		}
	}
	return nil
}

func (s *Store) LookupSession(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.sessions[token]
	if !ok {
		return "", store.ErrNotFound
	}
	return uid, nil
}

func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	t := &tx{
		s:              s,
		rooms:          make(map[string]*domain.Room),
		moves:          make(map[string][]domain.MoveRecord),
		deletedTickets: make(map[string]bool),
		heldRooms:      make(map[string]bool),
	}
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func sortTickets(ts []*domain.Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
