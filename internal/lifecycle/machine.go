// Package lifecycle owns match room state: lazy reconciliation of the
// waiting, ready and started phases, readiness and presence signals,
// explicit finishes, chat and the client snapshot.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/store"
)

// Notifier is told about committed match changes. Implementations must not
// block for long and must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, matchID, event string)
}

// Archiver stores a finished match. endedBy is the side that called
// Finish, or "" when the board ended the game. Failures are handled by the
// implementation.
type Archiver interface {
	Archive(ctx context.Context, matchID string, endedBy domain.Side)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

type Config struct {
	ReadyCountdown  time.Duration
	PresenceTimeout time.Duration
	ChatLimit       int
}

func DefaultConfig() Config {
	return Config{ReadyCountdown: 3 * time.Second, PresenceTimeout: 35 * time.Second, ChatLimit: 50}
}

type Machine struct {
	store    store.Store
	caps     store.Capabilities
	policy   Policy
	cfg      Config
	now      func() time.Time
	notifier Notifier
	archiver Archiver
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		if n != nil {
			m.notifier = n
		}
	}
}

func WithArchiver(a Archiver) Option { return func(m *Machine) { m.archiver = a } }

func New(st store.Store, cfg Config, opts ...Option) *Machine {
	if cfg.ChatLimit <= 0 {
		cfg.ChatLimit = 50
	}
	caps := st.Capabilities()
	m := &Machine{
		store:    st,
		caps:     caps,
		policy:   PolicyFor(caps, cfg.ReadyCountdown, cfg.PresenceTimeout),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		notifier: nopNotifier{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Now() time.Time                   { return m.now() }
func (m *Machine) Store() store.Store               { return m.store }
func (m *Machine) Capabilities() store.Capabilities { return m.caps }
func (m *Machine) Notifier() Notifier               { return m.notifier }
func (m *Machine) Archiver() Archiver               { return m.archiver }

// Load reads the room and persists any pending transition. The fast path
// is a plain read; the row lock is taken only when something changes.
func (m *Machine) Load(ctx context.Context, matchID string) (*domain.Room, error) {
	if !m.caps.Matches {
		return nil, domain.ErrMultiplayerOff
	}
	room, err := m.store.GetRoom(ctx, matchID)
	if err != nil {
		return nil, asDomain(mapNotFound(err))
	}
	candidate := room.Clone()
	if !Reconcile(candidate, m.now(), m.policy) {
		return candidate, nil
	}
	var out *domain.Room
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockRoom(ctx, matchID)
		if err != nil {
			return mapNotFound(err)
		}
		out, err = m.ReconcileTx(ctx, tx, locked)
		return err
	})
	if err != nil {
		return nil, asDomain(err)
	}
	return out, nil
}

// ReconcileTx reconciles a locked room inside tx and writes the result.
func (m *Machine) ReconcileTx(ctx context.Context, tx store.Tx, room *domain.Room) (*domain.Room, error) {
	before := room.Status
	now := m.now()
	if !Reconcile(room, now, m.policy) {
		return room, nil
	}
	if err := tx.UpdateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}
	if room.Status != before {
		if err := tx.SyncSummaries(ctx, room.MatchID, room.Status, "", now); err != nil {
			return nil, fmt.Errorf("sync summaries: %w", err)
		}
		obslog.L().Info("match_transition",
			zap.String("match_id", room.MatchID),
			zap.String("from", string(before)),
			zap.String("to", string(room.Status)))
	}
	return room, nil
}

// Authorize loads and reconciles the room and checks that userID plays in it.
func (m *Machine) Authorize(ctx context.Context, rawMatchID, userID string) (*domain.Room, error) {
	matchID, err := domain.ParseMatchID(rawMatchID)
	if err != nil {
		return nil, err
	}
	room, err := m.Load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !room.IsPlayer(userID) {
		return nil, domain.ErrNotParticipant
	}
	return room, nil
}

// MarkReady records the caller's readiness (first timestamp wins) and
// presence, moving a room with both sides ready to the countdown.
func (m *Machine) MarkReady(ctx context.Context, rawMatchID, userID string) (*domain.Room, error) {
	if !m.caps.Matches {
		return nil, domain.ErrMultiplayerOff
	}
	if !m.caps.Timing || !m.caps.Presence {
		return nil, domain.ErrReadyOff
	}
	matchID, err := domain.ParseMatchID(rawMatchID)
	if err != nil {
		return nil, err
	}
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		room, err := tx.LockRoom(ctx, matchID)
		if err != nil {
			return mapNotFound(err)
		}
		if !room.IsPlayer(userID) {
			return domain.ErrNotParticipant
		}
		if room.Status.Terminal() {
			return domain.ErrMatchTerminal
		}
		now := m.now()
		side := room.SideOf(userID)
		if room.ReadyAtFor(side) == nil {
			room.SetReadyAt(side, now)
		}
		room.SetSeenAt(side, now)
		room.UpdatedAt = now

		before := room.Status
		if (before == domain.StatusWaiting || before == domain.StatusReady) &&
			room.WhiteReadyAt != nil && room.BlackReadyAt != nil {
			room.Status = domain.StatusReady
			stampReady(room, now, m.cfg.ReadyCountdown)
		}
		if err := tx.UpdateRoom(ctx, room); err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if room.Status != before {
			if err := tx.SyncSummaries(ctx, matchID, room.Status, "", now); err != nil {
				return fmt.Errorf("sync summaries: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, asDomain(err)
	}
	m.notifier.Notify(ctx, matchID, "ready")
	return m.Load(ctx, matchID)
}

// Heartbeat refreshes the caller's presence and returns the reconciled room.
func (m *Machine) Heartbeat(ctx context.Context, rawMatchID, userID string) (*domain.Room, error) {
	if !m.caps.Matches {
		return nil, domain.ErrMultiplayerOff
	}
	if !m.caps.Presence {
		return nil, domain.ErrPresenceOff
	}
	matchID, err := domain.ParseMatchID(rawMatchID)
	if err != nil {
		return nil, err
	}
	room, err := m.store.GetRoom(ctx, matchID)
	if err != nil {
		return nil, asDomain(mapNotFound(err))
	}
	if !room.IsPlayer(userID) {
		return nil, domain.ErrNotParticipant
	}
	if err := m.store.TouchSeen(ctx, matchID, room.SideOf(userID), m.now(), true); err != nil {
		return nil, asDomain(mapNotFound(err))
	}
	room, err = m.Load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	switch room.Status {
	case domain.StatusReady, domain.StatusStarted, domain.StatusAborted:
		m.notifier.Notify(ctx, matchID, "presence")
	}
	return room, nil
}

// TouchPresence stamps the side's presence without moving updated_at, so
// poll-diff streams do not see their own heartbeat as a change.
func (m *Machine) TouchPresence(ctx context.Context, room *domain.Room, userID string) error {
	if !m.caps.Presence || !room.IsPlayer(userID) {
		return nil
	}
	return m.store.TouchSeen(ctx, room.MatchID, room.SideOf(userID), m.now(), false)
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrMatchNotFound
	}
	return err
}

// asDomain passes domain errors through and wraps anything else as internal.
func asDomain(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.Internal(err)
}
