// Package store defines the persistence contract shared by the match
// components. Implementations live in store/postgres and store/memstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/park285/warchess-server/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflicting write")
)

// Capabilities describes which optional tables and columns exist. It is
// resolved once when the store is opened.
type Capabilities struct {
	Matches           bool // match_rooms and match_moves
	Queue             bool // match_queue
	Summaries         bool // matches
	Chat              bool // match_messages
	Promotion         bool // match_moves.promotion
	Timing            bool // match_rooms.ready_at, start_at
	Presence          bool // per-side ready/seen columns and aborted_at
	RoomFinishedAt    bool
	SummaryStartedAt  bool
	SummaryFinishedAt bool
}

// FullCapabilities is the descriptor of a store created from schema.sql.
func FullCapabilities() Capabilities {
	return Capabilities{
		Matches: true, Queue: true, Summaries: true, Chat: true, Promotion: true,
		Timing: true, Presence: true, RoomFinishedAt: true,
		SummaryStartedAt: true, SummaryFinishedAt: true,
	}
}

// Reader holds the queries usable both inside and outside a transaction.
type Reader interface {
	GetRoom(ctx context.Context, matchID string) (*domain.Room, error)
	ListMoves(ctx context.Context, matchID string) ([]domain.MoveRecord, error)
	// ListMessages returns the newest limit messages, oldest first.
	ListMessages(ctx context.Context, matchID string, limit int) ([]domain.ChatMessage, error)
	GetSummary(ctx context.Context, matchID, userID string) (*domain.Summary, error)
	// FindOpenRoom returns the most recently updated non-terminal room of userID.
	FindOpenRoom(ctx context.Context, userID string) (*domain.Room, error)
	GetTicket(ctx context.Context, userID string) (*domain.Ticket, error)
	// DisplayName returns the profile name, else the account display name,
	// else "" for unknown users.
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Tx is a unit of work. Row locks taken through it are held until the
// enclosing InTx call returns.
type Tx interface {
	Reader

	// LockRoom reads the room and holds its row lock.
	LockRoom(ctx context.Context, matchID string) (*domain.Room, error)
	InsertRoom(ctx context.Context, room *domain.Room) error
	UpdateRoom(ctx context.Context, room *domain.Room) error
	AppendMove(ctx context.Context, rec domain.MoveRecord) error
	InsertMessage(ctx context.Context, msg *domain.ChatMessage) error

	InsertSummary(ctx context.Context, s domain.Summary) error
	// SyncSummaries mirrors status (and lastMove when non-empty) onto every
	// summary row of the match.
	SyncSummaries(ctx context.Context, matchID string, status domain.Status, lastMove string, at time.Time) error

	// LockQueueBucket serializes pairing attempts for one mode and time control.
	LockQueueBucket(ctx context.Context, mode, timeControl string) error
	DeleteUserTickets(ctx context.Context, userID string) error
	// ClaimCandidates locks up to limit tickets of other users in the bucket,
	// oldest first, skipping tickets locked by other transactions.
	ClaimCandidates(ctx context.Context, userID, mode, timeControl string, limit int) ([]domain.Ticket, error)
	DeleteTicket(ctx context.Context, ticketID string) error
	InsertTicket(ctx context.Context, t *domain.Ticket) error
}

type Store interface {
	Reader

	Capabilities() Capabilities
	// InTx runs fn in a transaction, committing when it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// TouchSeen stamps a side's presence. bumpUpdated also moves updated_at.
	TouchSeen(ctx context.Context, matchID string, side domain.Side, at time.Time, bumpUpdated bool) error
	DeleteUserTickets(ctx context.Context, userID string) error
	// LookupSession maps a session token to its user id.
	LookupSession(ctx context.Context, token string) (string, error)
	Close() error
}
