package domain

import (
	"strings"
	"time"
)

// Status is the normalized lifecycle status of a match room.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusReady    Status = "ready"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusAborted  Status = "aborted"
)

// NormalizeStatus folds legacy and unknown values into the five known statuses.
func NormalizeStatus(raw string) Status {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "active", "en_cours":
		return StatusStarted
	case "planifie":
		return StatusWaiting
	case "waiting", "ready", "started", "finished", "aborted":
		return Status(v)
	default:
		return StatusWaiting
	}
}

func (s Status) Terminal() bool { return s == StatusFinished || s == StatusAborted }

// OpenRawStatuses lists persisted values that count as an open room.
var OpenRawStatuses = []string{"waiting", "ready", "started", "active"}

type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// NoMoveLabel is the last-move label of a room without moves.
const NoMoveLabel = "-"

// Room is a match room row.
type Room struct {
	MatchID   string
	WhiteID   string
	BlackID   string
	Status    Status
	RawStatus string // value as persisted, before normalization

	SideToMove Side
	LastMove   string
	MoveCount  int

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReadyAt    *time.Time
	StartAt    *time.Time
	FinishedAt *time.Time
	AbortedAt  *time.Time

	WhiteReadyAt *time.Time
	BlackReadyAt *time.Time
	WhiteSeenAt  *time.Time
	BlackSeenAt  *time.Time
}

func (r *Room) IsPlayer(userID string) bool {
	return userID != "" && (userID == r.WhiteID || userID == r.BlackID)
}

// SideOf returns the side played by userID. Callers check IsPlayer first.
func (r *Room) SideOf(userID string) Side {
	if userID == r.WhiteID {
		return SideWhite
	}
	return SideBlack
}

func (r *Room) ReadyAtFor(s Side) *time.Time {
	if s == SideWhite {
		return r.WhiteReadyAt
	}
	return r.BlackReadyAt
}

func (r *Room) SetReadyAt(s Side, t time.Time) {
	if s == SideWhite {
		r.WhiteReadyAt = &t
	} else {
		r.BlackReadyAt = &t
	}
}

func (r *Room) SetSeenAt(s Side, t time.Time) {
	if s == SideWhite {
		r.WhiteSeenAt = &t
	} else {
		r.BlackSeenAt = &t
	}
}

// Clone returns a deep copy; timestamps are copied by value.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	for _, p := range []**time.Time{&c.ReadyAt, &c.StartAt, &c.FinishedAt, &c.AbortedAt,
		&c.WhiteReadyAt, &c.BlackReadyAt, &c.WhiteSeenAt, &c.BlackSeenAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// MoveRecord is one persisted ply.
type MoveRecord struct {
	MatchID   string
	Ply       int
	Side      Side
	From      string
	To        string
	Promotion string
	Notation  string
	CreatedAt time.Time
}

// SidePreference is a matchmaking side request.
type SidePreference string

const (
	PreferWhite  SidePreference = "Blancs"
	PreferBlack  SidePreference = "Noirs"
	PreferRandom SidePreference = "Aleatoire"
)

// ParseSidePreference accepts the French labels and their English aliases.
// Anything unrecognised means random.
func ParseSidePreference(s string) SidePreference {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blancs", "blanc", "white", "w":
		return PreferWhite
	case "noirs", "noir", "black", "b":
		return PreferBlack
	default:
		return PreferRandom
	}
}

func (p SidePreference) Side() (Side, bool) {
	switch p {
	case PreferWhite:
		return SideWhite, true
	case PreferBlack:
		return SideBlack, true
	default:
		return "", false
	}
}

// PreferenceFor maps a concrete side back to its label.
func PreferenceFor(s Side) SidePreference {
	if s == SideWhite {
		return PreferWhite
	}
	return PreferBlack
}

// Ticket is a matchmaking queue entry.
type Ticket struct {
	ID          string
	UserID      string
	Mode        string
	TimeControl string
	Side        SidePreference
	CreatedAt   time.Time
}

// SummaryMode is the mode label written on summary rows of player matches.
const SummaryMode = "JcJ"

// Summary is the per-user match list row owned by the surrounding application.
type Summary struct {
	MatchID     string
	UserID      string
	Mode        string
	Opponent    string
	Status      string
	LastMove    string
	TimeControl string
	Side        string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

type ChatMessage struct {
	ID        int64
	MatchID   string
	UserID    string
	UserName  string
	Message   string
	CreatedAt time.Time
}
