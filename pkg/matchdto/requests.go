package matchdto

import (
	"encoding/json"
	"time"
)

type JoinRequest struct {
	Mode        string `json:"mode"`
	TimeControl string `json:"timeControl"`
	Side        string `json:"side"`
}

// MatchRequest is the body of ready and presence calls.
type MatchRequest struct {
	MatchID string `json:"matchId"`
}

type MoveRequest struct {
	MatchID   string `json:"matchId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	// Notation is accepted for compatibility and ignored; the server derives SAN.
	Notation string `json:"notation,omitempty"`
}

type FinishRequest struct {
	MatchID string `json:"matchId"`
	Result  string `json:"result"`
}

type MessageRequest struct {
	MatchID string `json:"matchId"`
	Message string `json:"message"`
}

// QueueState answers join, status and leave.
type QueueState struct {
	OK          bool       `json:"ok"`
	Status      string     `json:"status"` // idle, queued, matched
	MatchID     string     `json:"matchId,omitempty"`
	MatchStatus string     `json:"matchStatus,omitempty"`
	Mode        string     `json:"mode,omitempty"`
	TimeControl string     `json:"timeControl,omitempty"`
	Side        string     `json:"side,omitempty"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
}

// RoomResponse is the envelope of match endpoints. Match is raw on the
// broker side so it can be forwarded without re-encoding.
type RoomResponse struct {
	OK      bool            `json:"ok"`
	Match   json.RawMessage `json:"match,omitempty"`
	Message string          `json:"message,omitempty"`
}
