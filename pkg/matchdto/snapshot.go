// Package matchdto holds the JSON shapes exchanged with clients and between
// the API server and the socket broker.
package matchdto

import "time"

// Snapshot is the client view of a match room.
type Snapshot struct {
	MatchID      string     `json:"matchId"`
	WhiteID      string     `json:"whiteId"`
	BlackID      string     `json:"blackId"`
	Status       string     `json:"status"`
	SideToMove   string     `json:"sideToMove"`
	LastMove     string     `json:"lastMove"`
	MoveCount    int        `json:"moveCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ReadyAt      *time.Time `json:"readyAt"`
	StartAt      *time.Time `json:"startAt"`
	FinishedAt   *time.Time `json:"finishedAt"`
	AbortedAt    *time.Time `json:"abortedAt"`
	WhiteReadyAt *time.Time `json:"whiteReadyAt"`
	BlackReadyAt *time.Time `json:"blackReadyAt"`
	ServerTime   time.Time  `json:"serverTime"`

	YourSide    string `json:"yourSide"`
	Mode        string `json:"mode"`
	Opponent    string `json:"opponent"`
	TimeControl string `json:"timeControl"`
	Side        string `json:"side"`
	FEN         string `json:"fen"`

	Moves    []Move    `json:"moves"`
	Messages []Message `json:"messages"`
}

type Move struct {
	Ply       int       `json:"ply"`
	Side      string    `json:"side"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Promotion string    `json:"promotion,omitempty"`
	Notation  string    `json:"notation"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// SameContent reports whether a and b differ only in ServerTime.
func SameContent(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.ServerTime, bc.ServerTime = time.Time{}, time.Time{}
	return equalSnapshots(&ac, &bc)
}
