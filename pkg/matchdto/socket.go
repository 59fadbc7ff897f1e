package matchdto

import "encoding/json"

// Socket message types.
const (
	TypeSubscribe   = "subscribe"
	TypeSubscribed  = "subscribed"
	TypeState       = "state"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypeMatchUpdate = "match-update"
)

// ClientMessage is sent by browsers to the broker.
type ClientMessage struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ServerMessage is sent by the broker.
type ServerMessage struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   string          `json:"event,omitempty"`
	Match   json.RawMessage `json:"match,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// NotifyRequest is posted by the API server to the broker.
type NotifyRequest struct {
	MatchID string `json:"matchId"`
	Event   string `json:"event,omitempty"`
}

// NotifyResponse reports how many sockets received the update.
type NotifyResponse struct {
	OK      bool   `json:"ok"`
	Sent    int    `json:"sent"`
	Message string `json:"message,omitempty"`
}
