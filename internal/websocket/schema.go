package websocket

import "github.com/stemsi/academy-attendance/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionMarkPresent Action = "mark_present"
	ActionPing        Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventCountdown Event = "countdown"
	EventExpired   Event = "expired"
	EventMarked    Event = "marked"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// CountdownResponse carries the whole seconds left in the attendance window.
type CountdownResponse struct {
	Event            Event  `json:"event"`
	ClassID          string `json:"class_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	ServerTime       string `json:"server_time"`
}

// ExpiredResponse is the last countdown event for a session.
type ExpiredResponse struct {
	Event   Event  `json:"event"`
	ClassID string `json:"class_id"`
}

// MarkedResponse answers a mark_present action with the engine's result.
type MarkedResponse struct {
	Event  Event            `json:"event"`
	Result model.MarkResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
