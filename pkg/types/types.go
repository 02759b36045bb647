package types

import (
	"time"
)

// Outbound event names pushed to clients by the engine. The transport layer
// delivers them verbatim; it never inspects the payloads.
const (
	EventQueueJoined       = "queue_joined"
	EventQueueMatched      = "queue_matched"
	EventQueueTimeout      = "queue_timeout"
	EventAIChatStarted     = "ai_chat_started"
	EventAIChatEnded       = "ai_chat_ended"
	EventPartnerLeft       = "partner_left"
	EventPartnerMessage    = "partner_message"
	EventChatEnded         = "chat_ended"
	EventActiveCountUpdate = "active_count_update"
)

// State identifies where a tracked user sits in the queue lifecycle.
type State string

const (
	StateWaiting      State = "waiting"
	StateMatched      State = "matched"
	StateAIChat       State = "ai_chat"
	StateDisconnected State = "disconnected"
)

// Preferences carries the matching preferences a client submits on join.
// Only the persona selection influences engine behavior.
type Preferences struct {
	PersonaID string `json:"persona_id,omitempty"`
}

// MatchInfo is the payload attached to a user in StateMatched.
// PartnerID is always mutual: if A's MatchInfo names B, B's names A.
type MatchInfo struct {
	PartnerID string    `json:"partner_id"`
	SessionID string    `json:"session_id"`
	MatchedAt time.Time `json:"matched_at"`
}

// AIChatInfo is the payload attached to a user in StateAIChat.
type AIChatInfo struct {
	SessionID string    `json:"session_id"`
	PersonaID string    `json:"persona_id"`
	StartedAt time.Time `json:"started_at"`
	Exchanges int       `json:"exchanges"`
}

// GraceInfo is the payload attached to a user in StateDisconnected.
type GraceInfo struct {
	Until time.Time `json:"until"`
	// PriorState records what the user was doing when the connection dropped.
	// Reconnects always resume as waiting; this is kept for the event log.
	PriorState State `json:"prior_state"`
}

// QueueUser is one tracked user. Exactly one of the state payloads is non-nil,
// matching State; the queue store is the only writer.
type QueueUser struct {
	UserID      string      `json:"user_id"`
	JoinedAt    time.Time   `json:"joined_at"`
	State       State       `json:"state"`
	Preferences Preferences `json:"preferences"`

	Match  *MatchInfo  `json:"match,omitempty"`
	AIChat *AIChatInfo `json:"ai_chat,omitempty"`
	Grace  *GraceInfo  `json:"grace,omitempty"`
}

// WaitTime reports how long the user has been accruing queue time as of now.
func (u *QueueUser) WaitTime(now time.Time) time.Duration {
	return now.Sub(u.JoinedAt)
}

// JoinResult is returned by the engine's Join operation.
type JoinResult struct {
	Status   string        `json:"status"` // "joined" or "reconnected"
	Position int           `json:"position"`
	WaitTime time.Duration `json:"wait_time"`
}

// UserStatus is the engine's Status payload for one user.
type UserStatus struct {
	State     State         `json:"state"`
	Position  int           `json:"position,omitempty"` // 1-based, waiting only
	WaitTime  time.Duration `json:"wait_time"`
	Exchanges int           `json:"exchanges,omitempty"`
	PartnerID string        `json:"partner_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// QueueStats is a point-in-time snapshot of the queue store.
type QueueStats struct {
	QueueSize    int `json:"queue_size"`
	ActiveCount  int `json:"active_count"`
	MatchedPairs int `json:"matched_pairs"`
	TotalUsers   int `json:"total_users"`
	Waiting      int `json:"waiting"`
	Matched      int `json:"matched"`
	AIChat       int `json:"ai_chat"`
	Disconnected int `json:"disconnected"`
}

// Profile is the synthetic partner profile presented alongside an AI persona.
// It carries no behavioral weight; only the persona drives responses.
type Profile struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Age       int      `json:"age"`
	Bio       string   `json:"bio"`
	Interests []string `json:"interests"`
	IsOnline  bool     `json:"is_online"`
}

// ChatMessage is one entry in a conversation session's bounded history.
type ChatMessage struct {
	Role      string    `json:"role"` // "user" or "partner"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TerminationReason explains why a conversation session ended.
type TerminationReason string

const (
	TerminationLimitReached TerminationReason = "limit_reached"
	TerminationDisengaged   TerminationReason = "disengaged"
	TerminationDuration     TerminationReason = "duration_cap"
	TerminationLeft         TerminationReason = "participant_left"
)

// SessionArchive is the durable record of a terminated conversation session.
type SessionArchive struct {
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	PersonaID  string            `json:"persona_id,omitempty"`
	Exchanges  int               `json:"exchanges"`
	Ignored    int               `json:"ignored"`
	Reason     TerminationReason `json:"reason"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	History    []ChatMessage     `json:"history"`
}

// Event is one engine lifecycle record pushed to the persistence event log.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
