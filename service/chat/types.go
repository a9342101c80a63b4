package chat

import (
	"time"
)

// ClientState tracks how far a message has progressed from the local
// client's point of view. Confirmed messages are immutable.
type ClientState string

const (
	StatePending   ClientState = "pending"
	StateConfirmed ClientState = "confirmed"
	StateFailed    ClientState = "failed"
)

// DraftStatus is the per-draft state machine for optimistic sends.
type DraftStatus string

const (
	DraftComposing DraftStatus = "composing"
	DraftSending   DraftStatus = "sending"
	DraftSent      DraftStatus = "sent"
	DraftFailed    DraftStatus = "failed"
)

type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

// Message is one entry of a conversation log. ID is server-assigned once
// confirmed; until then the entry is identified by TempID. Within one
// conversation messages are totally ordered by (CreatedAt, ID).
type Message struct {
	ID             string       `json:"id"`
	TempID         string       `json:"temp_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	SenderType     string       `json:"sender_type"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IsSystem       bool         `json:"is_system"`
	CreatedAt      time.Time    `json:"created_at"`
	State          ClientState  `json:"state"`
}

// Key returns the identity used for ordering and dedup: the server id when
// present, otherwise the temp id of a still-pending draft.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// less orders by (CreatedAt, id), the central log invariant.
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}

// OutgoingDraft is a locally originated message that has not been confirmed
// by the server yet. Content is preserved on failure so the user can retry
// or discard.
type OutgoingDraft struct {
	TempID         string       `json:"temp_id"`
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         DraftStatus  `json:"status"`
	SubmittedAt    time.Time    `json:"submitted_at"`
	Err            error        `json:"-"`
}

// PushEventType discriminates frames delivered over the push channel.
type PushEventType string

const (
	EventMessage             PushEventType = "message"
	EventConversationUpdated PushEventType = "conversation_updated"
	// EventKeepalive carries no payload; it only proves the server is
	// alive and feeds the heartbeat watchdog.
	EventKeepalive PushEventType = "keepalive"
)

type PushEvent struct {
	Type           PushEventType `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *Message      `json:"message,omitempty"`
}

// ConnState is the connection manager's state machine. Closed is terminal
// and only reached by explicit teardown.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReadReceipt is the server's answer to a mark-as-read mutation.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
	ReadAt         time.Time `json:"read_at"`
}

// Credentials identify the session towards the push gateway.
type Credentials struct {
	UserID string
	Token  string
}
