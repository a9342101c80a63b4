package chat

import (
	"context"
	"time"
)

// FetchOpts bounds a page request. A zero After asks for the most recent
// page; a non-zero After asks only for messages newer than it (gap-fill).
type FetchOpts struct {
	Limit int
	After time.Time
}

// MessageAPI is the request/response collaborator: paginated history,
// send mutation and mark-as-read mutation. Implementations must be safe
// for concurrent use.
type MessageAPI interface {
	FetchMessages(ctx context.Context, conversationID string, opts FetchOpts) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, content string, attachments []Attachment) (Message, error)
	MarkRead(ctx context.Context, conversationID string) (ReadReceipt, error)
}

// AttachmentStager assigns a server-usable reference to a local attachment
// before the send request. Staging failures block the send.
type AttachmentStager interface {
	Stage(ctx context.Context, att Attachment) (Attachment, error)
}

// PushGateway is the push-subscription collaborator: one logical
// connection multiplexing every conversation the session cares about.
//
// Events delivers pushes for the lifetime of the gateway, across redials.
// Closed returns a channel belonging to the most recent Dial; it receives
// exactly one error (nil for a clean close) when that connection dies.
// Subscribe/Unsubscribe are only valid while connected.
type PushGateway interface {
	Dial(ctx context.Context, creds Credentials) error
	Subscribe(conversationID string) error
	Unsubscribe(conversationID string) error
	Events() <-chan PushEvent
	Closed() <-chan error
	Close() error
}
