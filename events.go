package chatsync

import "time"

// EventKind is the canonical taxonomy every transport is normalized into.
type EventKind string

const (
	EventNewMessage      EventKind = "new_message"
	EventMessageUpdate   EventKind = "message_update"
	EventMessageDelete   EventKind = "message_delete"
	EventReactionUpdate  EventKind = "reaction_update"
	EventReadReceipt     EventKind = "read_receipt"
	EventDeliveryReceipt EventKind = "delivery_receipt"
	EventTyping          EventKind = "typing_indicator"
	EventPresence        EventKind = "presence_update"
)

// Source names the transport an event arrived on.
type Source string

const (
	SourceNotification Source = "notification"
	SourceStream       Source = "stream"
)

// Event is a normalized real-time event. Payload holds the kind's payload
// type: NewMessagePayload, MessageUpdatePayload, MessageDeletePayload,
// ReactionPayload, ReceiptPayload, TypingPayload or PresencePayload.
type Event struct {
	Kind      EventKind
	ChannelID string
	ActorID   string
	Source    Source
	At        time.Time
	Payload   any
}

type NewMessagePayload struct {
	Message Message
}

type MessageUpdatePayload struct {
	MessageID string
	Content   string
	UpdatedAt time.Time
}

type MessageDeletePayload struct {
	MessageID string
}

type ReactionPayload struct {
	MessageID string
	Emoji     string
	UserID    string
	Added     bool
}

// ReceiptPayload covers both read and delivery receipts; Status is
// StatusSeen or StatusDelivered accordingly.
type ReceiptPayload struct {
	MessageIDs []string
	Status     Status
}

type TypingPayload struct {
	UserID   string
	IsTyping bool
}

type PresencePayload struct {
	UserID string
	Status string
}
