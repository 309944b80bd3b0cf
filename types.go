package chatsync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument:
		return true
	}
	return false
}

// TempIDPrefix marks identifiers generated locally for unconfirmed sends.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh temporary message identifier.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", TempIDPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is one chat message as held in a conversation view.
type Message struct {
	ID                string              `json:"messageId"`
	ChannelID         string              `json:"channelId"`
	SenderID          string              `json:"senderId"`
	SenderName        string              `json:"senderName,omitempty"`
	Content           string              `json:"content"`
	Type              MessageType         `json:"messageType"`
	MediaURL          string              `json:"mediaUrl,omitempty"`
	Status            Status              `json:"status"`
	IsRead            bool                `json:"isRead"`
	IsEdited          bool                `json:"isEdited"`
	IsDeleted         bool                `json:"isDeleted"`
	IsPinned          bool                `json:"isPinned"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt,omitempty"`
	ReplyToID         string              `json:"replyToId,omitempty"`
	ReplyToSenderName string              `json:"replyToSenderName,omitempty"`
	ReplyToContent    string              `json:"replyToContent,omitempty"`
	Reactions         map[string][]string `json:"reactions,omitempty"`
}

// Clone returns a deep copy so callers never share reaction slices with a view.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			r[emoji] = append([]string(nil), users...)
		}
		m.Reactions = r
	}
	return m
}

// AddReaction records userID under emoji. It reports whether anything changed.
func (m *Message) AddReaction(emoji, userID string) bool {
	if emoji == "" || userID == "" {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		return false
	}
	users = append(users, "")
	copy(users[i+1:], users[i:])
	users[i] = userID
	m.Reactions[emoji] = users
	return true
}

// RemoveReaction drops userID from emoji. It reports whether anything changed.
func (m *Message) RemoveReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	i := sort.SearchStrings(users, userID)
	if i >= len(users) || users[i] != userID {
		return false
	}
	users = append(users[:i], users[i+1:]...)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
	return true
}

// SetReactions replaces all reactions, de-duplicating each user set.
func (m *Message) SetReactions(in map[string][]string) {
	m.Reactions = nil
	for emoji, users := range in {
		for _, u := range users {
			m.AddReaction(emoji, u)
		}
	}
}

// SendRequest is a user-composed message handed to the send pipeline.
type SendRequest struct {
	ChannelID string
	Content   string
	Type      MessageType
	MediaURL  string
	ReplyToID string
}

func (r *SendRequest) validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidMessage)
	}
	if r.Type == "" {
		r.Type = TypeText
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, r.Type)
	}
	if r.Type == TypeText && strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if r.Type != TypeText && r.MediaURL == "" {
		return fmt.Errorf("%w: media url is required for %s messages", ErrInvalidMessage, r.Type)
	}
	return nil
}

// ============================================================================
// Offline queue
// ============================================================================

// QueueEntry is one send that has not been confirmed by the server.
type QueueEntry struct {
	TempID    string      `json:"tempId"`
	ChannelID string      `json:"channelId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"messageType"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	ReplyToID string      `json:"replyToId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func entryFromMessage(m Message) QueueEntry {
	return QueueEntry{
		TempID:    m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Type:      m.Type,
		MediaURL:  m.MediaURL,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
	}
}

// StatusUpdate is one authoritative (messageId, status) pair from a resync.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
}

// ============================================================================
// Wire shapes
// ============================================================================

// wireMessage is the snake_case message record used by RPC responses and
// notification content.
type wireMessage struct {
	MessageID         string              `json:"message_id"`
	ChannelID         string              `json:"channel_id"`
	SenderID          string              `json:"sender_id"`
	SenderName        string              `json:"sender_name"`
	Content           string              `json:"content"`
	MessageType       MessageType         `json:"message_type"`
	MediaURL          string              `json:"media_url"`
	Status            Status              `json:"status"`
	IsRead            bool                `json:"is_read"`
	IsEdited          bool                `json:"is_edited"`
	IsDeleted         bool                `json:"is_deleted"`
	IsPinned          bool                `json:"is_pinned"`
	CreatedAt         Timestamp           `json:"created_at"`
	UpdatedAt         Timestamp           `json:"updated_at"`
	ReplyToID         string              `json:"reply_to_id"`
	ReplyToSenderName string              `json:"reply_to_sender_name"`
	ReplyToContent    string              `json:"reply_to_content"`
	Reactions         map[string][]string `json:"reactions"`
}

func (w *wireMessage) message() Message {
	m := Message{
		ID:                w.MessageID,
		ChannelID:         w.ChannelID,
		SenderID:          w.SenderID,
		SenderName:        w.SenderName,
		Content:           w.Content,
		Type:              w.MessageType,
		MediaURL:          w.MediaURL,
		Status:            w.Status,
		IsRead:            w.IsRead,
		IsEdited:          w.IsEdited,
		IsDeleted:         w.IsDeleted,
		IsPinned:          w.IsPinned,
		CreatedAt:         w.CreatedAt.Time,
		UpdatedAt:         w.UpdatedAt.Time,
		ReplyToID:         w.ReplyToID,
		ReplyToSenderName: w.ReplyToSenderName,
		ReplyToContent:    w.ReplyToContent,
	}
	m.SetReactions(w.Reactions)
	return normalizeMessage(m)
}

// streamMessage is the camelCase message record carried by stream payloads.
type streamMessage struct {
	MessageID         string              `json:"messageId"`
	ChannelID         string              `json:"channelId"`
	SenderID          string              `json:"senderId"`
	SenderName        string              `json:"senderName"`
	Content           string              `json:"content"`
	MessageType       MessageType         `json:"messageType"`
	MediaURL          string              `json:"mediaUrl"`
	Status            Status              `json:"status"`
	IsPinned          bool                `json:"isPinned"`
	CreatedAt         Timestamp           `json:"createdAt"`
	UpdatedAt         Timestamp           `json:"updatedAt"`
	ReplyToID         string              `json:"replyToId"`
	ReplyToSenderName string              `json:"replyToSenderName"`
	ReplyToContent    string              `json:"replyToContent"`
	Reactions         map[string][]string `json:"reactions"`
}

func (s *streamMessage) message() Message {
	m := Message{
		ID:                s.MessageID,
		ChannelID:         s.ChannelID,
		SenderID:          s.SenderID,
		SenderName:        s.SenderName,
		Content:           s.Content,
		Type:              s.MessageType,
		MediaURL:          s.MediaURL,
		Status:            s.Status,
		IsPinned:          s.IsPinned,
		CreatedAt:         s.CreatedAt.Time,
		UpdatedAt:         s.UpdatedAt.Time,
		ReplyToID:         s.ReplyToID,
		ReplyToSenderName: s.ReplyToSenderName,
		ReplyToContent:    s.ReplyToContent,
	}
	m.SetReactions(s.Reactions)
	return normalizeMessage(m)
}

// normalizeMessage fills defaults every server record is assumed to have.
func normalizeMessage(m Message) Message {
	if m.Type == "" {
		m.Type = TypeText
	}
	if !m.Status.Valid() || m.Status == StatusPending || m.Status == StatusFailed {
		m.Status = StatusSent
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	return m
}
