package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification codes used by the backend for chat traffic.
const (
	CodeChatMessage     = 100
	CodeTyping          = 101
	CodeReadReceipt     = 102
	CodeDeliveryReceipt = 103
	CodeMessageEdited   = 104
	CodeMessageDeleted  = 105
	CodeReaction        = 106
	CodePresence        = 107
)

// Stream payload types used by the per-conversation stream.
const (
	StreamNewMessage        = "new_message"
	StreamMessageEdited     = "message_edited"
	StreamMessageDeleted    = "message_deleted"
	StreamReactionUpdated   = "reaction_updated"
	StreamMessagesRead      = "messages_read"
	StreamMessagesDelivered = "messages_delivered"
	StreamTyping            = "typing"
	StreamPresence          = "presence"
)

// ReplyPreviewLength bounds the backfilled reply content, in runes.
const ReplyPreviewLength = 100

// Notification is a per-user notification as delivered by the socket.
// Content is the JSON document the backend attached to it.
type Notification struct {
	ID       string `json:"id"`
	Code     int    `json:"code"`
	Subject  string `json:"subject"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

// StreamData is one raw per-conversation stream payload.
type StreamData struct {
	SenderID string
	Payload  []byte
}

// ReplyLookup finds a message already held in view-state.
type ReplyLookup func(channelID, messageID string) (Message, bool)

// ============================================================================
// Wire payloads
// ============================================================================

type receiptContent struct {
	ChannelID  string    `json:"channel_id"`
	MessageIDs []string  `json:"message_ids"`
	UserID     string    `json:"user_id"`
	At         Timestamp `json:"at"`
}

type editContent struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	EditorID  string    `json:"editor_id"`
	UpdatedAt Timestamp `json:"updated_at"`
}

type deleteContent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	DeletedBy string `json:"deleted_by"`
}

type reactionContent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
}

type typingContent struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

type presenceContent struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type streamEnvelope struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Data      json.RawMessage `json:"data"`
}

type streamReceipt struct {
	MessageIDs []string  `json:"messageIds"`
	UserID     string    `json:"userId"`
	At         Timestamp `json:"at"`
}

type streamEdit struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	EditorID  string    `json:"editorId"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

type streamDelete struct {
	MessageID string `json:"messageId"`
	DeletedBy string `json:"deletedBy"`
}

type streamReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Added     bool   `json:"added"`
}

type streamTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type streamPresence struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ============================================================================
// Normalizer
// ============================================================================

// Normalizer turns notification and stream payloads into canonical events and
// publishes each logical occurrence once.
type Normalizer struct {
	bus     *Bus
	selfID  string
	lookup  ReplyLookup
	log     *zap.Logger
	metrics *Metrics
	window  *matchWindow
	now     func() time.Time
}

// NewNormalizer creates a normalizer publishing to bus. selfID is the session
// user; lookup may be nil.
func NewNormalizer(bus *Bus, selfID string, lookup ReplyLookup, log *zap.Logger, metrics *Metrics) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{
		bus:     bus,
		selfID:  selfID,
		lookup:  lookup,
		log:     log,
		metrics: metrics,
		window:  newMatchWindow(30*time.Second, 2048),
		now:     time.Now,
	}
}

// HandleNotification normalizes and publishes a notification. Malformed or
// unrelated notifications are dropped.
func (n *Normalizer) HandleNotification(notif Notification) {
	ev, err := decodeNotification(notif)
	if err != nil {
		n.drop(SourceNotification, "malformed", zap.Int("code", notif.Code), zap.Error(err))
		return
	}
	n.publish(ev)
}

// HandleStream normalizes and publishes a stream payload.
func (n *Normalizer) HandleStream(data StreamData) {
	ev, err := decodeStream(data.Payload)
	if err != nil {
		n.drop(SourceStream, "malformed", zap.String("sender_id", data.SenderID), zap.Error(err))
		return
	}
	n.publish(ev)
}

func (n *Normalizer) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = n.now().UTC()
	}
	n.metrics.eventReceived(ev.Source, ev.Kind)

	if ev.Kind == EventNewMessage && n.selfID != "" && ev.ActorID == n.selfID {
		n.drop(ev.Source, "self_origin", zap.String("channel_id", ev.ChannelID))
		return
	}
	if n.window.duplicate(dedupKey(ev), ev.Source, n.now()) {
		n.drop(ev.Source, "duplicate", zap.String("kind", string(ev.Kind)), zap.String("channel_id", ev.ChannelID))
		return
	}
	if p, ok := ev.Payload.(NewMessagePayload); ok {
		p.Message = n.backfillReply(p.Message)
		ev.Payload = p
	}
	n.bus.Publish(ev)
}

func (n *Normalizer) drop(src Source, reason string, fields ...zap.Field) {
	n.metrics.eventDropped(reason)
	fields = append(fields, zap.String("source", string(src)), zap.String("reason", reason))
	if reason == "malformed" {
		n.log.Warn("realtime_event_dropped", fields...)
		return
	}
	n.log.Debug("realtime_event_dropped", fields...)
}

func (n *Normalizer) backfillReply(m Message) Message {
	if m.ReplyToID == "" || (m.ReplyToSenderName != "" && m.ReplyToContent != "") || n.lookup == nil {
		return m
	}
	ref, ok := n.lookup(m.ChannelID, m.ReplyToID)
	if !ok {
		return m
	}
	if m.ReplyToSenderName == "" {
		m.ReplyToSenderName = ref.SenderName
	}
	if m.ReplyToContent == "" {
		m.ReplyToContent = truncateRunes(ref.Content, ReplyPreviewLength)
	}
	return m
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ============================================================================
// Decoding
// ============================================================================

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func decodeNotification(notif Notification) (Event, error) {
	ev := Event{Source: SourceNotification}
	content := []byte(notif.Content)
	switch notif.Code {
	case CodeChatMessage:
		var w wireMessage
		if err := json.Unmarshal(content, &w); err != nil {
			return ev, malformed("chat message: %v", err)
		}
		return newMessageEvent(ev, w.message())
	case CodeReadReceipt, CodeDeliveryReceipt:
		var r receiptContent
		if err := json.Unmarshal(content, &r); err != nil {
			return ev, malformed("receipt: %v", err)
		}
		status := StatusSeen
		ev.Kind = EventReadReceipt
		if notif.Code == CodeDeliveryReceipt {
			status = StatusDelivered
			ev.Kind = EventDeliveryReceipt
		}
		return receiptEvent(ev, r.ChannelID, r.UserID, r.MessageIDs, status, r.At.Time)
	case CodeMessageEdited:
		var e editContent
		if err := json.Unmarshal(content, &e); err != nil {
			return ev, malformed("edit: %v", err)
		}
		return updateEvent(ev, e.ChannelID, e.EditorID, e.MessageID, e.Content, e.UpdatedAt.Time)
	case CodeMessageDeleted:
		var d deleteContent
		if err := json.Unmarshal(content, &d); err != nil {
			return ev, malformed("delete: %v", err)
		}
		return deleteEvent(ev, d.ChannelID, d.DeletedBy, d.MessageID)
	case CodeReaction:
		var r reactionContent
		if err := json.Unmarshal(content, &r); err != nil {
			return ev, malformed("reaction: %v", err)
		}
		if r.Action != "add" && r.Action != "remove" {
			return ev, malformed("reaction action %q", r.Action)
		}
		return reactionEvent(ev, r.ChannelID, r.MessageID, r.Emoji, r.UserID, r.Action == "add")
	case CodeTyping:
		var t typingContent
		if err := json.Unmarshal(content, &t); err != nil {
			return ev, malformed("typing: %v", err)
		}
		return typingEvent(ev, t.ChannelID, t.UserID, t.IsTyping)
	case CodePresence:
		var p presenceContent
		if err := json.Unmarshal(content, &p); err != nil {
			return ev, malformed("presence: %v", err)
		}
		return presenceEvent(ev, p.UserID, p.Status)
	}
	return ev, malformed("unknown notification code %d", notif.Code)
}

func decodeStream(payload []byte) (Event, error) {
	ev := Event{Source: SourceStream}
	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ev, malformed("stream envelope: %v", err)
	}
	if len(env.Data) == 0 {
		return ev, malformed("stream %q without data", env.Type)
	}
	switch env.Type {
	case StreamNewMessage:
		var s streamMessage
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return ev, malformed("new_message: %v", err)
		}
		if s.ChannelID == "" {
			s.ChannelID = env.ChannelID
		}
		return newMessageEvent(ev, s.message())
	case StreamMessagesRead, StreamMessagesDelivered:
		var r streamReceipt
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return ev, malformed("%s: %v", env.Type, err)
		}
		status := StatusSeen
		ev.Kind = EventReadReceipt
		if env.Type == StreamMessagesDelivered {
			status = StatusDelivered
			ev.Kind = EventDeliveryReceipt
		}
		return receiptEvent(ev, env.ChannelID, r.UserID, r.MessageIDs, status, r.At.Time)
	case StreamMessageEdited:
		var e streamEdit
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return ev, malformed("message_edited: %v", err)
		}
		return updateEvent(ev, env.ChannelID, e.EditorID, e.MessageID, e.Content, e.UpdatedAt.Time)
	case StreamMessageDeleted:
		var d streamDelete
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, malformed("message_deleted: %v", err)
		}
		return deleteEvent(ev, env.ChannelID, d.DeletedBy, d.MessageID)
	case StreamReactionUpdated:
		var r streamReaction
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return ev, malformed("reaction_updated: %v", err)
		}
		return reactionEvent(ev, env.ChannelID, r.MessageID, r.Emoji, r.UserID, r.Added)
	case StreamTyping:
		var t streamTyping
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return ev, malformed("typing: %v", err)
		}
		return typingEvent(ev, env.ChannelID, t.UserID, t.IsTyping)
	case StreamPresence:
		var p streamPresence
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ev, malformed("presence: %v", err)
		}
		return presenceEvent(ev, p.UserID, p.Status)
	}
	return ev, malformed("unknown stream type %q", env.Type)
}

func newMessageEvent(ev Event, m Message) (Event, error) {
	if m.ID == "" || m.ChannelID == "" {
		return ev, malformed("new message without id or channel")
	}
	if IsTempID(m.ID) {
		return ev, malformed("new message with temporary id %q", m.ID)
	}
	ev.Kind = EventNewMessage
	ev.ChannelID = m.ChannelID
	ev.ActorID = m.SenderID
	ev.At = m.CreatedAt
	ev.Payload = NewMessagePayload{Message: m}
	return ev, nil
}

func receiptEvent(ev Event, channelID, actorID string, ids []string, status Status, at time.Time) (Event, error) {
	if channelID == "" || len(ids) == 0 {
		return ev, malformed("receipt without channel or message ids")
	}
	ev.ChannelID = channelID
	ev.ActorID = actorID
	ev.At = at
	ev.Payload = ReceiptPayload{MessageIDs: append([]string(nil), ids...), Status: status}
	return ev, nil
}

func updateEvent(ev Event, channelID, actorID, messageID, content string, at time.Time) (Event, error) {
	if channelID == "" || messageID == "" {
		return ev, malformed("update without channel or message id")
	}
	ev.Kind = EventMessageUpdate
	ev.ChannelID = channelID
	ev.ActorID = actorID
	ev.At = at
	ev.Payload = MessageUpdatePayload{MessageID: messageID, Content: content, UpdatedAt: at}
	return ev, nil
}

func deleteEvent(ev Event, channelID, actorID, messageID string) (Event, error) {
	if channelID == "" || messageID == "" {
		return ev, malformed("delete without channel or message id")
	}
	ev.Kind = EventMessageDelete
	ev.ChannelID = channelID
	ev.ActorID = actorID
	ev.Payload = MessageDeletePayload{MessageID: messageID}
	return ev, nil
}

func reactionEvent(ev Event, channelID, messageID, emoji, userID string, added bool) (Event, error) {
	if channelID == "" || messageID == "" || emoji == "" || userID == "" {
		return ev, malformed("incomplete reaction")
	}
	ev.Kind = EventReactionUpdate
	ev.ChannelID = channelID
	ev.ActorID = userID
	ev.Payload = ReactionPayload{MessageID: messageID, Emoji: emoji, UserID: userID, Added: added}
	return ev, nil
}

func typingEvent(ev Event, channelID, userID string, typing bool) (Event, error) {
	if channelID == "" || userID == "" {
		return ev, malformed("incomplete typing indicator")
	}
	ev.Kind = EventTyping
	ev.ChannelID = channelID
	ev.ActorID = userID
	ev.Payload = TypingPayload{UserID: userID, IsTyping: typing}
	return ev, nil
}

func presenceEvent(ev Event, userID, status string) (Event, error) {
	if userID == "" {
		return ev, malformed("presence without user")
	}
	ev.Kind = EventPresence
	ev.ActorID = userID
	ev.Payload = PresencePayload{UserID: userID, Status: status}
	return ev, nil
}

// ============================================================================
// Cross-transport matching
// ============================================================================

func dedupKey(ev Event) string {
	switch p := ev.Payload.(type) {
	case NewMessagePayload:
		return "msg|" + p.Message.ID
	case MessageUpdatePayload:
		return "upd|" + p.MessageID + "|" + p.Content
	case MessageDeletePayload:
		return "del|" + p.MessageID
	case ReactionPayload:
		return fmt.Sprintf("rx|%s|%s|%s|%t", p.MessageID, p.Emoji, p.UserID, p.Added)
	case ReceiptPayload:
		ids := append([]string(nil), p.MessageIDs...)
		sort.Strings(ids)
		return "rcpt|" + string(p.Status) + "|" + ev.ChannelID + "|" + ev.ActorID + "|" + strings.Join(ids, ",")
	case TypingPayload:
		return fmt.Sprintf("typ|%s|%s|%t", ev.ChannelID, p.UserID, p.IsTyping)
	case PresencePayload:
		return "pres|" + p.UserID + "|" + p.Status
	}
	return string(ev.Kind) + "|" + ev.ChannelID + "|" + ev.ActorID
}

type matchEntry struct {
	unmatched map[Source]int
	last      time.Time
}

// matchWindow pairs an occurrence seen on one transport with the same
// occurrence on the other. Only cross-transport repeats are duplicates.
type matchWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*matchEntry
}

func newMatchWindow(ttl time.Duration, max int) *matchWindow {
	return &matchWindow{ttl: ttl, max: max, entries: make(map[string]*matchEntry)}
}

func (w *matchWindow) duplicate(key string, src Source, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	e := w.entries[key]
	if e == nil {
		if len(w.entries) >= w.max {
			w.evictOldest()
		}
		e = &matchEntry{unmatched: make(map[Source]int)}
		w.entries[key] = e
	}
	e.last = now
	for s, c := range e.unmatched {
		if s != src && c > 0 {
			e.unmatched[s] = c - 1
			return true
		}
	}
	e.unmatched[src]++
	return false
}

func (w *matchWindow) prune(now time.Time) {
	for k, e := range w.entries {
		if now.Sub(e.last) > w.ttl {
			delete(w.entries, k)
		}
	}
}

func (w *matchWindow) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range w.entries {
		if oldestKey == "" || e.last.Before(oldest) {
			oldestKey, oldest = k, e.last
		}
	}
	delete(w.entries, oldestKey)
}
