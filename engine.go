package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultSendTimeout  = 15 * time.Second
	DefaultRetryRate    = rate.Limit(10)
	DefaultHistoryLimit = 50
)

// StreamSubscriber joins and leaves per-conversation real-time streams.
// Socket implements it.
type StreamSubscriber interface {
	JoinChannelStream(ctx context.Context, channelID string) error
	LeaveChannelStream(ctx context.Context, channelID string) error
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the conversation views, the offline queue and the real-time
// pipeline for one session. It is safe for concurrent use.
type Engine struct {
	backend     Backend
	queue       QueueStore
	watermarks  WatermarkStore
	net         *NetworkMonitor
	bus         *Bus
	normalizer  *Normalizer
	log         *zap.Logger
	metrics     *Metrics
	session     *Session
	uploader    MediaUploader
	streams     StreamSubscriber
	limiter     *rate.Limiter
	now         func() time.Time
	sendTimeout time.Duration
	history     int

	mu       sync.Mutex
	views    map[string]*View
	mounted  map[string]int
	inflight map[string]struct{}
	unsubNet func()
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWatermarkStore sets where the status-resync watermark is kept. By
// default the queue store is used when it implements WatermarkStore.
func WithWatermarkStore(s WatermarkStore) Option {
	return func(e *Engine) { e.watermarks = s }
}

func WithNetworkMonitor(n *NetworkMonitor) Option {
	return func(e *Engine) {
		if n != nil {
			e.net = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetryRate paces queue replays to r sends per second.
func WithRetryRate(r rate.Limit) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(r, 1) }
}

func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

func WithUploader(u MediaUploader) Option {
	return func(e *Engine) { e.uploader = u }
}

func WithStreamSubscriber(s StreamSubscriber) Option {
	return func(e *Engine) { e.streams = s }
}

// WithHistoryLimit sets how many messages Open loads from the server. Zero
// disables the history fetch.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.history = n }
}

// NewEngine creates an engine for session. The network monitor starts online
// unless one is supplied.
func NewEngine(backend Backend, store QueueStore, session *Session, opts ...Option) *Engine {
	if session == nil {
		session = &Session{}
	}
	e := &Engine{
		backend:     backend,
		queue:       store,
		log:         zap.NewNop(),
		session:     session,
		limiter:     rate.NewLimiter(DefaultRetryRate, 1),
		now:         time.Now,
		sendTimeout: DefaultSendTimeout,
		history:     DefaultHistoryLimit,
		views:       make(map[string]*View),
		mounted:     make(map[string]int),
		inflight:    make(map[string]struct{}),
	}
	if ws, ok := store.(WatermarkStore); ok {
		e.watermarks = ws
	}
	if u, ok := backend.(MediaUploader); ok {
		e.uploader = u
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.net == nil {
		e.net = NewNetworkMonitor(true)
	}
	e.log = e.log.With(zap.String("user_id", session.UserID))
	e.bus = NewBus(e.log)
	e.normalizer = NewNormalizer(e.bus, session.UserID, e.lookup, e.log, e.metrics)
	e.normalizer.now = e.now
	e.unsubNet = e.net.OnChange(e.onNetworkChange)
	e.metrics.setQueueDepth(len(store.List()))
	return e
}

// Bus returns the event bus normalized real-time events are published on.
func (e *Engine) Bus() *Bus { return e.bus }

// Normalizer returns the entry point for raw transport payloads.
func (e *Engine) Normalizer() *Normalizer { return e.normalizer }

// Network returns the network monitor the engine reacts to.
func (e *Engine) Network() *NetworkMonitor { return e.net }

// Session returns the session the engine acts for.
func (e *Engine) Session() *Session { return e.session }

// Queue returns the offline queue store.
func (e *Engine) Queue() QueueStore { return e.queue }

// AttachSocket feeds the socket's notifications and stream payloads into the
// normalizer, joins conversation streams through it and lets its connection
// state drive the network monitor.
func (e *Engine) AttachSocket(s *Socket) {
	s.OnNotification(e.normalizer.HandleNotification)
	s.OnStreamData(e.normalizer.HandleStream)
	s.OnConnected(func() { e.net.SetOnline(true) })
	s.OnDisconnected(func(int, string) { e.net.SetOnline(false) })
	e.mu.Lock()
	e.streams = s
	e.mu.Unlock()
}

// Close detaches the engine from the network monitor.
func (e *Engine) Close() {
	e.mu.Lock()
	unsub := e.unsubNet
	e.unsubNet = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// View returns the view for a conversation, creating it on first use. Views
// outlive Conversation handles.
func (e *Engine) View(channelID string) *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[channelID]
	if !ok {
		v = newView(channelID)
		e.views[channelID] = v
	}
	return v
}

func (e *Engine) findView(channelID string) (*View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[channelID]
	return v, ok
}

func (e *Engine) allViews() []*View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v)
	}
	return out
}

func (e *Engine) mountedChannels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, n := range e.mounted {
		if n > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) lookup(channelID, messageID string) (Message, bool) {
	v, ok := e.findView(channelID)
	if !ok {
		return Message{}, false
	}
	return v.Get(messageID)
}

func (e *Engine) onNetworkChange(online bool) {
	e.log.Info("network_state_changed", zap.Bool("online", online))
	if !online {
		return
	}
	ctx := context.Background()
	for _, channelID := range e.mountedChannels() {
		if _, err := e.RetryAll(ctx, channelID); err != nil {
			e.log.Warn("retry_on_reconnect_failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	if _, err := e.ResyncStatus(ctx); err != nil {
		e.log.Warn("resync_on_reconnect_failed", zap.Error(err))
	}
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a mounted conversation: the view plus the real-time
// handlers that keep it current. Close unmounts it.
type Conversation struct {
	engine    *Engine
	view      *View
	channelID string

	mu     sync.Mutex
	closed bool
	unsubs []func()
}

// Open mounts a conversation. Queued sends are restored as failed
// placeholders, the latest history page is merged, the conversation stream is
// joined and, when online, the offline queue is replayed and statuses resynced.
// History and stream failures are logged; the conversation still opens.
func (e *Engine) Open(ctx context.Context, channelID string) (*Conversation, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidMessage)
	}
	v := e.View(channelID)
	e.restoreQueued(v, e.queue.ListFor(channelID))

	if e.history > 0 && e.net.Online() {
		msgs, err := e.backend.GetMessages(ctx, channelID, e.history)
		if err != nil {
			e.log.Warn("history_fetch_failed", zap.String("channel_id", channelID), zap.Error(err))
		} else {
			v.Merge(msgs)
		}
	}

	c := &Conversation{engine: e, view: v, channelID: channelID}
	c.subscribe()

	e.mu.Lock()
	e.mounted[channelID]++
	streams := e.streams
	e.mu.Unlock()

	if streams != nil {
		if err := streams.JoinChannelStream(ctx, channelID); err != nil {
			e.log.Warn("stream_join_failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}

	if e.net.Online() {
		if _, err := e.RetryAll(ctx, channelID); err != nil {
			e.log.Warn("retry_on_open_failed", zap.String("channel_id", channelID), zap.Error(err))
		}
		if _, err := e.ResyncStatus(ctx); err != nil {
			e.log.Warn("resync_on_open_failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}

	e.log.Debug("conversation_opened", zap.String("channel_id", channelID), zap.Int("messages", v.Len()))
	return c, nil
}

func (c *Conversation) subscribe() {
	e := c.engine
	id := c.channelID
	c.unsubs = []func(){
		e.bus.Subscribe(EventNewMessage, id, Handle(func(_ Event, p NewMessagePayload) {
			c.view.Insert(p.Message)
		})),
		e.bus.Subscribe(EventMessageUpdate, id, Handle(func(_ Event, p MessageUpdatePayload) {
			c.view.ApplyEdit(p.MessageID, p.Content, p.UpdatedAt)
		})),
		e.bus.Subscribe(EventMessageDelete, id, Handle(func(_ Event, p MessageDeletePayload) {
			c.view.ApplyDelete(p.MessageID)
		})),
		e.bus.Subscribe(EventReactionUpdate, id, Handle(func(_ Event, p ReactionPayload) {
			c.view.ApplyReaction(p)
		})),
		e.bus.Subscribe(EventDeliveryReceipt, id, Handle(c.applyReceipt)),
		e.bus.Subscribe(EventReadReceipt, id, Handle(c.applyReceipt)),
	}
}

// applyReceipt advances the status of the session user's own messages.
func (c *Conversation) applyReceipt(ev Event, p ReceiptPayload) {
	self := c.engine.session.UserID
	for _, id := range p.MessageIDs {
		m, ok := c.view.Get(id)
		if !ok || m.SenderID != self {
			continue
		}
		c.engine.recordSteps(id, c.view.ApplyStatus(id, p.Status))
	}
}

func (e *Engine) recordSteps(messageID string, steps []Status) {
	for _, s := range steps {
		e.metrics.statusRecorded(s)
		e.log.Debug("message_status_changed", zap.String("message_id", messageID), zap.String("status", string(s)))
	}
}

// ChannelID returns the conversation's channel.
func (c *Conversation) ChannelID() string { return c.channelID }

// View returns the conversation's view.
func (c *Conversation) View() *View { return c.view }

// Messages returns the current ordered message list.
func (c *Conversation) Messages() []Message { return c.view.Messages() }

func (c *Conversation) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	return nil
}

// Close unmounts the conversation: its handlers are removed and the stream is
// left. Sends already in flight still complete and update the view.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	e := c.engine
	e.mu.Lock()
	e.mounted[c.channelID]--
	last := e.mounted[c.channelID] <= 0
	if last {
		delete(e.mounted, c.channelID)
	}
	streams := e.streams
	e.mu.Unlock()

	if last && streams != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := streams.LeaveChannelStream(ctx, c.channelID); err != nil {
			e.log.Warn("stream_leave_failed", zap.String("channel_id", c.channelID), zap.Error(err))
			return err
		}
	}
	return nil
}

// Send sends a message in this conversation. See Engine.Send.
func (c *Conversation) Send(ctx context.Context, req SendRequest) (Message, error) {
	if err := c.checkOpen(); err != nil {
		return Message{}, err
	}
	req.ChannelID = c.channelID
	return c.engine.Send(ctx, req)
}

// SendMedia uploads the attachment, then sends it. See Engine.SendMedia.
func (c *Conversation) SendMedia(ctx context.Context, upload MediaUpload, req SendRequest) (Message, error) {
	if err := c.checkOpen(); err != nil {
		return Message{}, err
	}
	req.ChannelID = c.channelID
	return c.engine.SendMedia(ctx, upload, req)
}

// Retry replays one failed send.
func (c *Conversation) Retry(ctx context.Context, tempID string) (Message, error) {
	if err := c.checkOpen(); err != nil {
		return Message{}, err
	}
	return c.engine.RetryOne(ctx, tempID)
}

// RetryAll replays this conversation's offline queue.
func (c *Conversation) RetryAll(ctx context.Context) (RetrySummary, error) {
	if err := c.checkOpen(); err != nil {
		return RetrySummary{}, err
	}
	return c.engine.RetryAll(ctx, c.channelID)
}

// Drop abandons a failed send.
func (c *Conversation) Drop(tempID string) error {
	return c.engine.Drop(tempID)
}

// ============================================================================
// Confirmed-message operations
// ============================================================================

func (c *Conversation) confirmed(messageID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if IsTempID(messageID) {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, messageID)
	}
	if !c.view.Has(messageID) {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return nil
}

// Edit changes the content of a confirmed message.
func (c *Conversation) Edit(ctx context.Context, messageID, content string) (Message, error) {
	if err := c.confirmed(messageID); err != nil {
		return Message{}, err
	}
	m, err := c.engine.backend.EditMessage(ctx, c.channelID, messageID, content)
	if err != nil {
		return Message{}, err
	}
	c.view.ApplyEdit(messageID, m.Content, m.UpdatedAt)
	got, _ := c.view.Get(messageID)
	return got, nil
}

// Delete tombstones a confirmed message.
func (c *Conversation) Delete(ctx context.Context, messageID string) error {
	if err := c.confirmed(messageID); err != nil {
		return err
	}
	if err := c.engine.backend.DeleteMessage(ctx, c.channelID, messageID); err != nil {
		return err
	}
	c.view.ApplyDelete(messageID)
	return nil
}

// React adds the session user's reaction.
func (c *Conversation) React(ctx context.Context, messageID, emoji string) (Message, error) {
	if err := c.confirmed(messageID); err != nil {
		return Message{}, err
	}
	if _, err := c.engine.backend.AddReaction(ctx, c.channelID, messageID, emoji); err != nil {
		return Message{}, err
	}
	c.view.ApplyReaction(ReactionPayload{MessageID: messageID, Emoji: emoji, UserID: c.engine.session.UserID, Added: true})
	got, _ := c.view.Get(messageID)
	return got, nil
}

// Unreact removes the session user's reaction.
func (c *Conversation) Unreact(ctx context.Context, messageID, emoji string) (Message, error) {
	if err := c.confirmed(messageID); err != nil {
		return Message{}, err
	}
	if _, err := c.engine.backend.RemoveReaction(ctx, c.channelID, messageID, emoji); err != nil {
		return Message{}, err
	}
	c.view.ApplyReaction(ReactionPayload{MessageID: messageID, Emoji: emoji, UserID: c.engine.session.UserID})
	got, _ := c.view.Get(messageID)
	return got, nil
}

// Pin sets or clears the pinned flag.
func (c *Conversation) Pin(ctx context.Context, messageID string, pinned bool) (Message, error) {
	if err := c.confirmed(messageID); err != nil {
		return Message{}, err
	}
	if _, err := c.engine.backend.PinMessage(ctx, c.channelID, messageID, pinned); err != nil {
		return Message{}, err
	}
	c.view.SetPinned(messageID, pinned)
	got, _ := c.view.Get(messageID)
	return got, nil
}

// MarkSeen acknowledges every unread message from other users: delivery
// first, then read. It returns the acknowledged IDs.
func (c *Conversation) MarkSeen(ctx context.Context) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	ids := c.view.unread(c.engine.session.UserID)
	if len(ids) == 0 {
		return nil, nil
	}
	b := c.engine.backend
	if err := b.MarkDelivered(ctx, c.channelID, ids); err != nil {
		return nil, err
	}
	if err := b.MarkMessagesRead(ctx, c.channelID, ids); err != nil {
		return nil, err
	}
	c.view.MarkRead(ids)
	return ids, nil
}
