package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testSelf    = "user-self"
	testOther   = "user-other"
	testChannel = "channel-1"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errServer = errors.New("server unavailable")

// fakeBackend records calls and answers from canned data. sendFn, when set,
// decides the outcome of each send.
type fakeBackend struct {
	mu       sync.Mutex
	sendFn   func(ctx context.Context, req SendRequest) (Message, error)
	sent     []SendRequest
	nextID   int
	statuses []StatusUpdate
	syncErr  error
	since    []time.Time
	history  []Message
	calls    []string
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.nextID++
	n := f.nextID
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	return Message{
		ID:        fmt.Sprintf("msg-%d", n),
		ChannelID: req.ChannelID,
		SenderID:  testSelf,
		Content:   req.Content,
		Type:      req.Type,
		MediaURL:  req.MediaURL,
		ReplyToID: req.ReplyToID,
		Status:    StatusSent,
		CreatedAt: testEpoch.Add(time.Duration(n) * time.Second),
	}, nil
}

func (f *fakeBackend) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, r := range f.sent {
		out[i] = r.Content
	}
	return out
}

func (f *fakeBackend) MarkDelivered(ctx context.Context, channelID string, ids []string) error {
	f.record(fmt.Sprintf("mark_delivered:%s:%v", channelID, ids))
	return nil
}

func (f *fakeBackend) MarkMessagesRead(ctx context.Context, channelID string, ids []string) error {
	f.record(fmt.Sprintf("mark_messages_read:%s:%v", channelID, ids))
	return nil
}

func (f *fakeBackend) SyncAllMessageStatus(ctx context.Context, since time.Time) ([]StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return append([]StatusUpdate(nil), f.statuses...), nil
}

func (f *fakeBackend) EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error) {
	f.record("edit_message:" + messageID)
	return Message{ID: messageID, ChannelID: channelID, Content: content, IsEdited: true, UpdatedAt: testEpoch.Add(time.Hour)}, nil
}

func (f *fakeBackend) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.record("delete_message:" + messageID)
	return nil
}

func (f *fakeBackend) AddReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error) {
	f.record("add_reaction:" + messageID + ":" + emoji)
	return Message{ID: messageID}, nil
}

func (f *fakeBackend) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error) {
	f.record("remove_reaction:" + messageID + ":" + emoji)
	return Message{ID: messageID}, nil
}

func (f *fakeBackend) PinMessage(ctx context.Context, channelID, messageID string, pinned bool) (Message, error) {
	f.record(fmt.Sprintf("pin_message:%s:%t", messageID, pinned))
	return Message{ID: messageID, IsPinned: pinned}, nil
}

func (f *fakeBackend) GetMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	f.record("get_messages:" + channelID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.history...), nil
}

func (f *fakeBackend) callsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// fakeStreams records stream joins and leaves.
type fakeStreams struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (f *fakeStreams) JoinChannelStream(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channelID)
	return nil
}

func (f *fakeStreams) LeaveChannelStream(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, channelID)
	return nil
}

type fakeUploader struct {
	url string
	err error
}

func (f *fakeUploader) UploadMedia(ctx context.Context, upload MediaUpload) (string, error) {
	return f.url, f.err
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	backend *fakeBackend
	store   *MemoryStore
	net     *NetworkMonitor
	streams *fakeStreams
	clock   *testClock
}

func newTestEngine(online bool, opts ...Option) *testEngine {
	te := &testEngine{
		backend: &fakeBackend{},
		store:   NewMemoryStore(),
		net:     NewNetworkMonitor(online),
		streams: &fakeStreams{},
		clock:   &testClock{now: testEpoch},
	}
	base := []Option{
		WithNetworkMonitor(te.net),
		WithStreamSubscriber(te.streams),
		WithClock(te.clock.Now),
		WithRetryRate(1000),
	}
	te.Engine = NewEngine(te.backend, te.store, &Session{UserID: testSelf, Username: "me"}, append(base, opts...)...)
	return te
}

func (te *testEngine) open(t testing.TB, channelID string) *Conversation {
	t.Helper()
	c, err := te.Open(context.Background(), channelID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
