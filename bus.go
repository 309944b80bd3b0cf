package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives normalized events.
type Handler func(Event)

// Handle adapts a typed payload callback to a Handler. Events whose payload
// is not a T are ignored.
func Handle[T any](fn func(Event, T)) Handler {
	return func(ev Event) {
		if p, ok := ev.Payload.(T); ok {
			fn(ev, p)
		}
	}
}

type subscription struct {
	id        uint64
	channelID string
	handler   Handler
}

// Bus dispatches normalized events to subscribers synchronously, in
// subscription order. A subscriber scoped to a channel only sees events for
// that channel; an empty channel ID sees everything.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventKind][]subscription
	log    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[EventKind][]subscription), log: log}
}

// Subscribe registers h for kind, optionally scoped to channelID. The returned
// function removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(kind EventKind, channelID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, channelID: channelID, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[kind]
			for i := range subs {
				if subs[i].id == id {
					b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.channelID != "" && s.channelID != ev.ChannelID {
			continue
		}
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event_handler_panic",
				zap.String("kind", string(ev.Kind)),
				zap.String("channel_id", ev.ChannelID),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}
