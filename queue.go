package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Fixed namespace keys in the local store.
const (
	QueueKey     = "chatsync/offline_queue"
	WatermarkKey = "chatsync/status_watermark"
)

// QueueStore holds sends that have not been confirmed by the server.
//
// Enqueue overwrites an entry with the same temp ID in place. Dequeue of a
// missing entry is a no-op. Reads never fail: an unreadable store is empty.
type QueueStore interface {
	Enqueue(entry QueueEntry) error
	Dequeue(tempID string) error
	ListFor(channelID string) []QueueEntry
	List() []QueueEntry
}

// WatermarkStore persists the point up to which message statuses were synced.
type WatermarkStore interface {
	Watermark() time.Time
	SetWatermark(t time.Time) error
}

func upsertEntry(entries []QueueEntry, entry QueueEntry) []QueueEntry {
	for i := range entries {
		if entries[i].TempID == entry.TempID {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

func removeEntry(entries []QueueEntry, tempID string) ([]QueueEntry, bool) {
	for i := range entries {
		if entries[i].TempID == tempID {
			return append(entries[:i:i], entries[i+1:]...), true
		}
	}
	return entries, false
}

func filterChannel(entries []QueueEntry, channelID string) []QueueEntry {
	var out []QueueEntry
	for _, e := range entries {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory queue and watermark store.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []QueueEntry
	watermark time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Enqueue(entry QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = upsertEntry(s.entries, entry)
	return nil
}

func (s *MemoryStore) Dequeue(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries, _ = removeEntry(s.entries, tempID)
	return nil
}

func (s *MemoryStore) ListFor(channelID string) []QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterChannel(s.entries, channelID)
}

func (s *MemoryStore) List() []QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]QueueEntry(nil), s.entries...)
}

func (s *MemoryStore) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

func (s *MemoryStore) SetWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = t
	return nil
}

// ============================================================================
// PebbleStore
// ============================================================================

// PebbleStore keeps the offline queue and sync watermark in an on-disk Pebble
// database so they survive restarts. The queue is one JSON list under
// QueueKey.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebbleStore opens (or creates) the store at path.
func OpenPebbleStore(path string, log *zap.Logger) (*PebbleStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open local store: %w", err)
	}
	log.Debug("pebble_opened", zap.String("path", path))
	return &PebbleStore{db: db, log: log}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) get(key string) ([]byte, error) {
	if s.db == nil {
		return nil, errors.New("local store closed")
	}
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (s *PebbleStore) set(key string, value []byte) error {
	if s.db == nil {
		return errors.New("local store closed")
	}
	return s.db.Set([]byte(key), value, pebble.Sync)
}

// readQueue must be called with s.mu held.
func (s *PebbleStore) readQueue() []QueueEntry {
	data, err := s.get(QueueKey)
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			s.log.Warn("offline_queue_read_failed", zap.Error(err))
		}
		return nil
	}
	var entries []QueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Warn("offline_queue_corrupt", zap.Int("bytes", len(data)), zap.Error(err))
		return nil
	}
	return entries
}

func (s *PebbleStore) writeQueue(entries []QueueEntry) error {
	if entries == nil {
		entries = []QueueEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal offline queue: %w", err)
	}
	if err := s.set(QueueKey, data); err != nil {
		s.log.Error("offline_queue_write_failed", zap.Error(err))
		return fmt.Errorf("write offline queue: %w", err)
	}
	return nil
}

func (s *PebbleStore) Enqueue(entry QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeQueue(upsertEntry(s.readQueue(), entry))
}

func (s *PebbleStore) Dequeue(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, found := removeEntry(s.readQueue(), tempID)
	if !found {
		return nil
	}
	return s.writeQueue(entries)
}

func (s *PebbleStore) ListFor(channelID string) []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterChannel(s.readQueue(), channelID)
}

func (s *PebbleStore) List() []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQueue()
}

func (s *PebbleStore) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.get(WatermarkKey)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		s.log.Warn("status_watermark_corrupt", zap.Error(err))
		return time.Time{}
	}
	return t
}

func (s *PebbleStore) SetWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(WatermarkKey, []byte(t.UTC().Format(time.RFC3339Nano)))
}
