package chatsync

import (
	"reflect"
	"testing"
	"time"
)

func entry(tempID, channelID, content string) QueueEntry {
	return QueueEntry{TempID: tempID, ChannelID: channelID, Content: content, Type: TypeText, CreatedAt: testEpoch}
}

func tempIDs(entries []QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TempID
	}
	return out
}

// exerciseQueueStore runs the behaviour every QueueStore must share.
func exerciseQueueStore(t *testing.T, s QueueStore) {
	t.Run("empty", func(t *testing.T) {
		if got := s.List(); len(got) != 0 {
			t.Fatalf("expected empty queue, got %v", got)
		}
	})

	t.Run("enqueue keeps order", func(t *testing.T) {
		for _, e := range []QueueEntry{entry("t1", "a", "one"), entry("t2", "b", "two"), entry("t3", "a", "three")} {
			if err := s.Enqueue(e); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		if got := tempIDs(s.List()); !reflect.DeepEqual(got, []string{"t1", "t2", "t3"}) {
			t.Fatalf("unexpected order %v", got)
		}
	})

	t.Run("list for channel", func(t *testing.T) {
		if got := tempIDs(s.ListFor("a")); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
			t.Fatalf("unexpected entries %v", got)
		}
		if got := s.ListFor("nope"); len(got) != 0 {
			t.Fatalf("expected none, got %v", got)
		}
	})

	t.Run("duplicate temp id overwrites in place", func(t *testing.T) {
		if err := s.Enqueue(entry("t1", "a", "one edited")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got := s.List()
		if !reflect.DeepEqual(tempIDs(got), []string{"t1", "t2", "t3"}) {
			t.Fatalf("unexpected order %v", tempIDs(got))
		}
		if got[0].Content != "one edited" {
			t.Fatalf("expected overwritten content, got %q", got[0].Content)
		}
	})

	t.Run("dequeue", func(t *testing.T) {
		if err := s.Dequeue("t2"); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got := tempIDs(s.List()); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
			t.Fatalf("unexpected entries %v", got)
		}
	})

	t.Run("dequeue missing is a no-op", func(t *testing.T) {
		if err := s.Dequeue("t2"); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if err := s.Dequeue("never"); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got := len(s.List()); got != 2 {
			t.Fatalf("expected 2 entries, got %d", got)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseQueueStore(t, s)

	t.Run("watermark", func(t *testing.T) {
		if !s.Watermark().IsZero() {
			t.Fatal("expected zero watermark")
		}
		_ = s.SetWatermark(testEpoch)
		if !s.Watermark().Equal(testEpoch) {
			t.Fatalf("unexpected watermark %v", s.Watermark())
		}
	})
}

func TestPebbleStore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	exerciseQueueStore(t, s)

	t.Run("watermark", func(t *testing.T) {
		wm := testEpoch.Add(1500 * time.Millisecond)
		if err := s.SetWatermark(wm); err != nil {
			t.Fatalf("SetWatermark: %v", err)
		}
		if got := s.Watermark(); !got.Equal(wm) {
			t.Fatalf("expected %v, got %v", wm, got)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		reopened, err := OpenPebbleStore(dir, nil)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close()

		got := reopened.List()
		if !reflect.DeepEqual(tempIDs(got), []string{"t1", "t3"}) {
			t.Fatalf("unexpected entries after reopen %v", tempIDs(got))
		}
		if !got[0].CreatedAt.Equal(testEpoch) {
			t.Fatalf("createdAt not preserved: %v", got[0].CreatedAt)
		}
		if reopened.Watermark().IsZero() {
			t.Fatal("watermark lost on reopen")
		}
	})
}

func TestPebbleStoreCorruption(t *testing.T) {
	s, err := OpenPebbleStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer s.Close()

	if err := s.set(QueueKey, []byte(`{"not":"a list"`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	t.Run("corrupt queue reads as empty", func(t *testing.T) {
		if got := s.List(); len(got) != 0 {
			t.Fatalf("expected empty, got %v", got)
		}
		if got := s.ListFor("a"); len(got) != 0 {
			t.Fatalf("expected empty, got %v", got)
		}
		if err := s.Dequeue("t1"); err != nil {
			t.Fatalf("Dequeue on corrupt store: %v", err)
		}
	})

	t.Run("enqueue rewrites a valid list", func(t *testing.T) {
		if err := s.Enqueue(entry("t9", "a", "fresh")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if got := tempIDs(s.List()); !reflect.DeepEqual(got, []string{"t9"}) {
			t.Fatalf("unexpected entries %v", got)
		}
	})

	t.Run("corrupt watermark reads as zero", func(t *testing.T) {
		if err := s.set(WatermarkKey, []byte("last tuesday")); err != nil {
			t.Fatalf("set: %v", err)
		}
		if !s.Watermark().IsZero() {
			t.Fatal("expected zero watermark")
		}
	})
}
