package chatsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetrySummary counts the outcome of one queue replay pass. Rejected counts
// sends the server refused permanently; they stay queued like Failed ones
// until the user retries or drops them.
type RetrySummary struct {
	Sent     int
	Failed   int
	Rejected int
	Skipped  int
}

func (e *Engine) acquire(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[tempID]; busy {
		return false
	}
	e.inflight[tempID] = struct{}{}
	return true
}

func (e *Engine) release(tempID string) {
	e.mu.Lock()
	delete(e.inflight, tempID)
	e.mu.Unlock()
}

// restorePlaceholder makes a queued entry visible as a failed message.
func (e *Engine) restorePlaceholder(v *View, entry QueueEntry) {
	if v.Has(entry.TempID) {
		return
	}
	m := Message{
		ID:         entry.TempID,
		ChannelID:  entry.ChannelID,
		SenderID:   e.session.UserID,
		SenderName: e.session.Username,
		Content:    entry.Content,
		Type:       entry.Type,
		MediaURL:   entry.MediaURL,
		Status:     StatusFailed,
		CreatedAt:  entry.CreatedAt,
		UpdatedAt:  entry.CreatedAt,
		ReplyToID:  entry.ReplyToID,
	}
	fillReplyPreview(v, &m)
	v.Insert(m)
}

// claim takes the in-flight guard for tempID and re-reads its entry. It
// fails when the send is in flight elsewhere or was confirmed or dropped since
// the caller looked at the queue.
func (e *Engine) claim(tempID string) (QueueEntry, bool) {
	if !e.acquire(tempID) {
		return QueueEntry{}, false
	}
	entry, ok := e.entry(tempID)
	if !ok {
		e.release(tempID)
		return QueueEntry{}, false
	}
	return entry, true
}

// restoreQueued restores the placeholders of entries that are still queued and
// not in flight.
func (e *Engine) restoreQueued(v *View, entries []QueueEntry) {
	for _, queued := range entries {
		if entry, ok := e.claim(queued.TempID); ok {
			e.restorePlaceholder(v, entry)
			e.release(entry.TempID)
		}
	}
}

// RetryAll replays the channel's queued sends one at a time, in queue order.
// A failed entry stays queued and the pass moves on. The pass stops when the
// network goes offline; ctx cancellation is returned as an error.
func (e *Engine) RetryAll(ctx context.Context, channelID string) (RetrySummary, error) {
	var sum RetrySummary
	entries := e.queue.ListFor(channelID)
	if len(entries) == 0 {
		return sum, nil
	}
	e.restoreQueued(e.View(channelID), entries)
	e.log.Info("retry_pass_started", zap.String("channel_id", channelID), zap.Int("entries", len(entries)))

	for _, queued := range entries {
		if !e.net.Online() {
			e.log.Info("retry_pass_interrupted", zap.String("channel_id", channelID))
			break
		}
		entry, ok := e.claim(queued.TempID)
		if !ok {
			sum.Skipped++
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			e.release(entry.TempID)
			return sum, err
		}
		_, err := e.replay(ctx, entry)
		e.release(entry.TempID)
		switch {
		case err == nil:
			sum.Sent++
		case rejected(err):
			sum.Rejected++
		default:
			sum.Failed++
		}
	}

	e.log.Info("retry_pass_finished", zap.String("channel_id", channelID),
		zap.Int("sent", sum.Sent), zap.Int("failed", sum.Failed),
		zap.Int("rejected", sum.Rejected), zap.Int("skipped", sum.Skipped))
	return sum, nil
}

// RetryOne replays a single queued send. A send already in flight is not
// repeated; its current state is returned. A failed replay returns the failed
// message and no error.
func (e *Engine) RetryOne(ctx context.Context, tempID string) (Message, error) {
	queued, ok := e.entry(tempID)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, tempID)
	}
	v := e.View(queued.ChannelID)
	entry, ok := e.claim(tempID)
	if !ok {
		if _, still := e.entry(tempID); !still {
			return Message{}, fmt.Errorf("%w: %s already confirmed", ErrMessageNotFound, tempID)
		}
		m, _ := v.Get(tempID)
		return m, nil
	}
	defer e.release(tempID)
	e.restorePlaceholder(v, entry)
	if !e.net.Online() {
		m, _ := v.Get(tempID)
		return m, ErrOffline
	}
	m, _ := e.replay(ctx, entry)
	return m, nil
}

// replay sends one queue entry. The entry is dequeued only once the server has
// confirmed it.
func (e *Engine) replay(ctx context.Context, entry QueueEntry) (Message, error) {
	v := e.View(entry.ChannelID)
	e.restorePlaceholder(v, entry)
	e.recordSteps(entry.TempID, v.ApplyStatus(entry.TempID, StatusPending))

	log := e.log.With(zap.String("channel_id", entry.ChannelID), zap.String("temp_id", entry.TempID))
	server, err := e.deliver(ctx, SendRequest{
		ChannelID: entry.ChannelID,
		Content:   entry.Content,
		Type:      entry.Type,
		MediaURL:  entry.MediaURL,
		ReplyToID: entry.ReplyToID,
	})
	if err != nil {
		e.recordSteps(entry.TempID, v.ApplyStatus(entry.TempID, StatusFailed))
		if rejected(err) {
			e.metrics.retryResult("rejected")
			log.Warn("retry_rejected", zap.Error(err))
		} else {
			e.metrics.retryResult("failed")
			log.Warn("retry_failed", zap.Error(err))
		}
		m, _ := v.Get(entry.TempID)
		return m, err
	}

	rec := v.Reconcile(entry.TempID, server)
	if err := e.queue.Dequeue(entry.TempID); err != nil {
		log.Error("queue_dequeue_failed", zap.Error(err))
	}
	e.metrics.setQueueDepth(len(e.queue.List()))
	e.metrics.retryResult("sent")
	e.metrics.statusRecorded(StatusSent)
	log.Info("retry_confirmed", zap.String("message_id", rec.ID))
	return rec, nil
}

func (e *Engine) entry(tempID string) (QueueEntry, bool) {
	for _, entry := range e.queue.List() {
		if entry.TempID == tempID {
			return entry, true
		}
	}
	return QueueEntry{}, false
}

// Drop abandons a queued send: the entry is dequeued and its placeholder
// removed. A send currently in flight cannot be dropped.
func (e *Engine) Drop(tempID string) error {
	if _, ok := e.entry(tempID); !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, tempID)
	}
	entry, ok := e.claim(tempID)
	if !ok {
		if _, still := e.entry(tempID); !still {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, tempID)
		}
		return fmt.Errorf("%s is being sent", tempID)
	}
	defer e.release(tempID)
	if err := e.queue.Dequeue(tempID); err != nil {
		return err
	}
	if v, ok := e.findView(entry.ChannelID); ok {
		v.Remove(tempID)
	}
	e.metrics.setQueueDepth(len(e.queue.List()))
	e.log.Info("queued_send_dropped", zap.String("channel_id", entry.ChannelID), zap.String("temp_id", tempID))
	return nil
}

// ResyncStatus fetches authoritative statuses changed since the stored
// watermark and applies them under the monotonic rules. The watermark moves
// to the time the call started, and only when the call succeeded. It returns
// the number of messages whose status changed.
func (e *Engine) ResyncStatus(ctx context.Context) (int, error) {
	if !e.net.Online() {
		return 0, ErrOffline
	}
	start := e.now()
	var since time.Time
	if e.watermarks != nil {
		since = e.watermarks.Watermark()
	}

	updates, err := e.backend.SyncAllMessageStatus(ctx, since)
	if err != nil {
		e.metrics.resyncResult("failed")
		e.log.Warn("status_resync_failed", zap.Error(err))
		return 0, err
	}

	views := e.allViews()
	applied := 0
	for _, u := range updates {
		if u.MessageID == "" || !u.Status.Valid() {
			continue
		}
		for _, v := range views {
			m, ok := v.Get(u.MessageID)
			if !ok || m.SenderID != e.session.UserID {
				continue
			}
			steps := v.ApplyStatus(u.MessageID, u.Status)
			e.recordSteps(u.MessageID, steps)
			if len(steps) > 0 {
				applied++
			}
			break
		}
	}

	if e.watermarks != nil {
		if err := e.watermarks.SetWatermark(start); err != nil {
			e.log.Error("watermark_write_failed", zap.Error(err))
		}
	}
	e.metrics.resyncResult("ok")
	e.log.Debug("status_resync_done", zap.Int("updates", len(updates)), zap.Int("applied", applied))
	return applied, nil
}
