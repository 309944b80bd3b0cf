package chatsync

import (
	"sync"
	"time"
)

// View is the ordered message list of one conversation. Messages are kept in
// createdAt order; a placeholder replaced by its server record keeps its slot
// even when the server timestamp differs, so nothing else moves.
type View struct {
	mu        sync.Mutex
	channelID string
	msgs      []*Message
}

func newView(channelID string) *View {
	return &View{channelID: channelID}
}

// ChannelID returns the conversation this view belongs to.
func (v *View) ChannelID() string { return v.channelID }

// Messages returns a copy of the ordered message list.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Message, len(v.msgs))
	for i, m := range v.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of the message with the given ID.
func (v *View) Get(id string) (Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.indexOf(id); i >= 0 {
		return v.msgs[i].Clone(), true
	}
	return Message{}, false
}

// Has reports whether a message with the given ID is present.
func (v *View) Has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.indexOf(id) >= 0
}

// Len returns the number of messages.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.msgs)
}

func (v *View) indexOf(id string) int {
	for i := len(v.msgs) - 1; i >= 0; i-- {
		if v.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked places m after every message created at or before it.
func (v *View) insertLocked(m Message) {
	pos := len(v.msgs)
	if !m.CreatedAt.IsZero() {
		for pos > 0 && v.msgs[pos-1].CreatedAt.After(m.CreatedAt) {
			pos--
		}
	}
	v.msgs = append(v.msgs, nil)
	copy(v.msgs[pos+1:], v.msgs[pos:])
	v.msgs[pos] = &m
}

// Insert adds m unless a message with the same ID exists. It reports whether
// m was added.
func (v *View) Insert(m Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.indexOf(m.ID) >= 0 {
		return false
	}
	v.insertLocked(m.Clone())
	return true
}

// Remove deletes the record with the given ID.
func (v *View) Remove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 {
		return false
	}
	v.msgs = append(v.msgs[:i], v.msgs[i+1:]...)
	return true
}

// Reconcile swaps the placeholder tempID for the confirmed server record.
//
// If the server ID is already present (it arrived over a real-time transport
// first) the server fields are merged into that record and the placeholder is
// removed. Otherwise the placeholder is replaced in place. Either way exactly
// one record for the send remains. The resulting record is returned.
func (v *View) Reconcile(tempID string, server Message) Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	ti := v.indexOf(tempID)
	if pi := v.indexOf(server.ID); pi >= 0 {
		existing := v.msgs[pi]
		mergeServerFields(existing, server)
		existing.Status = maxStatus(existing.Status, StatusSent)
		if ti >= 0 {
			v.msgs = append(v.msgs[:ti], v.msgs[ti+1:]...)
		}
		return existing.Clone()
	}

	rec := server.Clone()
	rec.Status = maxStatus(StatusSent, server.Status)
	if ti < 0 {
		v.insertLocked(rec)
		return rec.Clone()
	}
	placeholder := v.msgs[ti]
	if rec.ReplyToID == "" {
		rec.ReplyToID = placeholder.ReplyToID
	}
	if rec.ReplyToSenderName == "" {
		rec.ReplyToSenderName = placeholder.ReplyToSenderName
	}
	if rec.ReplyToContent == "" {
		rec.ReplyToContent = placeholder.ReplyToContent
	}
	if rec.SenderName == "" {
		rec.SenderName = placeholder.SenderName
	}
	v.msgs[ti] = &rec
	return rec.Clone()
}

// Merge folds server records (history pages) into the view. Unknown records
// are inserted; known ones take the server's fields without status regression.
func (v *View) Merge(records []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range records {
		if i := v.indexOf(r.ID); i >= 0 {
			existing := v.msgs[i]
			status := existing.Status
			mergeServerFields(existing, r)
			existing.Status = maxStatus(status, r.Status)
			continue
		}
		v.insertLocked(r.Clone())
	}
}

func mergeServerFields(dst *Message, src Message) {
	if src.ChannelID != "" {
		dst.ChannelID = src.ChannelID
	}
	if src.SenderID != "" {
		dst.SenderID = src.SenderID
	}
	if src.SenderName != "" {
		dst.SenderName = src.SenderName
	}
	if !dst.IsDeleted {
		dst.Content = src.Content
		dst.MediaURL = src.MediaURL
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
	dst.IsEdited = dst.IsEdited || src.IsEdited
	dst.IsDeleted = dst.IsDeleted || src.IsDeleted
	dst.IsPinned = src.IsPinned
	dst.IsRead = dst.IsRead || src.IsRead
	if src.ReplyToID != "" {
		dst.ReplyToID = src.ReplyToID
	}
	if src.ReplyToSenderName != "" {
		dst.ReplyToSenderName = src.ReplyToSenderName
	}
	if src.ReplyToContent != "" {
		dst.ReplyToContent = src.ReplyToContent
	}
	if src.Reactions != nil {
		dst.SetReactions(src.Reactions)
	}
}

// ApplyStatus moves message id toward status under the monotonic rules of
// Advance and returns the states recorded. Deleted messages are left alone.
func (v *View) ApplyStatus(id string, status Status) []Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 || v.msgs[i].IsDeleted {
		return nil
	}
	steps := Advance(v.msgs[i].Status, status)
	if len(steps) > 0 {
		v.msgs[i].Status = steps[len(steps)-1]
	}
	return steps
}

// ApplyEdit replaces the content of a live message.
func (v *View) ApplyEdit(id, content string, at time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 || v.msgs[i].IsDeleted {
		return false
	}
	m := v.msgs[i]
	if m.Content == content && m.IsEdited {
		return false
	}
	m.Content = content
	m.IsEdited = true
	if at.After(m.UpdatedAt) {
		m.UpdatedAt = at
	}
	return true
}

// ApplyDelete tombstones a message. The record stays so late events for it
// resolve to no-ops.
func (v *View) ApplyDelete(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 || v.msgs[i].IsDeleted {
		return false
	}
	m := v.msgs[i]
	m.IsDeleted = true
	m.Content = ""
	m.MediaURL = ""
	m.Reactions = nil
	return true
}

// ApplyReaction adds or removes one user's reaction.
func (v *View) ApplyReaction(p ReactionPayload) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(p.MessageID)
	if i < 0 || v.msgs[i].IsDeleted {
		return false
	}
	if p.Added {
		return v.msgs[i].AddReaction(p.Emoji, p.UserID)
	}
	return v.msgs[i].RemoveReaction(p.Emoji, p.UserID)
}

// SetPinned sets the pinned flag.
func (v *View) SetPinned(id string, pinned bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 || v.msgs[i].IsPinned == pinned {
		return false
	}
	v.msgs[i].IsPinned = pinned
	return true
}

// MarkRead sets the read flag on the given messages.
func (v *View) MarkRead(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		if i := v.indexOf(id); i >= 0 {
			v.msgs[i].IsRead = true
		}
	}
}

// unread returns the IDs of confirmed messages from other users that are not
// marked read.
func (v *View) unread(selfID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var ids []string
	for _, m := range v.msgs {
		if m.SenderID != selfID && !m.IsRead && !m.IsDeleted && !IsTempID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
