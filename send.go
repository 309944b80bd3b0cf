package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Send runs the optimistic send pipeline for req.
//
// A pending placeholder with a temp ID is inserted into the view before any
// I/O. Offline, the placeholder goes straight to failed and is queued. Online,
// the send RPC runs detached from ctx's cancellation and bounded by the send
// timeout; on success the placeholder is reconciled with the server record,
// on failure it is marked failed and queued.
//
// Network and server failures are not returned as errors: the failed message
// is. An error means the request was invalid and nothing was inserted.
func (e *Engine) Send(ctx context.Context, req SendRequest) (Message, error) {
	if err := req.validate(); err != nil {
		return Message{}, err
	}
	v := e.View(req.ChannelID)
	now := e.now()
	ph := Message{
		ID:         NewTempID(now),
		ChannelID:  req.ChannelID,
		SenderID:   e.session.UserID,
		SenderName: e.session.Username,
		Content:    req.Content,
		Type:       req.Type,
		MediaURL:   req.MediaURL,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		ReplyToID:  req.ReplyToID,
	}
	fillReplyPreview(v, &ph)
	v.Insert(ph)
	e.metrics.statusRecorded(StatusPending)

	log := e.log.With(zap.String("channel_id", ph.ChannelID), zap.String("temp_id", ph.ID))

	if !e.net.Online() {
		e.metrics.sendResult("offline")
		log.Info("send_queued_offline")
		return e.failPlaceholder(v, ph, ErrOffline), nil
	}

	server, err := e.deliver(ctx, req)
	if err != nil {
		e.metrics.sendResult("failed")
		log.Warn("send_failed", zap.Error(err))
		return e.failPlaceholder(v, ph, err), nil
	}

	rec := v.Reconcile(ph.ID, server)
	e.metrics.sendResult("sent")
	e.metrics.statusRecorded(StatusSent)
	log.Debug("send_confirmed", zap.String("message_id", rec.ID))
	return rec, nil
}

// SendMedia uploads the attachment and then sends a media message referencing
// it. An upload failure is returned and leaves no placeholder.
func (e *Engine) SendMedia(ctx context.Context, upload MediaUpload, req SendRequest) (Message, error) {
	if e.uploader == nil {
		return Message{}, errors.New("no media uploader configured")
	}
	if !e.net.Online() {
		return Message{}, fmt.Errorf("upload %s: %w", upload.FileName, ErrOffline)
	}
	if req.Type == "" || req.Type == TypeText {
		req.Type = typeForMime(upload.MimeType)
	}
	url, err := e.uploader.UploadMedia(ctx, upload)
	if err != nil {
		e.log.Warn("media_upload_failed", zap.String("file", upload.FileName), zap.Error(err))
		return Message{}, fmt.Errorf("upload %s: %w", upload.FileName, err)
	}
	req.MediaURL = url
	return e.Send(ctx, req)
}

func typeForMime(mime string) MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	}
	return TypeDocument
}

// deliver calls send_message. The call outlives ctx's cancellation so an
// unmounted conversation still gets a definite outcome.
func (e *Engine) deliver(ctx context.Context, req SendRequest) (Message, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout)
	defer cancel()
	m, err := e.backend.SendMessage(sctx, req)
	if err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("%w: send_message returned no id", ErrMalformedPayload)
	}
	if m.ChannelID == "" {
		m.ChannelID = req.ChannelID
	}
	if m.SenderID == "" {
		m.SenderID = e.session.UserID
	}
	return m, nil
}

// failPlaceholder queues the placeholder and marks it failed.
func (e *Engine) failPlaceholder(v *View, ph Message, cause error) Message {
	if err := e.queue.Enqueue(entryFromMessage(ph)); err != nil {
		e.log.Error("queue_enqueue_failed", zap.String("temp_id", ph.ID), zap.Error(err))
	}
	e.metrics.setQueueDepth(len(e.queue.List()))
	e.recordSteps(ph.ID, v.ApplyStatus(ph.ID, StatusFailed))
	if m, ok := v.Get(ph.ID); ok {
		return m
	}
	ph.Status = StatusFailed
	return ph
}

func fillReplyPreview(v *View, m *Message) {
	if m.ReplyToID == "" {
		return
	}
	if r, ok := v.Get(m.ReplyToID); ok {
		if m.ReplyToSenderName == "" {
			m.ReplyToSenderName = r.SenderName
		}
		if m.ReplyToContent == "" {
			m.ReplyToContent = truncateRunes(r.Content, ReplyPreviewLength)
		}
	}
}
