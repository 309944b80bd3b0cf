package chatsync

import (
	"context"
	"time"
)

// Backend is the server RPC surface the engine depends on.
type Backend interface {
	SendMessage(ctx context.Context, req SendRequest) (Message, error)
	MarkDelivered(ctx context.Context, channelID string, messageIDs []string) error
	MarkMessagesRead(ctx context.Context, channelID string, messageIDs []string) error
	SyncAllMessageStatus(ctx context.Context, since time.Time) ([]StatusUpdate, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error)
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error)
	PinMessage(ctx context.Context, channelID, messageID string, pinned bool) (Message, error)
	GetMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// RPC identifiers registered on the server.
const (
	RPCSendMessage       = "send_message"
	RPCMarkDelivered     = "mark_delivered"
	RPCMarkMessagesRead  = "mark_messages_read"
	RPCSyncMessageStatus = "sync_all_message_status"
	RPCEditMessage       = "edit_message"
	RPCDeleteMessage     = "delete_message"
	RPCAddReaction       = "add_reaction"
	RPCRemoveReaction    = "remove_reaction"
	RPCPinMessage        = "pin_message"
	RPCGetMessages       = "get_messages"
	RPCCreateMediaUpload = "create_media_upload"
)

var _ Backend = (*Client)(nil)

type sendMessageRequest struct {
	ChannelID   string      `json:"channel_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	MediaURL    string      `json:"media_url,omitempty"`
	ReplyToID   string      `json:"reply_to_id,omitempty"`
}

type messageIDsRequest struct {
	ChannelID  string   `json:"channel_id"`
	MessageIDs []string `json:"message_ids"`
}

type messageRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

type pinRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Pinned    bool   `json:"pinned"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (a *ackResponse) err(rpc string) error {
	if a.Success {
		return nil
	}
	msg := a.Error
	if msg == "" {
		msg = "request rejected"
	}
	return &RPCError{RPC: rpc, StatusCode: 200, Message: msg}
}

func (c *Client) messageRPC(ctx context.Context, id string, in any) (Message, error) {
	var w wireMessage
	if err := c.rpc(ctx, id, in, &w); err != nil {
		return Message{}, err
	}
	if w.MessageID == "" {
		return Message{}, &RPCError{RPC: id, StatusCode: 200, Message: "response without message id"}
	}
	return w.message(), nil
}

func (c *Client) ackRPC(ctx context.Context, id string, in any) error {
	var ack ackResponse
	if err := c.rpc(ctx, id, in, &ack); err != nil {
		return err
	}
	return ack.err(id)
}

// SendMessage sends a message and returns the server's record.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	return c.messageRPC(ctx, RPCSendMessage, sendMessageRequest{
		ChannelID:   req.ChannelID,
		Content:     req.Content,
		MessageType: req.Type,
		MediaURL:    req.MediaURL,
		ReplyToID:   req.ReplyToID,
	})
}

func (c *Client) MarkDelivered(ctx context.Context, channelID string, messageIDs []string) error {
	return c.ackRPC(ctx, RPCMarkDelivered, messageIDsRequest{ChannelID: channelID, MessageIDs: messageIDs})
}

func (c *Client) MarkMessagesRead(ctx context.Context, channelID string, messageIDs []string) error {
	return c.ackRPC(ctx, RPCMarkMessagesRead, messageIDsRequest{ChannelID: channelID, MessageIDs: messageIDs})
}

// SyncAllMessageStatus returns the status of the session user's messages
// changed since the given time. A zero time asks for everything.
func (c *Client) SyncAllMessageStatus(ctx context.Context, since time.Time) ([]StatusUpdate, error) {
	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = since.UnixMilli()
	}
	var out struct {
		Statuses []StatusUpdate `json:"statuses"`
	}
	if err := c.rpc(ctx, RPCSyncMessageStatus, map[string]int64{"since": sinceMillis}, &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error) {
	return c.messageRPC(ctx, RPCEditMessage, messageRequest{ChannelID: channelID, MessageID: messageID, Content: content})
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.ackRPC(ctx, RPCDeleteMessage, messageRequest{ChannelID: channelID, MessageID: messageID})
}

func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error) {
	return c.messageRPC(ctx, RPCAddReaction, messageRequest{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}

func (c *Client) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) (Message, error) {
	return c.messageRPC(ctx, RPCRemoveReaction, messageRequest{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}

func (c *Client) PinMessage(ctx context.Context, channelID, messageID string, pinned bool) (Message, error) {
	return c.messageRPC(ctx, RPCPinMessage, pinRequest{ChannelID: channelID, MessageID: messageID, Pinned: pinned})
}

// GetMessages returns the latest page of a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	in := map[string]any{"channel_id": channelID, "limit": limit}
	if err := c.rpc(ctx, RPCGetMessages, in, &out); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(out.Messages))
	for i := range out.Messages {
		if out.Messages[i].MessageID == "" {
			continue
		}
		msgs = append(msgs, out.Messages[i].message())
	}
	return msgs, nil
}
