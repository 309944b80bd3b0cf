package chatsync

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func TestConversationRealtime(t *testing.T) {
	te := newTestEngine(true)
	conv := te.open(t, testChannel)
	n := te.Normalizer()

	own, _ := conv.Send(context.Background(), SendRequest{Content: "mine"})

	t.Run("new message from both transports appears once", func(t *testing.T) {
		n.HandleNotification(chatNotification(t, "m-other", testOther))
		n.HandleStream(streamNewMessage(t, "m-other", testOther))
		if got := conv.View().Len(); got != 2 {
			t.Fatalf("expected 2 messages, got %v", ids(conv.Messages()))
		}
	})

	t.Run("delivery then read receipt", func(t *testing.T) {
		n.HandleStream(streamPayload(t, StreamMessagesDelivered, map[string]any{"messageIds": []string{own.ID}, "userId": testOther}))
		m, _ := conv.View().Get(own.ID)
		if m.Status != StatusDelivered {
			t.Fatalf("expected delivered, got %s", m.Status)
		}
		n.HandleNotification(Notification{Code: CodeReadReceipt, Content: mustJSON(t, map[string]any{
			"channel_id": testChannel, "message_ids": []string{own.ID}, "user_id": testOther,
		})})
		m, _ = conv.View().Get(own.ID)
		if m.Status != StatusSeen {
			t.Fatalf("expected seen, got %s", m.Status)
		}
	})

	t.Run("late delivery receipt does not regress", func(t *testing.T) {
		n.HandleNotification(Notification{Code: CodeDeliveryReceipt, Content: mustJSON(t, map[string]any{
			"channel_id": testChannel, "message_ids": []string{own.ID}, "user_id": "user-third",
		})})
		m, _ := conv.View().Get(own.ID)
		if m.Status != StatusSeen {
			t.Fatalf("status regressed to %s", m.Status)
		}
	})

	t.Run("receipts ignore other users' messages", func(t *testing.T) {
		n.HandleStream(streamPayload(t, StreamMessagesRead, map[string]any{"messageIds": []string{"m-other"}, "userId": "user-third"}))
		m, _ := conv.View().Get("m-other")
		if m.Status != StatusSent {
			t.Fatalf("other user's message moved to %s", m.Status)
		}
	})

	t.Run("edit reaction delete", func(t *testing.T) {
		n.HandleStream(streamPayload(t, StreamMessageEdited, map[string]any{"messageId": "m-other", "content": "edited", "editorId": testOther}))
		n.HandleStream(streamPayload(t, StreamReactionUpdated, map[string]any{"messageId": "m-other", "emoji": "🎮", "userId": testOther, "added": true}))
		m, _ := conv.View().Get("m-other")
		if m.Content != "edited" || len(m.Reactions["🎮"]) != 1 {
			t.Fatalf("unexpected message %+v", m)
		}
		n.HandleNotification(Notification{Code: CodeMessageDeleted, Content: mustJSON(t, map[string]any{"message_id": "m-other", "channel_id": testChannel})})
		m, _ = conv.View().Get("m-other")
		if !m.IsDeleted {
			t.Fatal("expected tombstone")
		}
	})

	t.Run("other channels are not applied", func(t *testing.T) {
		n.HandleNotification(Notification{Code: CodeChatMessage, Content: mustJSON(t, map[string]any{
			"message_id": "elsewhere", "channel_id": "channel-2", "sender_id": testOther, "content": "x",
		})})
		if conv.View().Has("elsewhere") {
			t.Fatal("message from another channel applied")
		}
	})
}

func TestConversationClose(t *testing.T) {
	te := newTestEngine(true)
	conv := te.open(t, testChannel)

	if !reflect.DeepEqual(te.streams.joined, []string{testChannel}) {
		t.Fatalf("expected stream joined, got %v", te.streams.joined)
	}
	if err := conv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reflect.DeepEqual(te.streams.left, []string{testChannel}) {
		t.Fatalf("expected stream left, got %v", te.streams.left)
	}
	if err := conv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	te.Normalizer().HandleNotification(chatNotification(t, "after-close", testOther))
	if te.View(testChannel).Has("after-close") {
		t.Fatal("closed conversation still applies events")
	}
	if _, err := conv.Send(context.Background(), SendRequest{Content: "x"}); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
}

func TestInFlightSendSurvivesClose(t *testing.T) {
	te := newTestEngine(true)
	conv := te.open(t, testChannel)

	release := make(chan struct{})
	te.backend.sendFn = func(ctx context.Context, req SendRequest) (Message, error) {
		<-release
		return Message{ID: "msg-late", ChannelID: req.ChannelID, Content: req.Content, CreatedAt: testEpoch}, nil
	}

	done := make(chan Message)
	go func() {
		m, _ := conv.Send(context.Background(), SendRequest{Content: "slow"})
		done <- m
	}()

	for te.View(testChannel).Len() == 0 {
		runtime.Gosched()
	}
	conv.Close()
	close(release)
	m := <-done
	if m.Status != StatusSent {
		t.Fatalf("expected sent, got %s", m.Status)
	}

	reopened := te.open(t, testChannel)
	if got := ids(reopened.Messages()); !reflect.DeepEqual(got, []string{"msg-late"}) {
		t.Fatalf("expected the confirmed send after reopening, got %v", got)
	}
}

func TestOpenMergesHistory(t *testing.T) {
	te := newTestEngine(true)
	te.backend.history = []Message{
		{ID: "h1", ChannelID: testChannel, SenderID: testOther, Content: "old", Status: StatusSent, CreatedAt: testEpoch},
		{ID: "h2", ChannelID: testChannel, SenderID: testSelf, Content: "older reply", Status: StatusSeen, CreatedAt: testEpoch.Add(1)},
	}
	conv := te.open(t, testChannel)
	if got := ids(conv.Messages()); !reflect.DeepEqual(got, []string{"h1", "h2"}) {
		t.Fatalf("unexpected history %v", got)
	}

	t.Run("disabled", func(t *testing.T) {
		te := newTestEngine(true, WithHistoryLimit(0))
		te.backend.history = []Message{{ID: "h1", ChannelID: testChannel}}
		conv := te.open(t, testChannel)
		if conv.View().Len() != 0 || len(te.backend.callsWithPrefix("get_messages")) != 0 {
			t.Fatal("history fetched although disabled")
		}
	})
}

func TestConversationOperations(t *testing.T) {
	te := newTestEngine(true)
	conv := te.open(t, testChannel)
	ctx := context.Background()
	own, _ := conv.Send(ctx, SendRequest{Content: "mine"})
	te.Normalizer().HandleNotification(chatNotification(t, "m-other", testOther))

	t.Run("mark seen", func(t *testing.T) {
		got, err := conv.MarkSeen(ctx)
		if err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
		if !reflect.DeepEqual(got, []string{"m-other"}) {
			t.Fatalf("unexpected acknowledged ids %v", got)
		}
		calls := te.backend.callsWithPrefix("mark_")
		if len(calls) != 2 || !strings.HasPrefix(calls[0], "mark_delivered") || !strings.HasPrefix(calls[1], "mark_messages_read") {
			t.Fatalf("expected delivered then read, got %v", calls)
		}
		if again, _ := conv.MarkSeen(ctx); len(again) != 0 {
			t.Fatalf("expected nothing left unread, got %v", again)
		}
	})

	t.Run("edit", func(t *testing.T) {
		m, err := conv.Edit(ctx, own.ID, "mine, edited")
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if m.Content != "mine, edited" || !m.IsEdited {
			t.Fatalf("unexpected message %+v", m)
		}
	})

	t.Run("react and unreact", func(t *testing.T) {
		m, err := conv.React(ctx, "m-other", "👍")
		if err != nil {
			t.Fatalf("React: %v", err)
		}
		if !reflect.DeepEqual(m.Reactions["👍"], []string{testSelf}) {
			t.Fatalf("unexpected reactions %v", m.Reactions)
		}
		m, _ = conv.Unreact(ctx, "m-other", "👍")
		if len(m.Reactions) != 0 {
			t.Fatalf("expected no reactions, got %v", m.Reactions)
		}
	})

	t.Run("pin", func(t *testing.T) {
		m, err := conv.Pin(ctx, own.ID, true)
		if err != nil || !m.IsPinned {
			t.Fatalf("Pin: %+v %v", m, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := conv.Delete(ctx, own.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		m, _ := conv.View().Get(own.ID)
		if !m.IsDeleted {
			t.Fatal("expected tombstone")
		}
	})

	t.Run("unconfirmed and unknown messages", func(t *testing.T) {
		if _, err := conv.Edit(ctx, "temp-1-abcd", "x"); !errors.Is(err, ErrNotConfirmed) {
			t.Fatalf("expected ErrNotConfirmed, got %v", err)
		}
		if _, err := conv.React(ctx, "missing", "x"); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
	})
}

func TestOpenRequiresChannel(t *testing.T) {
	te := newTestEngine(true)
	if _, err := te.Open(context.Background(), ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
