package chatsync

import (
	"reflect"
	"testing"
)

func TestBusChannelScope(t *testing.T) {
	bus := NewBus(nil)
	var all, scoped []string
	bus.Subscribe(EventNewMessage, "", func(ev Event) { all = append(all, ev.ChannelID) })
	bus.Subscribe(EventNewMessage, "a", func(ev Event) { scoped = append(scoped, ev.ChannelID) })

	bus.Publish(Event{Kind: EventNewMessage, ChannelID: "a"})
	bus.Publish(Event{Kind: EventNewMessage, ChannelID: "b"})
	bus.Publish(Event{Kind: EventTyping, ChannelID: "a"})

	if !reflect.DeepEqual(all, []string{"a", "b"}) {
		t.Errorf("unscoped subscriber got %v", all)
	}
	if !reflect.DeepEqual(scoped, []string{"a"}) {
		t.Errorf("scoped subscriber got %v", scoped)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var got []int
	unsub1 := bus.Subscribe(EventTyping, "", func(Event) { got = append(got, 1) })
	bus.Subscribe(EventTyping, "", func(Event) { got = append(got, 2) })

	unsub1()
	unsub1()
	bus.Publish(Event{Kind: EventTyping})

	if !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("expected only the second handler, got %v", got)
	}
}

func TestBusRecoversFromPanic(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.Subscribe(EventPresence, "", func(Event) { panic("boom") })
	bus.Subscribe(EventPresence, "", func(Event) { reached = true })

	bus.Publish(Event{Kind: EventPresence})
	if !reached {
		t.Fatal("handler after a panicking one was not called")
	}
}

func TestHandleTypedPayload(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.Subscribe(EventTyping, "", Handle(func(_ Event, p TypingPayload) {
		got = append(got, p.UserID)
	}))

	bus.Publish(Event{Kind: EventTyping, Payload: TypingPayload{UserID: "u1", IsTyping: true}})
	bus.Publish(Event{Kind: EventTyping, Payload: PresencePayload{UserID: "u2"}})

	if !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("expected only the typed payload, got %v", got)
	}
}
