package chatsync

import (
	"reflect"
	"testing"
)

func TestNetworkMonitor(t *testing.T) {
	n := NewNetworkMonitor(false)
	var changes []bool
	unsub := n.OnChange(func(online bool) { changes = append(changes, online) })

	n.SetOnline(false)
	n.SetOnline(true)
	n.SetOnline(true)
	n.SetOnline(false)

	if !reflect.DeepEqual(changes, []bool{true, false}) {
		t.Fatalf("expected one call per transition, got %v", changes)
	}
	if n.Online() {
		t.Fatal("expected offline")
	}

	unsub()
	n.SetOnline(true)
	if len(changes) != 2 {
		t.Fatalf("listener called after unsubscribe: %v", changes)
	}
}

func TestNetworkMonitorOrder(t *testing.T) {
	n := NewNetworkMonitor(true)
	var order []string
	n.OnChange(func(bool) { order = append(order, "first") })
	n.OnChange(func(bool) { order = append(order, "second") })

	n.SetOnline(false)
	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Fatalf("unexpected listener order %v", order)
	}
}
