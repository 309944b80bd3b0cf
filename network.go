package chatsync

import "sync"

// NetworkMonitor tracks whether the device is believed to be online and
// notifies listeners on transitions. The socket transport drives it in
// production; tests and embedders may call SetOnline directly.
type NetworkMonitor struct {
	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners map[uint64]func(online bool)
	order     []uint64
}

// NewNetworkMonitor creates a monitor in the given initial state.
func NewNetworkMonitor(online bool) *NetworkMonitor {
	return &NetworkMonitor{online: online, listeners: make(map[uint64]func(bool))}
}

// Online returns the current network state.
func (n *NetworkMonitor) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline records the network state. Listeners run synchronously, in
// registration order, only when the state actually changes.
func (n *NetworkMonitor) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	var fns []func(bool)
	for _, id := range n.order {
		if fn, ok := n.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// OnChange registers fn for state transitions.
func (n *NetworkMonitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	n.order = append(n.order, id)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
		for i, v := range n.order {
			if v == id {
				n.order = append(n.order[:i:i], n.order[i+1:]...)
				break
			}
		}
	}
}
