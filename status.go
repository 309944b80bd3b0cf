package chatsync

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

// Rank orders the progressing states. Failed sits outside the order and
// unknown values rank below everything.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	case StatusFailed:
		return -1
	}
	return -2
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() > -2
}

// Advance returns the states to record, in order, when a message at cur is
// asked to move to next. A nil result means the request is stale or not a
// legal edge and must be ignored.
//
// sent -> seen expands to [delivered, seen] so delivery is always recorded
// before seen.
func Advance(cur, next Status) []Status {
	if !next.Valid() || next == cur {
		return nil
	}
	switch next {
	case StatusFailed:
		if cur == StatusPending {
			return []Status{StatusFailed}
		}
		return nil
	case StatusPending:
		if cur == StatusFailed {
			return []Status{StatusPending}
		}
		return nil
	}
	switch cur {
	case StatusFailed:
		return nil
	case StatusPending:
		if next == StatusSent {
			return []Status{StatusSent}
		}
		return nil
	}
	if next.Rank() < cur.Rank() {
		return nil
	}
	if cur == StatusSent && next == StatusSeen {
		return []Status{StatusDelivered, StatusSeen}
	}
	return []Status{next}
}

// maxStatus returns whichever of a and b is further along. Used when merging
// a confirmed send into a record that already progressed remotely.
func maxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
