package chatsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates second from millisecond epochs. 1e12 ms is
// September 2001, 1e12 s is tens of thousands of years away.
const millisThreshold = 1_000_000_000_000

// FromEpoch converts a server epoch in seconds or milliseconds to UTC time.
func FromEpoch(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v >= millisThreshold {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// Timestamp decodes the timestamp shapes the backend emits: epoch seconds or
// milliseconds as a number or numeric string, or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	t.Time = FromEpoch(int64(f))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses a string timestamp in any of the accepted shapes.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromEpoch(n), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
