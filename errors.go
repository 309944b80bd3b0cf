package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrOffline            = errors.New("network unreachable")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotConfirmed       = errors.New("message not confirmed by server")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrConversationClosed = errors.New("conversation closed")
	ErrNotConnected       = errors.New("not connected")
	ErrInvalidSession     = errors.New("invalid session token")
)

// RPCError is returned when the backend answers an RPC with a non-2xx status.
type RPCError struct {
	RPC        string `json:"-"`
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %d %s (code %d)", e.RPC, e.StatusCode, e.Message, e.Code)
}

// Temporary reports whether a retry may succeed without changing the request.
func (e *RPCError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// rejected reports whether err is an answer from the server that retrying the
// same request will not change.
func rejected(err error) bool {
	var rerr *RPCError
	return errors.As(err, &rerr) && !rerr.Temporary()
}
