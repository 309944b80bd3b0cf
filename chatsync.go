// Package chatsync is the chat synchronization core for game-platform clients
// built on a Nakama-style backend.
//
// It keeps a conversation's message list consistent while sends are
// optimistic, the network drops out and the same real-time event can arrive
// over both the per-user notification channel and the conversation stream.
//
// Example:
//
//	client := chatsync.NewClient(session.Token, chatsync.WithBaseURL("https://game.example.com"))
//	store, _ := chatsync.OpenPebbleStore(dir, log)
//	engine := chatsync.NewEngine(client, store, session, chatsync.WithLogger(log))
//
//	conv, _ := engine.Open(ctx, "channel-1")
//	defer conv.Close()
//	msg, _ := conv.Send(ctx, chatsync.SendRequest{Content: "gg"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:7350"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the backend's RPC endpoints over HTTP. It implements Backend
// and MediaUploader.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

type rpcEnvelope struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// rpc invokes a server RPC. The backend expects the JSON payload wrapped in a
// JSON string and answers with the result JSON in a string field.
func (c *Client) rpc(ctx context.Context, id string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", id, err)
	}
	body, err := json.Marshal(string(payload))
	if err != nil {
		return fmt.Errorf("failed to wrap %s payload: %w", id, err)
	}

	u := c.baseURL + "/v2/rpc/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc %s: read response: %w", id, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rerr := &RPCError{RPC: id, StatusCode: resp.StatusCode}
		if json.Unmarshal(data, rerr) != nil || rerr.Message == "" {
			rerr.Message = strings.TrimSpace(string(data))
		}
		return rerr
	}
	if out == nil {
		return nil
	}

	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("rpc %s: decode envelope: %w", id, err)
	}
	if env.Payload == "" {
		return fmt.Errorf("rpc %s: %w: empty payload", id, ErrMalformedPayload)
	}
	if err := json.Unmarshal([]byte(env.Payload), out); err != nil {
		return fmt.Errorf("rpc %s: decode payload: %w", id, err)
	}
	return nil
}
