package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Socket RPCs used to follow a conversation stream.
const (
	SocketRPCJoinStream  = "join_chat_stream"
	SocketRPCLeaveStream = "leave_chat_stream"
)

// ============================================================================
// Envelope
// ============================================================================

// socketEnvelope is the wire format of every socket frame. Exactly one of the
// message fields is set; cid correlates requests with their responses.
type socketEnvelope struct {
	CID           string              `json:"cid,omitempty"`
	Notifications *notificationsFrame `json:"notifications,omitempty"`
	StreamData    *streamDataFrame    `json:"stream_data,omitempty"`
	RPC           *socketRPC          `json:"rpc,omitempty"`
	Ping          *struct{}           `json:"ping,omitempty"`
	Pong          *struct{}           `json:"pong,omitempty"`
	Error         *socketError        `json:"error,omitempty"`
}

type notificationsFrame struct {
	Notifications []Notification `json:"notifications"`
}

type streamDataFrame struct {
	Stream struct {
		Mode    int    `json:"mode"`
		Subject string `json:"subject"`
		Label   string `json:"label"`
	} `json:"stream"`
	Sender *struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	} `json:"sender,omitempty"`
	Data     string `json:"data"`
	Reliable bool   `json:"reliable"`
}

type socketRPC struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
}

type socketError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *socketError) Error() string {
	return fmt.Sprintf("socket error %d: %s", e.Code, e.Message)
}

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures a Socket.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Dispatcher
// ============================================================================

// socketDispatcher fans frames out to handlers. Notification and stream
// handlers run synchronously on the read loop so per-transport order holds;
// connection meta-events run on their own goroutines.
type socketDispatcher struct {
	mu             sync.RWMutex
	onNotification []func(Notification)
	onStreamData   []func(StreamData)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func (d *socketDispatcher) dispatch(env *socketEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if env.Notifications != nil {
		for _, n := range env.Notifications.Notifications {
			for _, h := range d.onNotification {
				h(n)
			}
		}
	}
	if env.StreamData != nil {
		sd := StreamData{Payload: []byte(env.StreamData.Data)}
		if env.StreamData.Sender != nil {
			sd.SenderID = env.StreamData.Sender.UserID
		}
		for _, h := range d.onStreamData {
			h(sd)
		}
	}
}

func (d *socketDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *socketDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *socketDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableConnection is how long a connection must stay up before a later drop
// starts the backoff sequence over.
const stableConnection = 60 * time.Second

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		now:         time.Now,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = r.now()
	r.mu.Unlock()
}

// markDropped records the end of a connection. A connection that stayed up
// for stableConnection starts the backoff sequence over.
func (r *reconnector) markDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) >= stableConnection {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

// nextDelay is exponential backoff with jitter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket is the real-time connection: per-user notifications and the stream
// payloads of joined conversations. It reconnects with backoff, keeps the
// connection alive with pings and rejoins streams after a reconnect.
type Socket struct {
	baseURL          string
	config           *SocketConfig
	log              *zap.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            SocketState
	intentionalClose bool
	dispatcher       *socketDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	joined           map[string]struct{}
	pending          map[string]chan *socketEnvelope
	pendingMu        sync.Mutex
}

var _ StreamSubscriber = (*Socket)(nil)

// NewSocket creates a socket for the server at baseURL (http or https).
func NewSocket(baseURL string, config SocketConfig) *Socket {
	config.defaults()
	return &Socket{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &config,
		log:        config.Logger.Named("socket"),
		state:      StateDisconnected,
		dispatcher: &socketDispatcher{},
		recon:      newReconnector(&config),
		joined:     make(map[string]struct{}),
		pending:    make(map[string]chan *socketEnvelope),
	}
}

// OnNotification registers a handler for per-user notifications.
func (s *Socket) OnNotification(h func(Notification)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNotification = append(s.dispatcher.onNotification, h)
	s.dispatcher.mu.Unlock()
}

// OnStreamData registers a handler for conversation stream payloads.
func (s *Socket) OnStreamData(h func(StreamData)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onStreamData = append(s.dispatcher.onStreamData, h)
	s.dispatcher.mu.Unlock()
}

func (s *Socket) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *Socket) OnDisconnected(h func(code int, reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *Socket) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) socketURL() string {
	u := strings.Replace(s.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("token", s.config.Token)
	q.Set("status", "true")
	return u + "/ws?" + q.Encode()
}

// Connect dials the server. The connection outlives ctx; use Disconnect to
// close it.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.socketURL(), &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	rejoin := make([]string, 0, len(s.joined))
	for id := range s.joined {
		rejoin = append(rejoin, id)
	}
	s.mu.Unlock()
	s.recon.markConnected()
	s.log.Info("socket_connected")

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)
	if len(rejoin) > 0 {
		go s.rejoin(connCtx, rejoin)
	}

	s.dispatcher.emitConnected()
	return nil
}

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Disconnect closes the connection without reconnecting.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearPending()
	s.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinChannelStream subscribes to the conversation's stream. Joined streams
// are rejoined after a reconnect.
func (s *Socket) JoinChannelStream(ctx context.Context, channelID string) error {
	if _, err := s.RPC(ctx, SocketRPCJoinStream, map[string]string{"channel_id": channelID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined[channelID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// LeaveChannelStream unsubscribes from the conversation's stream.
func (s *Socket) LeaveChannelStream(ctx context.Context, channelID string) error {
	s.mu.Lock()
	delete(s.joined, channelID)
	s.mu.Unlock()
	_, err := s.RPC(ctx, SocketRPCLeaveStream, map[string]string{"channel_id": channelID})
	return err
}

func (s *Socket) rejoin(ctx context.Context, channels []string) {
	for _, id := range channels {
		if _, err := s.RPC(ctx, SocketRPCJoinStream, map[string]string{"channel_id": id}); err != nil {
			s.log.Warn("stream_rejoin_failed", zap.String("channel_id", id), zap.Error(err))
		}
	}
}

// RPC calls a server RPC over the socket and returns its payload.
func (s *Socket) RPC(ctx context.Context, id string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.request(ctx, &socketEnvelope{RPC: &socketRPC{ID: id, Payload: string(data)}})
	if err != nil {
		return nil, fmt.Errorf("socket rpc %s: %w", id, err)
	}
	if resp.RPC == nil {
		return nil, nil
	}
	return json.RawMessage(resp.RPC.Payload), nil
}

// Ping sends a ping and waits for the pong.
func (s *Socket) Ping(ctx context.Context) error {
	_, err := s.request(ctx, &socketEnvelope{Ping: &struct{}{}})
	return err
}

func (s *Socket) send(ctx context.Context, env *socketEnvelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends env with a fresh cid and waits for the matching response.
func (s *Socket) request(ctx context.Context, env *socketEnvelope) (*socketEnvelope, error) {
	env.CID = uuid.NewString()
	ch := make(chan *socketEnvelope, 1)
	s.pendingMu.Lock()
	s.pending[env.CID] = ch
	s.pendingMu.Unlock()

	forget := func() {
		s.pendingMu.Lock()
		delete(s.pending, env.CID)
		s.pendingMu.Unlock()
	}

	if err := s.send(ctx, env); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("request timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if !intentional {
				s.state = StateDisconnected
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.recon.markDropped()
			s.log.Warn("socket_disconnected", zap.Error(err))
			s.clearPending()
			s.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
			}
			return
		}

		var env socketEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("socket_frame_malformed", zap.Error(err))
			continue
		}

		if env.CID != "" {
			s.pendingMu.Lock()
			ch, ok := s.pending[env.CID]
			if ok {
				delete(s.pending, env.CID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- &env
				continue
			}
		}

		if env.Error != nil {
			s.log.Warn("socket_error", zap.Int("code", env.Error.Code), zap.String("message", env.Error.Message))
			continue
		}
		s.dispatcher.dispatch(&env)
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			if err := s.Ping(ctx); err != nil {
				s.log.Warn("socket_heartbeat_failed", zap.Error(err))
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *Socket) scheduleReconnect(ctx context.Context) {
	for {
		attempt, delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		}

		err := s.Connect(ctx)
		if err == nil {
			return
		}
		s.log.Warn("socket_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
		if !s.recon.shouldReconnect() {
			s.setState(StateDisconnected)
			return
		}
	}
}

func (s *Socket) clearPending() {
	s.pendingMu.Lock()
	for k, ch := range s.pending {
		close(ch)
		delete(s.pending, k)
	}
	s.pendingMu.Unlock()
}
