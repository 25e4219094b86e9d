package hass

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fastjson"

	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/pkg/channel"
	"github.com/jkaflik/hass-sampler/pkg/retry"
)

const (
	userAgent = "hass-sampler"

	resultDefaultTimeout      = time.Second * 5
	receiverDefaultBufferSize = 64

	reconnectDefaultInitialInterval = time.Second
	reconnectDefaultMaxInterval     = time.Minute
	reconnectDefaultMultiplier      = 2.0
)

// ReconnectConfig controls how a dropped connection is re-established.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectConfig sets the backoff used when the websocket connection drops.
func WithReconnectConfig(initial, max time.Duration, multiplier float64) ClientOption {
	return func(c *Client) {
		c.reconnect = ReconnectConfig{
			InitialInterval: initial,
			MaxInterval:     max,
			Multiplier:      multiplier,
		}
	}
}

// WithResultTimeout sets how long a command waits for its result frame. Non-positive
// values keep the default.
func WithResultTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.resultTimeout = timeout
		}
	}
}

// WithReceiverBufferSize sets the buffer size of event subscription channels.
func WithReceiverBufferSize(size int) ClientOption {
	return func(c *Client) {
		c.receiverBufferSize = size
	}
}

// WithDialer replaces the websocket dialer, mostly useful in tests.
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// Client is a websocket API client for Home Assistant
type Client struct {
	Host  string
	Token string

	reconnect          ReconnectConfig
	resultTimeout      time.Duration
	receiverBufferSize int
	dialer             *websocket.Dialer

	connMtx sync.Mutex
	session *session
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMtx sync.Mutex

	activeReceiversMtx sync.Mutex
	activeReceiversNum int
	pendingResults     map[int]chan *fastjson.Value
	subscriptions      map[int]*subscription

	hooksMtx    sync.Mutex
	onReconnect []func()
}

// subscription delivers frames written to in on events. The queue between them is
// unbounded so the receive loop never waits for a slow subscriber.
type subscription struct {
	message SubscribeEventsMessage
	in      chan *fastjson.Value
	events  chan *fastjson.Value
}

// session is a single authenticated websocket connection.
type session struct {
	conn   *websocket.Conn
	resume bool

	ready chan struct{}
	once  sync.Once
	err   error

	down     chan struct{}
	downOnce sync.Once
}

func newSession(conn *websocket.Conn, resume bool) *session {
	return &session{
		conn:   conn,
		resume: resume,
		ready:  make(chan struct{}),
		down:   make(chan struct{}),
	}
}

// finish resolves the authentication phase of the session. Only the first call wins.
func (s *session) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ready)
	})
}

// markDown records that the connection of the session is gone.
func (s *session) markDown() {
	s.downOnce.Do(func() { close(s.down) })
}

// NewClient creates a client for the Home Assistant instance at host.
// Host may use the ws, wss, http or https scheme.
func NewClient(host, token string, opts ...ClientOption) *Client {
	c := &Client{
		Host:               host,
		Token:              token,
		resultTimeout:      resultDefaultTimeout,
		receiverBufferSize: receiverDefaultBufferSize,
		dialer:             websocket.DefaultDialer,
		reconnect: ReconnectConfig{
			InitialInterval: reconnectDefaultInitialInterval,
			MaxInterval:     reconnectDefaultMaxInterval,
			Multiplier:      reconnectDefaultMultiplier,
		},
		pendingResults: make(map[int]chan *fastjson.Value),
		subscriptions:  make(map[int]*subscription),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func websocketURL(host string) string {
	host = strings.TrimSuffix(host, "/")
	switch {
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	}
	return fmt.Sprintf("%s/api/websocket", host)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, websocketURL(c.Host), http.Header{
		"User-Agent": []string{userAgent},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	return conn, nil
}

// Connect dials Home Assistant and starts the receive loop. Authentication happens
// asynchronously; use WaitAuthenticated before sending commands.
// Subscriptions made before a Close are restored on the new connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.activeReceiversMtx.Lock()
	resume := len(c.subscriptions) > 0
	c.activeReceiversMtx.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s := newSession(conn, resume)

	c.connMtx.Lock()
	c.session = s
	c.closed = false
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.connMtx.Unlock()

	go c.run(runCtx, s, done)

	return nil
}

func (c *Client) currentSession() *session {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()
	return c.session
}

func (c *Client) isClosed() bool {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()
	return c.closed
}

// WaitAuthenticated blocks until the current connection is authenticated. It returns
// ErrNotConnected while a dropped connection is being re-established.
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	s := c.currentSession()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}

	if s.err != nil {
		return s.err
	}

	select {
	case <-s.down:
		return ErrNotConnected
	default:
		return nil
	}
}

// OnReconnect registers fn to run after the client re-authenticated on a new connection.
func (c *Client) OnReconnect(fn func()) {
	c.hooksMtx.Lock()
	defer c.hooksMtx.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// SubscribeEventsOption configures a subscribe_events command.
type SubscribeEventsOption func(*SubscribeEventsMessage)

// SubscribeEventsWithEventType limits the subscription to a single event type.
func SubscribeEventsWithEventType(eventType EventType) SubscribeEventsOption {
	return func(m *SubscribeEventsMessage) {
		m.EventType = eventType
	}
}

// SubscribeEvents subscribes to Home Assistant events. The returned channel only
// carries event frames and survives reconnects.
func (c *Client) SubscribeEvents(ctx context.Context, opts ...SubscribeEventsOption) (chan *fastjson.Value, error) {
	if err := c.WaitAuthenticated(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{
		message: SubscribeEventsMessage{BaseMessage: BaseMessage{Type: MessageTypeSubscribeEvents}},
		in:      make(chan *fastjson.Value, c.receiverBufferSize),
	}
	sub.events = channel.Unbounded(sub.in)
	for _, opt := range opts {
		opt(&sub.message)
	}

	c.activeReceiversMtx.Lock()
	c.activeReceiversNum++
	receiverNum := c.activeReceiversNum
	resultChan := make(chan *fastjson.Value, 1)
	c.pendingResults[receiverNum] = resultChan
	c.subscriptions[receiverNum] = sub
	c.activeReceiversMtx.Unlock()

	msg := sub.message
	msg.ID = receiverNum

	if err := c.write(msg); err != nil {
		c.closeReceiver(receiverNum)
		return nil, err
	}

	if _, err := c.awaitResult(ctx, receiverNum, resultChan, MessageTypeSubscribeEvents); err != nil {
		c.closeReceiver(receiverNum)
		return nil, err
	}

	log.Info().
		Int("id", receiverNum).
		Str("event_type", string(sub.message.EventType)).
		Msg("Subscribed to events")

	return sub.events, nil
}

// GetStates returns the current state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	v, err := c.call(ctx, MessageTypeGetStates)
	if err != nil {
		return nil, err
	}

	var states []State
	if err := json.Unmarshal(resultBytes(v), &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}

	log.Debug().Int("count", len(states)).Msg("Received states")

	return states, nil
}

// EntityRegistry returns all entries of the entity registry.
func (c *Client) EntityRegistry(ctx context.Context) ([]RegistryEntry, error) {
	v, err := c.call(ctx, MessageTypeEntityRegistryList)
	if err != nil {
		return nil, err
	}

	var entries []RegistryEntry
	if err := json.Unmarshal(resultBytes(v), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode entity registry: %w", err)
	}

	return entries, nil
}

// resultBytes returns the raw result payload of a result frame.
func resultBytes(v *fastjson.Value) []byte {
	result := v.Get("result")
	if result == nil {
		return []byte("null")
	}
	return result.MarshalTo(nil)
}

// call sends a command without parameters and waits for its result.
func (c *Client) call(ctx context.Context, msgType string) (*fastjson.Value, error) {
	if err := c.WaitAuthenticated(ctx); err != nil {
		return nil, err
	}

	c.activeReceiversMtx.Lock()
	c.activeReceiversNum++
	receiverNum := c.activeReceiversNum
	resultChan := make(chan *fastjson.Value, 1)
	c.pendingResults[receiverNum] = resultChan
	c.activeReceiversMtx.Unlock()

	defer c.closeReceiver(receiverNum)

	if err := c.write(BaseMessage{ID: receiverNum, Type: msgType}); err != nil {
		return nil, err
	}

	return c.awaitResult(ctx, receiverNum, resultChan, msgType)
}

func (c *Client) awaitResult(ctx context.Context, receiverNum int, resultChan chan *fastjson.Value, msgType string) (*fastjson.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, c.resultTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s (id %d)", ErrResultTimeout, msgType, receiverNum)
	case v := <-resultChan:
		if typ := string(v.GetStringBytes("type")); typ != MessageTypeResult {
			log.Error().Str("type", typ).Msg("Unexpected message type received waiting for a result")

			return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, typ)
		}

		if !v.GetBool("success") {
			code := string(v.GetStringBytes("error", "code"))
			message := string(v.GetStringBytes("error", "message"))

			log.Error().
				Str("command", msgType).
				Str("code", code).
				Str("message", message).
				Msg("Home Assistant command failed")

			return nil, fmt.Errorf("%w: %s: %s: %s", ErrCommandFailed, msgType, code, message)
		}

		return v, nil
	}
}

func (c *Client) closeReceiver(receiverNum int) {
	c.activeReceiversMtx.Lock()
	defer c.activeReceiversMtx.Unlock()
	delete(c.pendingResults, receiverNum)
	if sub, ok := c.subscriptions[receiverNum]; ok {
		close(sub.in)
		delete(c.subscriptions, receiverNum)
	}
}

func (c *Client) write(v any) error {
	s := c.currentSession()
	if s == nil {
		return ErrNotConnected
	}
	return c.writeTo(s, v)
}

func (c *Client) writeTo(s *session, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send message to Home Assistant: %w", err)
	}

	return nil
}

// run drives the receive loop of a connection and reconnects when it drops.
func (c *Client) run(ctx context.Context, s *session, done chan struct{}) {
	defer close(done)

	for {
		c.receive(ctx, s)

		metrics.HassConnectionStatus.Set(0)
		s.finish(ErrNotConnected)
		s.markDown()

		if ctx.Err() != nil || c.isClosed() {
			return
		}

		if errors.Is(s.err, ErrAuthInvalid) {
			log.Error().Msg("Not reconnecting to Home Assistant with a rejected token")
			return
		}

		s = c.redial(ctx)
		if s == nil {
			return
		}
	}
}

func (c *Client) redial(ctx context.Context) *session {
	cfg := retry.Config{
		MaxRetries:          math.MaxInt32,
		InitialInterval:     c.reconnect.InitialInterval,
		MaxInterval:         c.reconnect.MaxInterval,
		Multiplier:          c.reconnect.Multiplier,
		RandomizationFactor: 0.2,
	}

	callbacks := retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, nextBackoff time.Duration) {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("next_backoff", nextBackoff).
				Msg("Reconnecting to Home Assistant")
		},
	}

	var s *session
	err := retry.DoWithCallbacks(ctx, func() error {
		metrics.HassReconnectTotal.Inc()

		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}

		s = newSession(conn, true)
		return nil
	}, func(error) bool { return true }, cfg, callbacks)
	if err != nil {
		log.Debug().Err(err).Msg("Stopped reconnecting to Home Assistant")
		return nil
	}

	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.closed {
		_ = s.conn.Close()
		return nil
	}
	c.session = s

	return s
}

func (c *Client) receive(ctx context.Context, s *session) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil || c.isClosed():
				log.Debug().Msg("Closing Home Assistant websocket receive message loop")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Info().Msg("Home Assistant websocket connection closed")
			default:
				log.Err(err).Msg("Failed to read message from Home Assistant websocket")
			}
			return
		}

		v, err := fastjson.ParseBytes(payload)
		if err != nil {
			log.Err(err).Msg("Received malformed message from Home Assistant")
			continue
		}

		typ := string(v.GetStringBytes("type"))

		switch typ {
		case "":
			log.Error().Msg("Received message from Home Assistant without a type")
		case MessageTypeAuthRequired:
			c.authenticate(s)
		case MessageTypeAuthOK:
			metrics.HassConnectionStatus.Set(1)
			log.Info().
				Str("version", string(v.GetStringBytes("ha_version"))).
				Msg("Authenticated with Home Assistant")
			s.finish(nil)

			if s.resume {
				go c.resume(s)
			}
		case MessageTypeAuthInvalid:
			log.Error().Bytes(
				"message",
				v.GetStringBytes("message"),
			).Msg("Failed to authenticate with Home Assistant")
			s.finish(ErrAuthInvalid)
		default:
			c.handleMessage(ctx, v)
		}
	}
}

func (c *Client) authenticate(s *session) {
	log.Info().Msg("Authenticating with Home Assistant")

	if err := c.writeTo(s, AuthMessage{Type: MessageTypeAuth, AccessToken: c.Token}); err != nil {
		log.Err(err).Msg("Failed to send auth message to Home Assistant")
	}
}

// resume re-sends every subscription on a fresh connection and runs reconnect hooks.
func (c *Client) resume(s *session) {
	c.activeReceiversMtx.Lock()
	messages := make([]SubscribeEventsMessage, 0, len(c.subscriptions))
	resubscribed := make(map[int]*subscription, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		c.activeReceiversNum++
		msg := sub.message
		msg.ID = c.activeReceiversNum
		resubscribed[msg.ID] = sub
		messages = append(messages, msg)
	}
	c.subscriptions = resubscribed
	c.activeReceiversMtx.Unlock()

	for _, msg := range messages {
		if err := c.writeTo(s, msg); err != nil {
			log.Err(err).Int("id", msg.ID).Msg("Failed to restore subscription")
			continue
		}
		log.Info().Int("id", msg.ID).Msg("Restored subscription")
	}

	c.hooksMtx.Lock()
	hooks := append([]func(){}, c.onReconnect...)
	c.hooksMtx.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) handleMessage(ctx context.Context, v *fastjson.Value) {
	id := v.GetInt("id")

	if id == 0 {
		log.Warn().Msg("Received message from Home Assistant without an ID")
		return
	}

	typ := string(v.GetStringBytes("type"))

	c.activeReceiversMtx.Lock()
	defer c.activeReceiversMtx.Unlock()

	if resultChan, ok := c.pendingResults[id]; ok && typ == MessageTypeResult {
		delete(c.pendingResults, id)
		// Each result channel has room for exactly one frame and is removed above.
		select {
		case resultChan <- v:
		default:
			log.Warn().Int("id", id).Msg("Dropped duplicate result frame")
		}
		return
	}

	sub := c.subscriptions[id]
	if sub == nil {
		log.Warn().Int("id", id).Str("message", v.String()).Msg("Received message from Home Assistant with an unknown ID")
		return
	}

	if typ != MessageTypeEvent {
		return
	}

	// sub.in is drained by an unbounded queue, so this does not wait on the subscriber.
	select {
	case sub.in <- v:
	case <-ctx.Done():
	}
}

// Close closes the connection and stops reconnecting. Subscription channels stay
// open so a later Connect can resume them.
func (c *Client) Close() error {
	log.Info().Msg("Closing Home Assistant websocket connection")

	c.connMtx.Lock()
	c.closed = true
	s := c.session
	cancel := c.cancel
	done := c.done
	c.connMtx.Unlock()

	if cancel != nil {
		cancel()
	}

	if s == nil {
		return nil
	}

	err := s.conn.Close()
	if done != nil {
		<-done
	}

	return err
}
