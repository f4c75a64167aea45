package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by a Connection after Close.
var ErrClosed = errors.New("connection closed")

const (
	protocolVersion = "7"
	clientName      = "batchwatch"
	clientVersion   = "1.0.0"
)

// Pusher protocol event names.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
)

// Handler receives transport notifications. Calls arrive on the connection's
// read goroutine and must not block on the transport itself.
type Handler interface {
	HandleConnected(socketID string)
	HandleDisconnected()
	HandleError(err error)
	HandleEvent(channel, event string, data json.RawMessage)
}

// Transport is the realtime channel service as the router sees it.
type Transport interface {
	Start(ctx context.Context) error
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	Close() error
}

type Options struct {
	URL               string
	Key               string
	Cluster           string
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * o.PingInterval
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	return o
}

// Endpoint returns the socket URL for the app key. Without a URL the public
// cluster host is used.
func (o Options) Endpoint() (string, error) {
	if o.Key == "" {
		return "", fmt.Errorf("realtime key is required")
	}
	base := o.URL
	if base == "" {
		if o.Cluster == "" {
			return "", fmt.Errorf("realtime url or cluster is required")
		}
		base = fmt.Sprintf("wss://ws-%s.pusher.com", o.Cluster)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/app/" + url.PathEscape(o.Key)
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type establishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type errorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code"`
}

// ProtocolError is a pusher:error frame sent by the server.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the server asked the client not to reconnect.
func (e *ProtocolError) Fatal() bool {
	return e.Code >= 4000 && e.Code < 4100
}

// Connection is a Pusher-protocol client over one websocket. It reconnects
// on its own and resubscribes every channel it was asked to join.
type Connection struct {
	ID       string
	opts     Options
	logger   *zap.Logger
	handler  Handler
	endpoint string

	connMutex sync.RWMutex
	conn      *websocket.Conn
	socketID  string
	state     State
	writeMu   sync.Mutex

	subsMutex sync.Mutex
	subs      map[string]struct{}
	sent      map[string]struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{}
	done      chan struct{}
}

func NewConnection(opts Options, handler Handler, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	endpoint, err := opts.Endpoint()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Connection{
		ID:       id,
		opts:     opts,
		logger:   logger.With(zap.String("conn_id", id)),
		handler:  handler,
		endpoint: endpoint,
		subs:     make(map[string]struct{}),
		sent:     make(map[string]struct{}),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the connect/read/reconnect loop and returns immediately.
func (c *Connection) Start(ctx context.Context) error {
	err := fmt.Errorf("connection %s already started", c.ID)
	c.startOnce.Do(func() {
		c.connMutex.Lock()
		defer c.connMutex.Unlock()
		select {
		case <-c.closed:
			err = ErrClosed
			return
		default:
		}
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		err = nil
		go c.run(runCtx)
	})
	return err
}

// State returns the transport's own view of the socket.
func (c *Connection) State() State {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.state
}

// SocketID is the id assigned by the server for the current socket.
func (c *Connection) SocketID() string {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.socketID
}

// Done is closed once the run loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Subscribe joins channel now if the socket is up, and on every reconnect.
func (c *Connection) Subscribe(channel string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	c.subs[channel] = struct{}{}
	if _, ok := c.sent[channel]; ok || !c.isConnected() {
		return nil
	}
	if err := c.send(frame{Event: eventSubscribe, Data: channelData(channel)}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	c.sent[channel] = struct{}{}
	c.logger.Info("Subscribing to channel", zap.String("channel", channel))
	return nil
}

// Unsubscribe leaves channel. Unknown channels are ignored.
func (c *Connection) Unsubscribe(channel string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	delete(c.subs, channel)
	if _, ok := c.sent[channel]; !ok {
		return nil
	}
	delete(c.sent, channel)
	if !c.isConnected() {
		return nil
	}
	if err := c.send(frame{Event: eventUnsubscribe, Data: channelData(channel)}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	c.logger.Info("Unsubscribed from channel", zap.String("channel", channel))
	return nil
}

// Close stops the run loop and closes the socket without waiting for the
// loop to exit. Calling it again is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.connMutex.Lock()
		cancel := c.cancel
		conn := c.conn
		c.conn = nil
		c.state = StateDisconnected
		c.connMutex.Unlock()

		if cancel != nil {
			cancel()
		} else {
			close(c.done)
		}
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			conn.Close()
		}
		c.logger.Info("Connection closed")
	})
	return nil
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Connection context cancelled")
			return
		default:
		}

		err := c.connect(ctx)
		if err == nil {
			err = c.readLoop(ctx)
			c.disconnect()
			c.handler.HandleDisconnected()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setState(StateError)
			c.logger.Error("Realtime connection failed", zap.Error(err))
			c.handler.HandleError(err)
			var perr *ProtocolError
			if errors.As(err, &perr) && perr.Fatal() {
				c.logger.Warn("Server refused connection, not reconnecting", zap.Int("code", perr.Code))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectInterval):
			c.logger.Info("Reconnecting", zap.Duration("after", c.opts.ReconnectInterval))
		}
	}
}

// connect dials and waits for pusher:connection_established, then rejoins
// every channel and reports the socket as connected.
func (c *Connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info("Connecting to realtime server", zap.String("url", c.endpoint))

	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read handshake: %w", err)
	}
	switch f.Event {
	case eventConnectionEstablished:
	case eventError:
		conn.Close()
		return decodeProtocolError(f.Data)
	default:
		conn.Close()
		return fmt.Errorf("unexpected handshake event %q", f.Event)
	}
	var est establishedData
	if err := json.Unmarshal(unwrapString(f.Data), &est); err != nil {
		conn.Close()
		return fmt.Errorf("invalid handshake payload: %w", err)
	}

	c.connMutex.Lock()
	select {
	case <-c.closed:
		c.connMutex.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.socketID = est.SocketID
	c.state = StateConnected
	c.connMutex.Unlock()

	c.logger.Info("Connected successfully",
		zap.String("socket_id", est.SocketID),
		zap.Int("activity_timeout", est.ActivityTimeout))

	if err := c.subscribeAll(); err != nil {
		c.disconnect()
		return err
	}
	go c.pingRoutine(ctx, conn)
	c.handler.HandleConnected(est.SocketID)
	return nil
}

func (c *Connection) subscribeAll() error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	c.sent = make(map[string]struct{}, len(c.subs))
	for channel := range c.subs {
		if err := c.send(frame{Event: eventSubscribe, Data: channelData(channel)}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		c.sent[channel] = struct{}{}
		c.logger.Info("Subscribing to channel", zap.String("channel", channel))
	}
	return nil
}

func (c *Connection) disconnect() {
	c.connMutex.Lock()
	conn := c.conn
	c.conn = nil
	c.socketID = ""
	c.state = StateDisconnected
	c.connMutex.Unlock()

	c.subsMutex.Lock()
	c.sent = make(map[string]struct{})
	c.subsMutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info("Disconnected")
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		c.connMutex.RLock()
		conn := c.conn
		c.connMutex.RUnlock()
		if conn == nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return fmt.Errorf("read timeout: %w", err)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Realtime socket closed by server", zap.Error(err))
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		if err := c.processMessage(message); err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				if perr.Fatal() {
					return perr
				}
				c.handler.HandleError(perr)
				continue
			}
			c.logger.Warn("Failed to process message", zap.Error(err))
		}
	}
}

func (c *Connection) processMessage(message []byte) error {
	c.logger.Debug("Processing raw message", zap.ByteString("message", message))

	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	switch f.Event {
	case eventPing:
		return c.send(frame{Event: eventPong, Data: json.RawMessage(`{}`)})
	case eventPong:
		return nil
	case eventError:
		return decodeProtocolError(f.Data)
	case eventSubscriptionSucceeded:
		c.logger.Info("Channel subscribed", zap.String("channel", f.Channel))
		return nil
	case eventSubscriptionError:
		err := fmt.Errorf("subscription to %s failed: %s", f.Channel, string(f.Data))
		c.handler.HandleError(err)
		return nil
	}

	if f.Channel == "" {
		c.logger.Debug("Ignoring unscoped event", zap.String("event", f.Event))
		return nil
	}
	c.handler.HandleEvent(f.Channel, f.Event, unwrapString(f.Data))
	return nil
}

func (c *Connection) pingRoutine(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMutex.RLock()
			current := c.conn
			c.connMutex.RUnlock()
			if current != conn {
				return
			}
			if err := c.send(frame{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				c.logger.Error("Failed to send ping", zap.Error(err))
			}
		}
	}
}

func (c *Connection) send(f frame) error {
	c.connMutex.RLock()
	conn := c.conn
	c.connMutex.RUnlock()
	if conn == nil {
		return fmt.Errorf("connection not established")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func (c *Connection) isConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.conn != nil && c.state == StateConnected
}

func (c *Connection) setState(s State) {
	c.connMutex.Lock()
	c.state = s
	c.connMutex.Unlock()
}

func channelData(channel string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Channel string `json:"channel"`
	}{Channel: channel})
	return b
}

func decodeProtocolError(raw json.RawMessage) error {
	var d errorData
	if err := json.Unmarshal(unwrapString(raw), &d); err != nil {
		return &ProtocolError{Message: string(raw)}
	}
	perr := &ProtocolError{Message: d.Message}
	if d.Code != nil {
		perr.Code = *d.Code
	}
	return perr
}

// unwrapString decodes one level of JSON string encoding. Anything else,
// including a string whose content is not JSON, is returned unchanged.
func unwrapString(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, `"`) {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	if !json.Valid([]byte(s)) {
		return raw
	}
	return json.RawMessage(s)
}
