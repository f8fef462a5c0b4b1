// Package exchange implements the two client roles the monitor plays
// against the UCM exchange: a heartbeated WebSocket RPC session carrying
// monitoring events, and a stateful HTTP client for click-to-dial.
package exchange

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ucmmonitor/ucmmonitor/internal/decoder"
)

// subscribedEvents are the notification types the monitoring session asks
// the exchange to deliver.
var subscribedEvents = []string{"ExtensionStatus", "ActiveCallStatus"}

// Client maintains exactly one authenticated, heartbeated WebSocket session
// to the exchange, reconnecting on any transport or protocol failure.
type Client struct {
	wsURL             string
	username          string
	password          string
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	dialTimeout       time.Duration
	authTimeout       time.Duration

	writeMu        sync.Mutex
	connected      atomic.Bool
	reconnectCount atomic.Int64
}

// NewClient creates a Client targeting wss://host:wsPort/websockify.
func NewClient(host string, wsPort int, username, password string, heartbeatInterval, reconnectDelay time.Duration) *Client {
	return &Client{
		wsURL:             fmt.Sprintf("wss://%s:%d/websockify", host, wsPort),
		username:          username,
		password:          password,
		heartbeatInterval: heartbeatInterval,
		reconnectDelay:    reconnectDelay,
		dialTimeout:       10 * time.Second,
		authTimeout:       10 * time.Second,
	}
}

// IsConnected reports whether the current session is authenticated and
// subscribed, for the metrics collector.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ReconnectCount reports how many times a session has been torn down and
// retried since this Client was created, for the metrics collector.
func (c *Client) ReconnectCount() int64 {
	return c.reconnectCount.Load()
}

// Run hosts the full session lifecycle until ctx is cancelled: dial,
// authenticate, subscribe, then service heartbeats and incoming frames
// until the transport fails, at which point onSessionLost is invoked (to
// let the Correlator drop its in-flight state) and the session is retried
// after reconnectDelay. Run never returns a call-level error; all failures
// are logged and retried.
func (c *Client) Run(ctx context.Context, handler decoder.Handler, onSessionLost func()) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runSession(ctx, handler); err != nil {
			slog.Error("exchange: session ended", "error", err)
		}
		onSessionLost()

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
			c.reconnectCount.Add(1)
		}
	}
}

func (c *Client) runSession(ctx context.Context, handler decoder.Handler) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.dialTimeout,
		TLSClientConfig:  legacyTLSConfig(),
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := c.subscribe(conn); err != nil {
		slog.Warn("exchange: subscribe returned a non-zero status", "error", err)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	slog.Info("exchange: session established", "url", c.wsURL)

	return c.serve(ctx, conn, handler)
}

// serve owns the single read loop plus the heartbeat ticker. The blocking
// ReadMessage call runs on its own goroutine that feeds frames back over a
// channel, so this function — and therefore the handler callbacks it
// drives — never runs concurrently with anything else in the session.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, handler decoder.Handler) error {
	msgCh := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
			return nil
		case err := <-errCh:
			return fmt.Errorf("read: %w", err)
		case msg := <-msgCh:
			c.handleFrame(msg, handler)
		case <-ticker.C:
			if err := c.sendHeartbeat(conn); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) handleFrame(raw []byte, handler decoder.Handler) {
	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		snippet := string(raw)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		slog.Warn("exchange: discarding malformed frame", "error", err, "snippet", snippet)
		return
	}
	decoder.Decode(envelope.Message, handler)
}

// authenticate executes the exchange's challenge/login handshake once per
// connection: send challenge, extract the server nonce, compute
// MD5(challenge||password), send login, require status 0.
func (c *Client) authenticate(conn *websocket.Conn) error {
	if err := c.send(conn, map[string]any{
		"action":   "challenge",
		"username": c.username,
		"version":  "1",
	}); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	resp, err := c.recv(conn, c.authTimeout)
	if err != nil {
		return fmt.Errorf("reading challenge response: %w", err)
	}
	challenge, ok := extractStringField(resp, "challenge")
	if !ok || challenge == "" {
		return errors.New("challenge missing from response")
	}

	sum := md5.Sum([]byte(challenge + c.password))
	token := hex.EncodeToString(sum[:])

	if err := c.send(conn, map[string]any{
		"action":   "login",
		"token":    token,
		"username": c.username,
	}); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	resp, err = c.recv(conn, c.authTimeout)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	status, ok := extractIntField(resp, "status")
	if !ok || status != 0 {
		return fmt.Errorf("login rejected, status=%v", status)
	}
	return nil
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	if err := c.send(conn, map[string]any{
		"action":     "subscribe",
		"eventnames": subscribedEvents,
	}); err != nil {
		return fmt.Errorf("sending subscribe: %w", err)
	}

	resp, err := c.recv(conn, c.authTimeout)
	if err != nil {
		return fmt.Errorf("reading subscribe response: %w", err)
	}
	if status, ok := extractIntField(resp, "status"); ok && status != 0 {
		return fmt.Errorf("subscribe rejected, status=%d", status)
	}
	return nil
}

func (c *Client) sendHeartbeat(conn *websocket.Conn) error {
	return c.send(conn, map[string]any{"action": "heartbeat"})
}

// send wraps message in the exchange's request envelope, stamping a fresh
// transaction id, and writes it. gorilla/websocket forbids concurrent
// writers so every write goes through writeMu.
func (c *Client) send(conn *websocket.Conn, message map[string]any) error {
	message["transactionid"] = newTransactionID()
	envelope := map[string]any{"type": "request", "message": message}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(envelope)
}

func (c *Client) recv(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return parsed, nil
}

func (c *Client) closeGracefully(conn *websocket.Conn) {
	c.writeMu.Lock()
	deadline := time.Now().Add(5 * time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline) //nolint:errcheck
	c.writeMu.Unlock()
	conn.Close()
}
