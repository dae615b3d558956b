package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/1ureka/drop/internal/util"
)

// Client is a user's connection to the signaling server. It implements the
// transfer engine's Channel and ReconnectNotifier: handlers run serially on
// the read loop, and a lost connection is redialed with exponential backoff
// until Close.
type Client struct {
	url    string
	dialer *websocket.Dialer
	opts   ClientOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	handlers    map[string]func(json.RawMessage)
	onReconnect func()
	out         *sender
}

// ClientOptions bounds the reconnect backoff. Zero values use 500ms and 10s.
type ClientOptions struct {
	MinRetry time.Duration
	MaxRetry time.Duration
}

// Endpoint returns the WebSocket URL for user on the server at signalURL,
// e.g. ws://host:8787/ws?user=alice.
func Endpoint(signalURL, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("signaling: user id required")
	}
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", fmt.Errorf("parse signal URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("signal URL %q: unsupported scheme", signalURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the signaling server as userID. The first dial must succeed;
// later losses are retried in the background.
func Connect(ctx context.Context, signalURL, userID string, opts ClientOptions) (*Client, error) {
	endpoint, err := Endpoint(signalURL, userID)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	cCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		url:      endpoint,
		dialer:   &dialer,
		opts:     opts,
		ctx:      cCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string]func(json.RawMessage)),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	util.LogDebug("signaling connected: %s", endpoint)

	c.setSender(newSender(conn))
	go c.run(conn)
	return c, nil
}

// Emit sends event with a JSON payload.
func (c *Client) Emit(event string, payload any) error {
	msg, err := newMessage(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	if out == nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return ErrNotConnected
	}
	if err := out.send(msg); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// On registers the handler for event, replacing any previous one.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// OnReconnect sets the hook run after every successful redial, before any
// message of the new connection is dispatched. nil clears it.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		if replaced(err) {
			util.LogWarning("signaling session taken over by another connection")
			c.cancel()
			return
		}
		util.LogWarning("signaling connection lost: %v", err)

		conn, err = c.redial()
		if err != nil {
			return
		}
		util.LogSuccess("signaling reconnected")
		c.setSender(newSender(conn))

		c.mu.Lock()
		hook := c.onReconnect
		c.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
}

// serve reads conn until it fails or the client is closed.
func (c *Client) serve(conn *websocket.Conn) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-c.ctx.Done():
			out.close(websocket.CloseNormalClosure, "bye")
		case <-stop:
		}
	}()
	go keepAlive(out, stop)

	err := (&receiver{conn: conn}).watch(c.dispatch)

	close(stop)
	c.setSender(nil)
	conn.Close()
	return err
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	handle := c.handlers[msg.Event]
	c.mu.Unlock()

	if handle == nil {
		util.LogDebug("no handler for %s", msg.Event)
		return
	}
	handle(msg.Payload)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// redial retries dial with exponential backoff until it succeeds or the
// client is closed.
func (c *Client) redial() (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	if c.opts.MinRetry > 0 {
		eb.InitialInterval = c.opts.MinRetry
	}
	eb.MaxInterval = 10 * time.Second
	if c.opts.MaxRetry > 0 {
		eb.MaxInterval = c.opts.MaxRetry
	}
	eb.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, err = c.dial(c.ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		util.LogDebug("signaling redial failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(eb, c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// replaced reports whether the server closed the connection because the
// same user connected again.
func replaced(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation
}

func (c *Client) setSender(s *sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = s
}
