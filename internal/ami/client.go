package ami

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed is reported to pending actions when the connection goes away.
var ErrClosed = errors.New("ami: connection closed")

// ResponseError is returned when Asterisk answers an action with anything
// other than "Response: Success".
type ResponseError struct {
	Action  string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ami %s failed", e.Action)
	}
	return fmt.Sprintf("ami %s failed: %s", e.Action, e.Message)
}

// ResponseFunc receives the response to an action, or an error.
type ResponseFunc func(Event, error)

// Options configures Dial.
type Options struct {
	Addr        string
	Username    string
	Secret      string
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// Client is an AMI session. Actions may be sent from any goroutine; events
// and responses are delivered on the goroutine running Serve.
type Client struct {
	conn   net.Conn
	parser *Parser
	logger zerolog.Logger
	newID  func() string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingAction
	closed  bool
	handler func(Event)
}

type pendingAction struct {
	name string
	fn   ResponseFunc
}

// NewClient wraps an established connection. Login must be called before
// Serve when the peer requires authentication.
func NewClient(conn net.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		parser:  NewParser(conn),
		logger:  logger.With().Str("component", "ami").Logger(),
		newID:   uuid.NewString,
		pending: make(map[string]pendingAction),
	}
}

// Dial connects to the AMI endpoint and authenticates.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial AMI: %w", err)
	}

	c := NewClient(conn, opts.Logger)
	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Login(loginCtx, opts.Username, opts.Secret); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Login authenticates synchronously. It must not run concurrently with Serve.
func (c *Client) Login(ctx context.Context, username, secret string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	id := c.newID()
	login := NewAction("Login", "Username", username, "Secret", secret, "Events", "on")
	if err := c.write(login, id); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	for {
		evt, ok := c.parser.Next()
		if !ok {
			if err := c.parser.Err(); err != nil {
				return fmt.Errorf("reading login response: %w", err)
			}
			return fmt.Errorf("reading login response: %w", io.ErrUnexpectedEOF)
		}
		if !evt.IsResponse() || evt.ActionID() != id {
			continue
		}
		if !evt.Success() {
			return &ResponseError{Action: "Login", Message: evt.Message()}
		}
		c.logger.Info().Msg("AMI authenticated")
		return nil
	}
}

// OnEvent sets the handler for unsolicited events. Set it before Serve.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Do sends an action. fn is called exactly once with the response, a write
// error, or ErrClosed when the session ends first. A response that never
// arrives leaves the action pending until the session ends.
func (c *Client) Do(a Action, fn ResponseFunc) {
	id := c.newID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(Event{}, ErrClosed)
		return
	}
	c.pending[id] = pendingAction{name: a.Name, fn: fn}
	c.mu.Unlock()

	if err := c.write(a, id); err != nil {
		if p, ok := c.take(id); ok {
			p.fn(Event{}, fmt.Errorf("sending %s: %w", a.Name, err))
		}
	}
}

// Serve reads the stream until the connection closes or ctx is cancelled.
// Pending actions are failed with ErrClosed on return.
func (c *Client) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	defer c.failPending()

	for {
		evt, ok := c.parser.Next()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.parser.Err(); err != nil {
				return fmt.Errorf("reading AMI stream: %w", err)
			}
			return ErrClosed
		}

		if evt.IsResponse() {
			c.resolve(evt)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(evt)
		}
	}
}

// Close terminates the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) resolve(evt Event) {
	p, ok := c.take(evt.ActionID())
	if !ok {
		c.logger.Debug().Str("action_id", evt.ActionID()).Msg("response for unknown action")
		return
	}
	if !evt.Success() {
		p.fn(evt, &ResponseError{Action: p.name, Message: evt.Message()})
		return
	}
	p.fn(evt, nil)
}

func (c *Client) take(id string) (pendingAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Client) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]pendingAction)
	c.mu.Unlock()

	for _, p := range pending {
		p.fn(Event{}, ErrClosed)
	}
}

func (c *Client) write(a Action, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(a.Encode(id))
	return err
}
