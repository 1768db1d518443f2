package ami_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/ami"
)

// fakeAsterisk answers every action it reads using reply, and can push
// unsolicited events.
type fakeAsterisk struct {
	conn    net.Conn
	actions chan ami.Event
}

func newFakeAsterisk(t *testing.T, reply func(ami.Event) string) (*fakeAsterisk, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeAsterisk{conn: server, actions: make(chan ami.Event, 16)}
	// net.Pipe is unbuffered, so the banner is written concurrently.
	go fmt.Fprint(server, "Asterisk Call Manager/5.0.1\r\n")
	go func() {
		p := ami.NewParser(server)
		for {
			a, ok := p.Next()
			if !ok {
				return
			}
			f.actions <- a
			if r := reply(a); r != "" {
				fmt.Fprint(server, r)
			}
		}
	}()
	t.Cleanup(func() { server.Close() })
	return f, client
}

func (f *fakeAsterisk) push(raw string) {
	fmt.Fprint(f.conn, raw)
}

func successReply(a ami.Event) string {
	if a.Get("Action") == "Hangup" {
		return "Response: Error\r\nActionID: " + a.ActionID() + "\r\nMessage: No such channel\r\n\r\n"
	}
	if a.Get("Action") == "QueuePause" {
		return "" // never answered
	}
	return "Response: Success\r\nActionID: " + a.ActionID() + "\r\nMessage: ok\r\n\r\n"
}

func TestClientLoginAndActions(t *testing.T) {
	fake, conn := newFakeAsterisk(t, successReply)
	c := ami.NewClient(conn, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Login(ctx, "admin", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	login := <-fake.actions
	if login.Get("Action") != "Login" || login.Get("Username") != "admin" || login.Get("Secret") != "s3cret" {
		t.Errorf("unexpected login action: %+v", login.Headers())
	}

	events := make(chan ami.Event, 4)
	c.OnEvent(func(e ami.Event) { events <- e })

	serveErr := make(chan error, 1)
	serveCtx, stopServe := context.WithCancel(context.Background())
	go func() { serveErr <- c.Serve(serveCtx) }()

	results := make(chan error, 3)
	c.Do(ami.NewAction("PlayDTMF", "Channel", "PJSIP/1001-00000002", "Digit", "5"), func(_ ami.Event, err error) {
		results <- err
	})
	if err := waitResult(t, results); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	c.Do(ami.NewAction("Hangup", "Channel", "PJSIP/none"), func(_ ami.Event, err error) {
		results <- err
	})
	err := waitResult(t, results)
	var respErr *ami.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if respErr.Action != "Hangup" || respErr.Message != "No such channel" {
		t.Errorf("unexpected response error: %+v", respErr)
	}

	fake.push("Event: Newstate\r\nChannel: PJSIP/1001-00000002\r\nChannelStateDesc: Up\r\n\r\n")
	select {
	case e := <-events:
		if e.Type() != "Newstate" {
			t.Errorf("expected Newstate, got %q", e.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	// An unanswered action stays pending until the session ends.
	c.Do(ami.NewAction("QueuePause", "Interface", "PJSIP/1001", "Paused", "true"), func(_ ami.Event, err error) {
		results <- err
	})
	select {
	case err := <-results:
		t.Fatalf("expected pending action, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	stopServe()
	if err := waitResult(t, results); !errors.Is(err, ami.ErrClosed) {
		t.Errorf("expected ErrClosed for pending action, got %v", err)
	}
	if err := waitResult(t, serveErr); err != nil {
		t.Errorf("expected nil from Serve after cancel, got %v", err)
	}

	c.Do(ami.NewAction("Ping"), func(_ ami.Event, err error) { results <- err })
	if err := waitResult(t, results); !errors.Is(err, ami.ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestClientLoginRejected(t *testing.T) {
	_, conn := newFakeAsterisk(t, func(a ami.Event) string {
		return "Response: Error\r\nActionID: " + a.ActionID() + "\r\nMessage: Authentication failed\r\n\r\n"
	})
	c := ami.NewClient(conn, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Login(ctx, "admin", "wrong")
	if err == nil || !strings.Contains(err.Error(), "Authentication failed") {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestActionEncode(t *testing.T) {
	a := ami.NewAction("Originate", "Channel", "PJSIP/1001").
		With("Exten", "07700900456\r\nAction: Hangup").
		With("Variable", "A=1").
		With("Variable", "B=2")

	got := string(a.Encode("id-1"))
	want := "Action: Originate\r\nActionID: id-1\r\nChannel: PJSIP/1001\r\nExten: 07700900456Action: Hangup\r\nVariable: A=1\r\nVariable: B=2\r\n\r\n"
	if got != want {
		t.Errorf("unexpected encoding:\n%q\nwant\n%q", got, want)
	}
	if a.Get("Variable") != "A=1" {
		t.Errorf("expected first Variable, got %q", a.Get("Variable"))
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}
