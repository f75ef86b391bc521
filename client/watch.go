package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/realtime"
	"github.com/gorilla/websocket"
)

// Backoff bounds for Watch reconnects.
var (
	MinBackoff = 500 * time.Millisecond
	MaxBackoff = 30 * time.Second
)

// Subscription is a live event stream from the server.
type Subscription struct {
	ws   *websocket.Conn
	stop func() bool
}

// Subscribe opens the realtime socket. The subscription is closed when ctx
// is done or Close is called.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	u := c.BaseURL + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	hdr := http.Header{}
	if c.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.Token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, app.Errorf(app.EUNAUTHORIZED, "Invalid or expired token.")
		}
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}

	s := &Subscription{ws: ws}
	s.stop = context.AfterFunc(ctx, func() { ws.Close() })
	return s, nil
}

// Next blocks until the next event arrives or the connection ends.
func (s *Subscription) Next() (app.Event, error) {
	for {
		_, b, err := s.ws.ReadMessage()
		if err != nil {
			return app.Event{}, err
		}
		ev, err := Decode(b)
		if err != nil {
			// Unknown or malformed messages are skipped.
			continue
		}
		return ev, nil
	}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.stop()
	return s.ws.Close()
}

// Decode parses a realtime message into an event.
func Decode(b []byte) (app.Event, error) {
	var m realtime.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return app.Event{}, err
	}
	ev := app.Event{Type: m.Event}
	switch m.Event {
	case app.EventTaskCreated, app.EventTaskUpdated:
		var t app.Task
		if err := json.Unmarshal(m.Data, &t); err != nil {
			return app.Event{}, err
		}
		ev.Task = &t
		ev.OwnerID = t.UserID
	case app.EventTaskDeleted:
		if err := json.Unmarshal(m.Data, &ev.TaskID); err != nil {
			return app.Event{}, err
		}
	default:
		return app.Event{}, fmt.Errorf("unknown event %q", m.Event)
	}
	return ev, nil
}

// Watch keeps list in sync until ctx is done. Each connection subscribes
// first and then reloads the whole list, so nothing published in between is
// lost. When the socket drops Watch reconnects with exponential backoff.
// onChange, if not nil, is called after every reload and every event that
// changed the list. Watch returns ctx.Err(), or an unauthorized error when
// the server rejects the token.
func (c *Client) Watch(ctx context.Context, list *TaskList, onChange func()) error {
	notify := func() {
		if onChange != nil {
			onChange()
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = MinBackoff
	b.MaxInterval = MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(func() error {
		err := c.watchOnce(ctx, list, notify, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if app.ErrorCode(err) == app.EUNAUTHORIZED {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (c *Client) watchOnce(ctx context.Context, list *TaskList, notify, connected func()) error {
	sub, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return err
	}
	list.Reset(tasks)
	connected()
	notify()

	for {
		ev, err := sub.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}
		if list.Apply(ev) {
			notify()
		}
	}
}
