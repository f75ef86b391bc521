package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/gorilla/websocket"
)

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(ctx context.Context, token string) (*app.User, error) {
	if id, ok := a[token]; ok {
		return &app.User{ID: id}, nil
	}
	return nil, app.Errorf(app.EUNAUTHORIZED, "Invalid token.")
}

func startHub(t *testing.T, scope Scope) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(scope, log.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler(tokenAuth{"tok-a": "a", "tok-b": "b"}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d, want %d", h.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func taskEvent(typ, owner, id string) app.Event {
	return app.Event{Type: typ, OwnerID: owner, Task: &app.Task{ID: id, UserID: owner, Title: id, Status: app.StatusTodo}}
}

func TestEncode(t *testing.T) {
	b, err := Encode(app.Event{Type: app.EventTaskDeleted, OwnerID: "a", TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"event":"taskDeleted","data":"t1"}` {
		t.Errorf("deleted: got %s", b)
	}

	b, err = Encode(taskEvent(app.EventTaskCreated, "a", "t2"))
	if err != nil {
		t.Fatal(err)
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	var task app.Task
	if err := json.Unmarshal(m.Data, &task); err != nil {
		t.Fatal(err)
	}
	if m.Event != app.EventTaskCreated || task.ID != "t2" || task.UserID != "a" {
		t.Errorf("created: got %s %+v", m.Event, task)
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"", ScopeOwner, false},
		{"owner", ScopeOwner, false},
		{"GLOBAL", ScopeGlobal, false},
		{"room", ScopeOwner, true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseScope(%q): got %v, %v", tt.in, got, err)
		}
	}
}

func TestOwnerScopedDelivery(t *testing.T) {
	h, srv := startHub(t, ScopeOwner)
	a := dial(t, srv, "tok-a")
	b := dial(t, srv, "tok-b")
	waitForClients(t, h, 2)

	h.Publish(taskEvent(app.EventTaskCreated, "a", "for-a"))
	h.Publish(taskEvent(app.EventTaskUpdated, "b", "for-b"))

	if m := read(t, a); m.Event != app.EventTaskCreated || !strings.Contains(string(m.Data), "for-a") {
		t.Errorf("a: got %s %s", m.Event, m.Data)
	}
	// b must skip a's event and see its own first.
	if m := read(t, b); m.Event != app.EventTaskUpdated || !strings.Contains(string(m.Data), "for-b") {
		t.Errorf("b: got %s %s, want only its own event", m.Event, m.Data)
	}
}

func TestGlobalDelivery(t *testing.T) {
	h, srv := startHub(t, ScopeGlobal)
	a := dial(t, srv, "tok-a")
	b := dial(t, srv, "tok-b")
	waitForClients(t, h, 2)

	h.Publish(app.Event{Type: app.EventTaskDeleted, OwnerID: "a", TaskID: "t1"})

	for name, ws := range map[string]*websocket.Conn{"a": a, "b": b} {
		m := read(t, ws)
		if m.Event != app.EventTaskDeleted || string(m.Data) != `"t1"` {
			t.Errorf("%s: got %s %s", name, m.Event, m.Data)
		}
	}
}

func TestEveryConnectionOfOwnerReceives(t *testing.T) {
	h, srv := startHub(t, ScopeOwner)
	first := dial(t, srv, "tok-a")
	second := dial(t, srv, "tok-a")
	waitForClients(t, h, 2)

	h.Publish(taskEvent(app.EventTaskCreated, "a", "t1"))
	for _, ws := range []*websocket.Conn{first, second} {
		if m := read(t, ws); m.Event != app.EventTaskCreated {
			t.Errorf("got %s", m.Event)
		}
	}
}

func TestRejectsBadToken(t *testing.T) {
	_, srv := startHub(t, ScopeOwner)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %v, want 401", resp)
	}
}

func TestHeaderToken(t *testing.T) {
	h, srv := startHub(t, ScopeOwner)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	hdr := http.Header{"Authorization": []string{"Bearer tok-b"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitForClients(t, h, 1)
}

func TestDisconnectUnregisters(t *testing.T) {
	h, srv := startHub(t, ScopeOwner)
	ws := dial(t, srv, "tok-a")
	waitForClients(t, h, 1)
	ws.Close()
	waitForClients(t, h, 0)

	// Publishing to nobody is fine.
	h.Publish(taskEvent(app.EventTaskCreated, "a", "t1"))
}

func TestPublishAfterCloseDoesNotBlock(t *testing.T) {
	h := NewHub(ScopeOwner, log.New(io.Discard))
	h.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(taskEvent(app.EventTaskCreated, "a", "t"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked after Close")
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	// Run is never started, so nothing drains the queue.
	h := NewHub(ScopeOwner, log.New(io.Discard))
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+10; i++ {
			h.Publish(taskEvent(app.EventTaskCreated, "a", "t"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if got := len(h.broadcast); got != queueSize {
		t.Errorf("queued: got %d, want %d", got, queueSize)
	}
}

func TestScope(t *testing.T) {
	for _, scope := range []Scope{ScopeOwner, ScopeGlobal} {
		h := NewHub(scope, log.New(io.Discard))
		if got := h.Scope(); got != scope {
			t.Errorf("Scope: got %v, want %v", got, scope)
		}
	}
}
