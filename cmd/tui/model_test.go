package main

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/client"
)

type fakeAPI struct {
	mu      sync.Mutex
	created []string
	toggled []string
	deleted []string
	tasks   []app.Task
}

func (f *fakeAPI) ListTasks(ctx context.Context) ([]app.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks, nil
}

func (f *fakeAPI) CreateTask(ctx context.Context, in app.TaskInput) (app.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in.Title)
	return app.Task{Title: in.Title}, nil
}

func (f *fakeAPI) ToggleComplete(ctx context.Context, id string) (app.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, id)
	return app.Task{ID: id}, nil
}

func (f *fakeAPI) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return app.Errorf(app.ENOTFOUND, "Task with ID %s not found.", id)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press feeds keys to m and runs any command they return.
func press(m *model, keys ...string) []tea.Msg {
	var msgs []tea.Msg
	for _, k := range keys {
		_, cmd := m.Update(key(k))
		if cmd != nil {
			msg := cmd()
			msgs = append(msgs, msg)
			m.Update(msg)
		}
	}
	return msgs
}

func fixture() (*model, *fakeAPI) {
	list := client.NewTaskList("a")
	list.Reset([]app.Task{
		{ID: "t1", UserID: "a", Title: "first", Status: app.StatusTodo},
		{ID: "t2", UserID: "a", Title: "second", Status: app.StatusDone, Completed: true},
	})
	api := &fakeAPI{}
	m := newModel(api, list, &app.User{ID: "a", Email: "a@example.com"}, nil, nil)
	m.Update(changedMsg{})
	return m, api
}

func TestNavigationAndToggle(t *testing.T) {
	m, api := fixture()
	press(m, "j", "j", " ")
	if m.cursor != 1 {
		t.Errorf("cursor: got %d, want 1", m.cursor)
	}
	press(m, "k", " ")
	if len(api.toggled) != 2 || api.toggled[0] != "t2" || api.toggled[1] != "t1" {
		t.Errorf("toggled: got %v", api.toggled)
	}
	// Responses are not applied locally; the list waits for the event.
	if m.tasks[0].Completed {
		t.Error("toggle response must not change the list")
	}
}

func TestAddTask(t *testing.T) {
	m, api := fixture()
	press(m, "a", "B", "u", "y", " ", "m", "i", "l", "x", "backspace", "k", "enter")
	if len(api.created) != 1 || api.created[0] != "Buy milk" {
		t.Errorf("created: got %q", api.created)
	}
	if m.adding {
		t.Error("still in input mode")
	}

	press(m, "a", "x", "esc")
	if len(api.created) != 1 {
		t.Errorf("esc must cancel, created: %q", api.created)
	}
}

func TestDeleteErrorShown(t *testing.T) {
	m, api := fixture()
	press(m, "d")
	if len(api.deleted) != 1 || api.deleted[0] != "t1" {
		t.Errorf("deleted: got %v", api.deleted)
	}
	if !strings.Contains(m.status, "not found") {
		t.Errorf("status: got %q", m.status)
	}
}

func TestReload(t *testing.T) {
	m, api := fixture()
	api.tasks = []app.Task{{ID: "t9", UserID: "a", Title: "fresh"}}
	press(m, "r")
	if len(m.tasks) != 1 || m.tasks[0].ID != "t9" || m.cursor != 0 {
		t.Errorf("after reload: got %+v cursor %d", m.tasks, m.cursor)
	}
}

func TestView(t *testing.T) {
	m, _ := fixture()
	v := m.View()
	for _, want := range []string{"taskflow - a@example.com", "Total: 2  Done: 1  Pending: 1", "> [ ] TODO", "[x] DONE", "q quit"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
}

func TestUnauthorizedWatchQuits(t *testing.T) {
	m, _ := fixture()
	_, cmd := m.Update(watchEndedMsg{err: app.Errorf(app.EUNAUTHORIZED, "Invalid or expired token.")})
	if cmd == nil || m.fatal == nil {
		t.Fatal("expected the program to quit with an error")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.Quit")
	}
}
