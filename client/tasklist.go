package client

import (
	"sync"

	app "github.com/etitcombe/taskflow"
)

// TaskList is the local, ordered copy of one user's tasks. It is changed
// only by Reset and by events from the server: responses to writes are not
// applied, the broadcast echo is.
type TaskList struct {
	mu    sync.Mutex
	owner string
	tasks []app.Task
}

// NewTaskList returns an empty list for owner. Events about tasks of any
// other user are ignored; an empty owner accepts everything.
func NewTaskList(owner string) *TaskList {
	return &TaskList{owner: owner}
}

// Owner returns the user the list belongs to.
func (l *TaskList) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// SetOwner changes the owner, e.g. after logging in.
func (l *TaskList) SetOwner(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
}

// Reset replaces the whole list.
func (l *TaskList) Reset(tasks []app.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(make([]app.Task, 0, len(tasks)), tasks...)
}

// Apply merges ev into the list and reports whether anything changed.
func (l *TaskList) Apply(ev app.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Type {
	case app.EventTaskCreated:
		if ev.Task == nil || !l.mine(ev.Task) || l.index(ev.Task.ID) >= 0 {
			return false
		}
		l.tasks = append([]app.Task{*ev.Task}, l.tasks...)
		return true
	case app.EventTaskUpdated:
		if ev.Task == nil || !l.mine(ev.Task) {
			return false
		}
		i := l.index(ev.Task.ID)
		if i < 0 {
			return false
		}
		l.tasks[i] = *ev.Task
		return true
	case app.EventTaskDeleted:
		i := l.index(ev.TaskID)
		if i < 0 {
			return false
		}
		l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
		return true
	}
	return false
}

// Tasks returns a copy of the list in display order.
func (l *TaskList) Tasks() []app.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]app.Task(nil), l.tasks...)
}

// Len returns the number of tasks.
func (l *TaskList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Stats counts the list the same way the server does: completed means
// status DONE.
func (l *TaskList) Stats() app.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := app.Stats{Total: len(l.tasks)}
	for _, t := range l.tasks {
		if t.Status == app.StatusDone {
			s.Completed++
		}
	}
	s.Pending = s.Total - s.Completed
	return s
}

func (l *TaskList) mine(t *app.Task) bool {
	return l.owner == "" || t.UserID == l.owner
}

func (l *TaskList) index(id string) int {
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			return i
		}
	}
	return -1
}
