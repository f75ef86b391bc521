package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/client"
)

const requestTimeout = 10 * time.Second

// api is the part of client.Client the model drives.
type api interface {
	ListTasks(ctx context.Context) ([]app.Task, error)
	CreateTask(ctx context.Context, in app.TaskInput) (app.Task, error)
	ToggleComplete(ctx context.Context, id string) (app.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type model struct {
	api      api
	list     *client.TaskList
	user     *app.User
	changes  <-chan struct{}
	watchErr <-chan error

	tasks  []app.Task
	cursor int
	adding bool
	input  string
	status string
	fatal  error
}

// changedMsg means the shared list was modified by the watcher.
type changedMsg struct{}

// doneMsg reports the outcome of an API call.
type doneMsg struct {
	what string
	err  error
}

type watchEndedMsg struct{ err error }

func newModel(a api, list *client.TaskList, user *app.User, changes <-chan struct{}, watchErr <-chan error) *model {
	return &model{
		api:      a,
		list:     list,
		user:     user,
		changes:  changes,
		watchErr: watchErr,
		status:   "connecting...",
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.changes), waitForWatch(m.watchErr))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.adding {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.tasks)-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case " ", "space":
			if t, ok := m.selected(); ok {
				return m, m.call("toggle", func(ctx context.Context) error {
					_, err := m.api.ToggleComplete(ctx, t.ID)
					return err
				})
			}
		case "d":
			if t, ok := m.selected(); ok {
				return m, m.call("delete", func(ctx context.Context) error {
					return m.api.DeleteTask(ctx, t.ID)
				})
			}
		case "a":
			m.adding = true
			m.input = ""
		case "r":
			return m, m.call("reload", func(ctx context.Context) error {
				tasks, err := m.api.ListTasks(ctx)
				if err != nil {
					return err
				}
				m.list.Reset(tasks)
				return nil
			})
		}
	case changedMsg:
		m.sync()
		m.status = ""
		return m, waitForChange(m.changes)
	case doneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %s", msg.what, app.ErrorMessage(msg.err))
		} else if msg.what == "reload" {
			m.sync()
			m.status = "reloaded"
		}
	case watchEndedMsg:
		if msg.err != nil && app.ErrorCode(msg.err) == app.EUNAUTHORIZED {
			m.fatal = msg.err
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyCtrlC:
		m.adding = false
		m.input = ""
	case tea.KeyEnter:
		title := strings.TrimSpace(m.input)
		m.adding = false
		m.input = ""
		if title == "" {
			return m, nil
		}
		return m, m.call("add", func(ctx context.Context) error {
			_, err := m.api.CreateTask(ctx, app.TaskInput{Title: title})
			return err
		})
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

// sync copies the shared list into the model and keeps the cursor in range.
func (m *model) sync() {
	m.tasks = m.list.Tasks()
	if m.cursor >= len(m.tasks) {
		m.cursor = len(m.tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *model) selected() (app.Task, bool) {
	if m.cursor < 0 || m.cursor >= len(m.tasks) {
		return app.Task{}, false
	}
	return m.tasks[m.cursor], true
}

func (m *model) call(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return doneMsg{what: what, err: fn(ctx)}
	}
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func waitForWatch(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return watchEndedMsg{err: <-ch}
	}
}

func (m *model) View() string {
	var b strings.Builder
	writeTitle(&b, m.user)
	writeStats(&b, m.list.Stats())

	if len(m.tasks) == 0 {
		b.WriteString("  No tasks yet. Press a to add one.\n\n")
	}
	for i, t := range m.tasks {
		cursor := " "
		if i == m.cursor {
			cursor = ">"
		}
		b.WriteString(fmt.Sprintf("%s %s\n", cursor, formatTask(t)))
	}
	if len(m.tasks) > 0 {
		b.WriteString("\n")
	}

	if m.adding {
		b.WriteString(fmt.Sprintf("New task: %s_\n\n", m.input))
	}
	if m.status != "" {
		b.WriteString(m.status + "\n\n")
	}
	writeFooter(&b, m.adding)
	return b.String()
}

func writeTitle(b *strings.Builder, u *app.User) {
	title := "taskflow"
	if u != nil {
		who := u.Name
		if who == "" {
			who = u.Email
		}
		title += " - " + who
	}
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")
}

func writeStats(b *strings.Builder, s app.Stats) {
	b.WriteString(fmt.Sprintf("  Total: %d  Done: %d  Pending: %d\n\n", s.Total, s.Completed, s.Pending))
}

func writeFooter(b *strings.Builder, adding bool) {
	if adding {
		b.WriteString("enter save | esc cancel\n")
		return
	}
	b.WriteString("j/k move | space toggle | d delete | a add | r reload | q quit\n")
}

func formatTask(t app.Task) string {
	check := "[ ]"
	if t.Completed {
		check = "[x]"
	}
	line := fmt.Sprintf("%s %-11s %s", check, t.Status, t.Title)
	if t.Priority != nil {
		line += fmt.Sprintf(" (%s)", *t.Priority)
	}
	return line
}
