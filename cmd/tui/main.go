// Command tui is a terminal client for a taskflow server. It logs in, keeps
// the list live over the realtime socket and edits tasks through the REST
// API; the list only changes when the server's events arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/etitcombe/taskflow/client"
)

func main() {
	var (
		server   string
		email    string
		password string
		name     string
		register bool
	)
	flag.StringVar(&server, "server", envOr("TASKFLOW_URL", "http://localhost:8080"), "the taskflow server")
	flag.StringVar(&email, "email", os.Getenv("TASKFLOW_EMAIL"), "account email")
	flag.StringVar(&password, "password", os.Getenv("TASKFLOW_PASSWORD"), "account password")
	flag.StringVar(&name, "name", "", "display name when registering")
	flag.BoolVar(&register, "register", false, "create the account instead of logging in")
	flag.Parse()

	if email == "" || password == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), server, email, password, name, register); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, server, email, password, name string, register bool) error {
	if !isTTY(os.Stdout) {
		return fmt.Errorf("tui requires a TTY")
	}

	c := client.New(server)
	var (
		sess *auth.Session
		err  error
	)
	if register {
		sess, err = c.Register(ctx, email, password, name)
	} else {
		sess, err = c.Login(ctx, email, password)
	}
	if err != nil {
		return fmt.Errorf("signing in: %s", app.ErrorMessage(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	list := client.NewTaskList(sess.User.ID)
	changes := make(chan struct{}, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.Watch(ctx, list, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	m := newModel(c, list, sess.User, changes, watchErr)
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(*model); ok && fm.fatal != nil {
		return fm.fatal
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
