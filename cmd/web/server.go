package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	charmlog "github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/etitcombe/taskflow/realtime"
	"github.com/etitcombe/taskflow/tasks"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type contextKey string

const (
	apiPrefix = "/api/v1"

	userKey    contextKey = "user"
	authErrKey contextKey = "auth-error"

	maxBodyBytes = 1 << 20
)

type serverOptions struct {
	origins    []string
	rateLimit  int
	rateWindow time.Duration
}

type server struct {
	logger   *charmlog.Logger
	infoLog  *log.Logger
	errorLog *log.Logger

	router http.Handler

	issuer *auth.Issuer
	tasks  *tasks.Service
	hub    *realtime.Hub

	schemas map[string]*jsonschema.Schema
	opts    serverOptions
}

// errorBody is the JSON document written for every failed request.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func newServer(logger *charmlog.Logger, issuer *auth.Issuer, svc *tasks.Service, hub *realtime.Hub, opts serverOptions) *server {
	srv := &server{
		logger:   logger,
		infoLog:  logger.StandardLog(charmlog.StandardLogOptions{ForceLevel: charmlog.InfoLevel}),
		errorLog: logger.StandardLog(charmlog.StandardLogOptions{ForceLevel: charmlog.ErrorLevel}),
		issuer:   issuer,
		tasks:    svc,
		hub:      hub,
		opts:     opts,
	}
	srv.parseSchemas()
	srv.registerRoutes()
	return srv
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", "err", err)
	}
}

func (s *server) clientError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	s.writeJSON(w, status, errorBody{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

func (s *server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	trace := fmt.Sprintf("%s %s: %s\n%s", r.Method, r.URL.Path, err.Error(), debug.Stack())
	s.errorLog.Output(2, trace)

	s.clientError(w, http.StatusInternalServerError, app.ErrorMessage(err))
}

// respondError writes err with the status matching its code.
func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := app.ErrorCode(err)
	if code == app.EINTERNAL {
		s.serverError(w, r, err)
		return
	}
	s.clientError(w, statusFor(code), app.ErrorMessage(err))
}

func statusFor(code string) int {
	switch code {
	case app.EINVALID:
		return http.StatusBadRequest
	case app.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case app.ECONFLICT:
		return http.StatusConflict
	case app.ENOTFOUND:
		return http.StatusNotFound
	case app.ERATELIMITED:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (s *server) currentUser(r *http.Request) *app.User {
	if temp := r.Context().Value(userKey); temp != nil {
		if u, ok := temp.(*app.User); ok {
			return u
		}
		s.errorLog.Printf("currentUser context.value is not a *app.User: %v", temp)
	}
	return nil
}
