package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/etitcombe/logifymw"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

func (s *server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(s.recoverPanicMw)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.Limit(s.opts.rateLimit, s.opts.rateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.respondError(w, r, app.Errorf(app.ERATELIMITED, "Too many requests, slow down."))
		}),
	))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.clientError(w, http.StatusNotFound, "Route not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.clientError(w, http.StatusMethodNotAllowed, "")
	})

	// The socket bypasses the request logger so the connection can be
	// hijacked by the upgrader.
	r.Get("/ws", s.hub.Handler(s.issuer).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.logRequestsMw, headersMw, s.authenticate)

		r.Get("/healthz", s.handleHealth())

		r.Route(apiPrefix, func(r chi.Router) {
			r.Post("/auth/register", s.handleRegister())
			r.Post("/auth/login", s.handleLogin())

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuthentication)
				r.Get("/auth/profile", s.handleProfile())
				r.Get("/tasks", s.handleListTasks())
				r.Post("/tasks", s.handleCreateTask())
				r.Get("/tasks/{id}", s.handleGetTask())
				r.Put("/tasks/{id}", s.handleUpdateTask())
				r.Patch("/tasks/{id}/complete", s.handleToggleComplete())
				r.Delete("/tasks/{id}", s.handleDeleteTask())
				r.Get("/analytics/stats", s.handleStats())
			})
		})
	})

	s.router = r
}

// authenticate puts the user behind a valid bearer token in the request
// context. Requests without one carry on anonymously; requireAuthentication
// decides whether that is allowed.
func (s *server) authenticate(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.ServeHTTP(w, r)
			return
		}

		u, err := s.issuer.Authenticate(r.Context(), token)
		if err != nil {
			if app.ErrorCode(err) == app.EINTERNAL {
				s.serverError(w, r, err)
				return
			}
			s.logger.Debug("rejected token", "err", err)
			r = r.WithContext(context.WithValue(r.Context(), authErrKey, err))
			h.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, u)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) logRequestsMw(next http.Handler) http.Handler {
	return logifymw.LogIt2(s.infoLog, next)
}

func headersMw(next http.Handler) http.Handler {
	var headers = map[string]string{
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}

		next.ServeHTTP(w, r)
	})
}

func (s *server) recoverPanicMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				s.serverError(w, r, fmt.Errorf("%s", err))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *server) requireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.currentUser(r) == nil {
			if err, ok := r.Context().Value(authErrKey).(error); ok {
				s.respondError(w, r, err)
				return
			}
			s.respondError(w, r, app.Errorf(app.EUNAUTHORIZED, "Authentication required."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
