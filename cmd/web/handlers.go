package main

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	app "github.com/etitcombe/taskflow"
	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://taskflow.local/schema/"

func (s *server) parseSchemas() {
	compiler := jsonschema.NewCompiler()
	schemas := map[string]*jsonschema.Schema{}
	for _, name := range []string{"register", "login", "task_create", "task_update"} {
		b, err := schemaFS.ReadFile("schema/" + name + ".json")
		if err != nil {
			panic(err)
		}
		url := schemaBaseURL + name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
			panic(err)
		}
		schemas[name] = compiler.MustCompile(url)
	}
	s.schemas = schemas
}

// decode reads the JSON body, checks it against the named schema and
// unmarshals it into dst. It writes the error response and returns false
// when the body is unusable.
func (s *server) decode(w http.ResponseWriter, r *http.Request, schema string, dst interface{}) bool {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.clientError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return false
		}
		s.clientError(w, http.StatusBadRequest, "Cannot read request body.")
		return false
	}
	if len(bytes.TrimSpace(b)) == 0 {
		s.clientError(w, http.StatusBadRequest, "Request body is required.")
		return false
	}

	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		s.clientError(w, http.StatusBadRequest, "Malformed JSON.")
		return false
	}
	if err := s.schemas[schema].Validate(doc); err != nil {
		s.clientError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		s.clientError(w, http.StatusBadRequest, "Malformed JSON.")
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	collectSchemaErrors(&msgs, ve)
	return strings.Join(msgs, "; ")
}

func collectSchemaErrors(msgs *[]string, err *jsonschema.ValidationError) {
	if len(err.Causes) == 0 {
		field := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
		if field == "" {
			*msgs = append(*msgs, err.Message)
		} else {
			*msgs = append(*msgs, field+": "+err.Message)
		}
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(msgs, cause)
	}
}

func (s *server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}

func (s *server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if !s.decode(w, r, "register", &in) {
			return
		}

		sess, err := s.issuer.Register(r.Context(), in.Email, in.Password, in.Name)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.logger.Info("user registered", "user", sess.User.ID)
		s.writeJSON(w, http.StatusCreated, sess)
	}
}

func (s *server) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !s.decode(w, r, "login", &in) {
			return
		}

		sess, err := s.issuer.Login(r.Context(), in.Email, in.Password)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, sess)
	}
}

func (s *server) handleProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.currentUser(r))
	}
}

func (s *server) handleListTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.tasks.List(r.Context(), s.currentUser(r).ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, tasks)
	}
}

func (s *server) handleGetTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.tasks.Get(r.Context(), s.currentUser(r).ID, chi.URLParam(r, "id"))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, t)
	}
}

func (s *server) handleCreateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The owner always comes from the token; a userId in the body is
		// not part of TaskInput and is dropped.
		var in app.TaskInput
		if !s.decode(w, r, "task_create", &in) {
			return
		}

		t, err := s.tasks.Create(r.Context(), s.currentUser(r).ID, in)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, t)
	}
}

func (s *server) handleUpdateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch app.TaskPatch
		if !s.decode(w, r, "task_update", &patch) {
			return
		}

		t, err := s.tasks.Update(r.Context(), s.currentUser(r).ID, chi.URLParam(r, "id"), patch)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, t)
	}
}

func (s *server) handleToggleComplete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.tasks.ToggleComplete(r.Context(), s.currentUser(r).ID, chi.URLParam(r, "id"))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, t)
	}
}

func (s *server) handleDeleteTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.tasks.Delete(r.Context(), s.currentUser(r).ID, chi.URLParam(r, "id")); err != nil {
			s.respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.tasks.Stats(r.Context(), s.currentUser(r).ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}
