package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app error", Errorf(ENOTFOUND, "task not found"), ENOTFOUND},
		{"wrapped", fmt.Errorf("find: %w", Errorf(ECONFLICT, "dup")), ECONFLICT},
		{"plain", errors.New("boom"), EINTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	if got := ErrorMessage(fmt.Errorf("x: %w", Errorf(EINVALID, "Title is required."))); got != "Title is required." {
		t.Errorf("ErrorMessage: got %q", got)
	}
	if got := ErrorMessage(errors.New("sql: connection refused")); got != "Internal error." {
		t.Errorf("ErrorMessage: got %q, want generic message", got)
	}
}

func TestEnumsValid(t *testing.T) {
	for _, s := range []Status{StatusTodo, StatusInProgress, StatusDone} {
		if !s.Valid() {
			t.Errorf("Status %q: got invalid", s)
		}
	}
	if Status("done").Valid() {
		t.Error("lower-case status should be invalid")
	}
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		if !p.Valid() {
			t.Errorf("Priority %q: got invalid", p)
		}
	}
	if Priority("URGENT").Valid() {
		t.Error("unknown priority should be invalid")
	}
}

func TestTaskPatchEmpty(t *testing.T) {
	if !(TaskPatch{}).Empty() {
		t.Error("zero patch should be empty")
	}
	title := "x"
	if (TaskPatch{Title: &title}).Empty() {
		t.Error("patch with title should not be empty")
	}
}

func TestTaskPatchNulls(t *testing.T) {
	tests := []struct {
		body      string
		clearDesc bool
		clearPrio bool
		empty     bool
	}{
		{`{}`, false, false, true},
		{`{"title":"x"}`, false, false, false},
		{`{"description":null}`, true, false, false},
		{`{"priority":null,"title":"x"}`, false, true, false},
		{`{"description":"d","priority":"LOW"}`, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var p TaskPatch
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatal(err)
			}
			if p.ClearDescription != tt.clearDesc || p.ClearPriority != tt.clearPrio {
				t.Errorf("clear: got %v %v, want %v %v", p.ClearDescription, p.ClearPriority, tt.clearDesc, tt.clearPrio)
			}
			if p.Empty() != tt.empty {
				t.Errorf("Empty: got %v, want %v", p.Empty(), tt.empty)
			}
		})
	}
}

func TestTaskPatchMarshalNulls(t *testing.T) {
	title := "x"
	b, err := json.Marshal(TaskPatch{Title: &title, ClearPriority: true})
	if err != nil {
		t.Fatal(err)
	}
	var back TaskPatch
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.ClearPriority || back.ClearDescription || back.Title == nil || *back.Title != "x" {
		t.Errorf("round trip of %s: got %+v", b, back)
	}
}
