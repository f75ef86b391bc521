package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	app "github.com/etitcombe/taskflow"
)

const taskColumns = `id, user_id, title, description, status, completed, priority, created_at, updated_at`

// TaskStore stores tasks.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a new instance of a TaskStore.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

var _ app.TaskStore = (*TaskStore)(nil)

// CreateTask inserts t. The caller sets ID, UserID and the timestamps.
func (s *TaskStore) CreateTask(ctx context.Context, t *app.Task) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insert(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// FindTask gets a task by id. A task owned by someone else is reported as
// not found.
func (s *TaskStore) FindTask(ctx context.Context, userID, id string) (app.Task, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return app.Task{}, err
	}
	defer tx.Rollback()

	return s.get(ctx, tx, userID, id)
}

// FindTasks gets every task of a user, newest first.
func (s *TaskStore) FindTasks(ctx context.Context, userID string) ([]app.Task, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.db.rebind(`SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []app.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies the non-nil and cleared fields of patch in a single
// statement, so concurrent patches touching different fields both survive.
func (s *TaskStore) UpdateTask(ctx context.Context, userID, id string, patch app.TaskPatch, now time.Time) (app.Task, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return app.Task{}, err
	}
	defer tx.Rollback()

	var (
		sets []string
		args []interface{}
	)
	if v := patch.Title; v != nil {
		sets, args = append(sets, "title = ?"), append(args, *v)
	}
	if v := patch.Description; v != nil {
		sets, args = append(sets, "description = ?"), append(args, *v)
	} else if patch.ClearDescription {
		sets = append(sets, "description = NULL")
	}
	if v := patch.Status; v != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*v))
	}
	if v := patch.Priority; v != nil {
		sets, args = append(sets, "priority = ?"), append(args, string(*v))
	} else if patch.ClearPriority {
		sets = append(sets, "priority = NULL")
	}
	if v := patch.Completed; v != nil {
		sets, args = append(sets, "completed = ?"), append(args, *v)
	}
	sets, args = append(sets, "updated_at = ?"), append(args, now)
	args = append(args, id, userID)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND user_id = ?`, strings.Join(sets, ", "))
	if err := s.exec(ctx, tx, query, args...); err != nil {
		return app.Task{}, notFoundTask(err, id)
	}

	t, err := s.get(ctx, tx, userID, id)
	if err != nil {
		return app.Task{}, err
	}
	return t, tx.Commit()
}

// ToggleTask flips completed. When the new value is true the status becomes
// DONE; turning it back off leaves the status alone.
func (s *TaskStore) ToggleTask(ctx context.Context, userID, id string, now time.Time) (app.Task, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return app.Task{}, err
	}
	defer tx.Rollback()

	// SET expressions see the row as it was before the update.
	err = s.exec(ctx, tx, `UPDATE tasks SET
		status = CASE WHEN completed THEN status ELSE 'DONE' END,
		completed = NOT completed,
		updated_at = ?
		WHERE id = ? AND user_id = ?`, now, id, userID)
	if err != nil {
		return app.Task{}, notFoundTask(err, id)
	}

	t, err := s.get(ctx, tx, userID, id)
	if err != nil {
		return app.Task{}, err
	}
	return t, tx.Commit()
}

// DeleteTask deletes the task matching id and owner.
func (s *TaskStore) DeleteTask(ctx context.Context, userID, id string) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.exec(ctx, tx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return notFoundTask(err, id)
	}
	return tx.Commit()
}

// TaskStats counts a user's tasks. Completed means status DONE; the
// completed flag is not consulted.
func (s *TaskStore) TaskStats(ctx context.Context, userID string) (app.Stats, error) {
	var st app.Stats
	row := s.db.db.QueryRowContext(ctx, s.db.rebind(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE user_id = ?`), userID)
	if err := row.Scan(&st.Total, &st.Completed); err != nil {
		return app.Stats{}, err
	}
	st.Pending = st.Total - st.Completed
	return st, nil
}

func (s *TaskStore) insert(ctx context.Context, tx *sql.Tx, t *app.Task) error {
	var priority interface{}
	if t.Priority != nil {
		priority = string(*t.Priority)
	}
	var description interface{}
	if t.Description != nil {
		description = *t.Description
	}

	_, err := tx.ExecContext(ctx, s.db.rebind(`INSERT INTO tasks
		(`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.Title, description, string(t.Status), t.Completed, priority,
		t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return app.Errorf(app.ECONFLICT, "Task %s already exists.", t.ID)
	}
	return err
}

func (s *TaskStore) get(ctx context.Context, tx *sql.Tx, userID, id string) (app.Task, error) {
	row := tx.QueryRowContext(ctx, s.db.rebind(`SELECT `+taskColumns+` FROM tasks
		WHERE id = ? AND user_id = ?`), id, userID)
	t, err := scanTask(row)
	if err != nil {
		return app.Task{}, notFound(err, "Task with ID %s not found.", id)
	}
	return t, nil
}

// exec runs a statement that must touch exactly one row.
func (s *TaskStore) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func notFoundTask(err error, id string) error {
	return notFound(err, "Task with ID %s not found.", id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (app.Task, error) {
	var (
		t           app.Task
		status      string
		description sql.NullString
		priority    sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &description, &status, &t.Completed, &priority,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return app.Task{}, err
	}
	t.Status = app.Status(status)
	if description.Valid {
		t.Description = &description.String
	}
	if priority.Valid {
		p := app.Priority(priority.String)
		t.Priority = &p
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
