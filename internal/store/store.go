package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/task"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var ErrUserExists = errors.New("user already exists")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		permission TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		priority INTEGER NOT NULL,
		submitter TEXT NOT NULL,
		state TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		submitted INTEGER NOT NULL DEFAULT 0,
		started INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		first_index INTEGER NOT NULL,
		next_index INTEGER NOT NULL,
		last_index INTEGER NOT NULL,
		interrupted BOOLEAN NOT NULL DEFAULT false,
		queued BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS task_parameters (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (task_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS process_runs (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		started INTEGER NOT NULL,
		ended INTEGER NOT NULL DEFAULT 0,
		exit_value INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		user TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, seq)
	)`,
}

// InitDB opens the sqlite database at dbPath and creates missing tables.
// The database may be shared with other conan processes.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return db, nil
}

// PipelineLookup resolves pipelines of restored tasks.
type PipelineLookup interface {
	Lookup(ctx context.Context, name string) (*pipeline.Pipeline, error)
}

type PipelineLookupFunc func(ctx context.Context, name string) (*pipeline.Pipeline, error)

func (f PipelineLookupFunc) Lookup(ctx context.Context, name string) (*pipeline.Pipeline, error) {
	return f(ctx, name)
}

// Store persists tasks and users in sqlite.
type Store struct {
	db        *sql.DB
	pipelines PipelineLookup
	listeners []task.Listener
}

// New returns a store. Restored tasks get the store writer followed by
// listeners attached.
func New(db *sql.DB, pipelines PipelineLookup, listeners ...task.Listener) *Store {
	return &Store{
		db:        db,
		pipelines: pipelines,
		listeners: listeners,
	}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// SaveTask stores the whole task, assigning a new id on the first save.
// The snapshot is taken once the transaction holds the connection, so
// concurrent saves of a task commit in the order of its changes. A stored
// COMPLETED or ABORTED task row is never overwritten, its process runs
// still are.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	if t.ID() == "" {
		t.SetID(uuid.NewString())
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		r := t.Record()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (
				id, name, pipeline, priority, submitter, state, status_message,
				created, submitted, started, completed,
				first_index, next_index, last_index, interrupted
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				status_message = excluded.status_message,
				created = excluded.created,
				submitted = excluded.submitted,
				started = excluded.started,
				completed = excluded.completed,
				next_index = excluded.next_index,
				last_index = excluded.last_index,
				interrupted = excluded.interrupted
			WHERE tasks.state NOT IN (?, ?)`,
			r.ID, r.Name, r.Pipeline, int(r.Priority), r.Submitter.Name, r.State.String(), r.StatusMessage,
			nanos(r.Created), nanos(r.Submitted), nanos(r.Started), nanos(r.Completed),
			r.First, r.Next, r.Last, r.Interrupted,
			task.Completed.String(), task.Aborted.String(),
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_parameters WHERE task_id=?`, r.ID); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		for name, value := range r.Values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_parameters (task_id, name, value) VALUES (?,?,?)`, r.ID, name, value,
			); err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}

		for _, run := range r.Runs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO process_runs (task_id, seq, process_name, started, ended, exit_value, error_message, user)
				VALUES (?,?,?,?,?,?,?,?)
				ON CONFLICT(task_id, seq) DO UPDATE SET
					ended = excluded.ended,
					exit_value = excluded.exit_value,
					error_message = excluded.error_message`,
				r.ID, run.ID, run.ProcessName, nanos(run.Started), nanos(run.Ended), run.ExitValue, run.ErrorMessage, run.User,
			)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
		return nil
	})
}

// Task returns the task identified by id or model.ErrNotFound.
func (s *Store) Task(ctx context.Context, id string) (*task.Task, error) {
	tasks, err := s.query(ctx, `WHERE t.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return tasks[0], nil
}

// Tasks returns every task matching f. Tasks of unknown pipelines are
// skipped.
func (s *Store) Tasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, 0, len(f.States))
		for _, st := range f.States {
			marks = append(marks, "?")
			args = append(args, st.String())
		}
		where = append(where, "t.state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Pipeline != "" {
		where = append(where, "t.pipeline = ?")
		args = append(args, f.Pipeline)
	}
	if f.Submitter != "" {
		where = append(where, "t.submitter = ?")
		args = append(args, f.Submitter)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, clause, args...)
}

// QueueTask marks a CREATED task to be submitted by a running service.
func (s *Store) QueueTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET queued = true WHERE id = ? AND state = ?`, id, task.Created.String())
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queueing task %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ClaimQueuedTasks returns the queued tasks and clears their mark in a
// single statement, so every queued task is returned once, even with
// several processes sharing the database.
func (s *Store) ClaimQueuedTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks SET queued = false WHERE queued AND state = ? RETURNING id`, task.Created.String())
	if err != nil {
		return nil, fmt.Errorf("executing sql update failed: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning task id failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	marks := strings.Repeat("?,", len(ids))
	return s.query(ctx, `WHERE t.id IN (`+marks[:len(marks)-1]+`)`, ids...)
}

// RecoverableTasks returns the tasks a previous run left unfinished:
// submitted, running or paused by an interruption.
func (s *Store) RecoverableTasks(ctx context.Context) ([]*task.Task, error) {
	return s.query(ctx,
		`WHERE t.state IN (?,?,?) OR (t.state = ? AND t.interrupted)`,
		task.Submitted.String(), task.Running.String(), task.Recovered.String(), task.Paused.String(),
	)
}

func (s *Store) query(ctx context.Context, clause string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.pipeline, t.priority, t.submitter, t.state, t.status_message,
			t.created, t.submitted, t.started, t.completed,
			t.first_index, t.next_index, t.last_index, t.interrupted,
			COALESCE(u.id, 0), COALESCE(u.first_name, ''), COALESCE(u.last_name, ''),
			COALESCE(u.email, ''), COALESCE(u.permission, '')
		FROM tasks t LEFT JOIN users u ON u.name = t.submitter `+clause+`
		ORDER BY t.created`, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var records []task.Record
	for rows.Next() {
		var (
			r                                   task.Record
			priority                            int
			state, permission                   string
			created, submitted, started, finish int64
		)
		err := rows.Scan(
			&r.ID, &r.Name, &r.Pipeline, &priority, &r.Submitter.Name, &state, &r.StatusMessage,
			&created, &submitted, &started, &finish,
			&r.First, &r.Next, &r.Last, &r.Interrupted,
			&r.Submitter.ID, &r.Submitter.FirstName, &r.Submitter.LastName,
			&r.Submitter.Email, &permission,
		)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning task row failed: %w", err)
		}
		r.Priority = task.Priority(priority)
		if r.State, err = task.ParseState(state); err != nil {
			_ = rows.Close()
			return nil, err
		}
		r.Submitter.Permission = parsePermission(permission)
		r.Created, r.Submitted, r.Started, r.Completed = fromNanos(created), fromNanos(submitted), fromNanos(started), fromNanos(finish)
		records = append(records, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(records))
	for _, r := range records {
		if r.Values, err = s.values(ctx, r.ID); err != nil {
			return nil, err
		}
		if r.Runs, err = s.runs(ctx, r.ID); err != nil {
			return nil, err
		}
		p, err := s.pipelines.Lookup(ctx, r.Pipeline)
		if err != nil {
			slog.WarnContext(ctx, "task skipped, pipeline not available", "task", r.ID, "pipeline", r.Pipeline, "error", err)
			continue
		}
		listeners := append([]task.Listener{Writer(s)}, s.listeners...)
		out = append(out, task.Restore(r, p, listeners...))
	}
	return out, nil
}

func (s *Store) values(ctx context.Context, id string) (pipeline.Values, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM task_parameters WHERE task_id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	values := pipeline.Values{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, rows.Err()
}

func (s *Store) runs(ctx context.Context, id string) ([]task.ProcessRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, process_name, started, ended, exit_value, error_message, user
		FROM process_runs WHERE task_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	var runs []task.ProcessRun
	for rows.Next() {
		var (
			run          task.ProcessRun
			started, end int64
		)
		if err := rows.Scan(&run.ID, &run.ProcessName, &started, &end, &run.ExitValue, &run.ErrorMessage, &run.User); err != nil {
			return nil, err
		}
		run.Started, run.Ended = fromNanos(started), fromNanos(end)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func parsePermission(s string) model.Permission {
	if s == "" {
		return model.PermissionGuest
	}
	p, err := model.ParsePermission(s)
	if err != nil {
		return model.PermissionGuest
	}
	return p
}
