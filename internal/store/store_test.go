package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/store"
	"github.com/CZERTAINLY/Conan/internal/task"
	"github.com/stretchr/testify/require"
)

type stubProcess struct {
	name string
	fail bool
}

func (p stubProcess) Name() string { return p.name }

func (p stubProcess) Parameters() []pipeline.Parameter {
	acc, _ := pipeline.NewParameter("accession", "", "")
	return []pipeline.Parameter{acc}
}

func (p stubProcess) Execute(context.Context, pipeline.Values) (bool, error) {
	if p.fail {
		return false, errors.New("disk full")
	}
	return true, nil
}

type lookup map[string]*pipeline.Pipeline

func (l lookup) Lookup(_ context.Context, name string) (*pipeline.Pipeline, error) {
	if p, ok := l[name]; ok {
		return p, nil
	}
	return nil, model.ErrNotFound
}

func newStore(t *testing.T, pipelines ...*pipeline.Pipeline) *store.Store {
	t.Helper()
	s, _ := newStoreDB(t, pipelines...)
	return s
}

func newStoreDB(t *testing.T, pipelines ...*pipeline.Pipeline) (*store.Store, *sql.DB) {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "conan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := lookup{}
	for _, p := range pipelines {
		l[p.Name()] = p
	}
	return store.New(db, l), db
}

func newPipeline(t *testing.T, name string, procs ...pipeline.Process) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(name, model.User{Name: "admin"}, procs)
	require.NoError(t, err)
	return p
}

func TestStore_Tasks(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Load", stubProcess{name: "validate"}, stubProcess{name: "load", fail: true})
	s := newStore(t, p)

	alice, err := s.CreateUser(t.Context(), model.User{Name: "alice", Email: "alice@example.com", Permission: model.PermissionSubmitter})
	require.NoError(t, err)
	require.NotZero(t, alice.ID)

	svc := task.NewService(s, nil, store.Writer(s))
	tk, err := svc.CreateNewTask(t.Context(), p, 0, pipeline.Values{"accession": "E-GEOD-1"}, task.High, alice)
	require.NoError(t, err)
	require.NotEmpty(t, tk.ID())

	tk.Submit(t.Context())
	got, err := s.Task(t.Context(), tk.ID())
	require.NoError(t, err)
	require.Equal(t, task.Submitted, got.State())

	// the writer stores every change
	require.Error(t, tk.Execute(t.Context()))
	got, err = s.Task(t.Context(), tk.ID())
	require.NoError(t, err)
	rec := got.Record()
	require.Equal(t, "E-GEOD-1", rec.Name)
	require.Equal(t, task.Failed, rec.State)
	require.Equal(t, task.High, rec.Priority)
	require.Equal(t, pipeline.Values{"accession": "E-GEOD-1"}, rec.Values)
	require.Equal(t, "alice@example.com", rec.Submitter.Email)
	require.Equal(t, model.PermissionSubmitter, rec.Submitter.Permission)
	require.Equal(t, 1, rec.Last)
	require.Len(t, rec.Runs, 2)
	require.Equal(t, "load", rec.Runs[1].ProcessName)
	require.Equal(t, 1, rec.Runs[1].ExitValue)
	require.Equal(t, "disk full", rec.Runs[1].ErrorMessage)
	require.True(t, rec.Created.Equal(tk.CreationDate()))

	// restored tasks keep being stored
	require.True(t, got.Abort(t.Context()))
	again, err := s.Task(t.Context(), tk.ID())
	require.NoError(t, err)
	require.Equal(t, task.Aborted, again.State())

	_, err = s.Task(t.Context(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	failed, err := s.Tasks(t.Context(), task.Filter{States: []task.State{task.Failed}})
	require.NoError(t, err)
	require.Empty(t, failed)
	all, err := s.Tasks(t.Context(), task.Filter{Pipeline: "Load", Submitter: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_RecoverableTasks(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Load", stubProcess{name: "validate"})
	s := newStore(t, p)
	user := model.User{Name: "bob", Permission: model.PermissionSubmitter}
	svc := task.NewService(s, nil, store.Writer(s))

	create := func(acc string) *task.Task {
		tk, err := svc.CreateNewTask(t.Context(), p, 0, pipeline.Values{"accession": acc}, task.Medium, user)
		require.NoError(t, err)
		return tk
	}
	created := create("E-1")
	submitted := create("E-2")
	submitted.Submit(t.Context())
	done := create("E-3")
	done.Submit(t.Context())
	require.NoError(t, done.Execute(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	interrupted := create("E-4")
	interrupted.Submit(t.Context())
	require.NoError(t, interrupted.Execute(ctx))
	require.True(t, interrupted.Interrupted())

	tasks, err := s.RecoverableTasks(t.Context())
	require.NoError(t, err)
	var ids []string
	for _, tk := range tasks {
		ids = append(ids, tk.ID())
	}
	require.ElementsMatch(t, []string{submitted.ID(), interrupted.ID()}, ids)
	require.NotContains(t, ids, created.ID())
}

func runningRecord(id string) task.Record {
	return task.Record{
		ID:        id,
		Name:      "E-GEOD-1",
		Pipeline:  "Load",
		Values:    pipeline.Values{"accession": "E-GEOD-1"},
		Priority:  task.Medium,
		Submitter: model.User{Name: "alice"},
		Created:   time.Now(),
		State:     task.Running,
		Last:      -1,
	}
}

func TestStore_SaveTask_TerminalState(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Load", stubProcess{name: "validate"})
	s := newStore(t, p)

	tk := task.Restore(runningRecord("t-1"), p)
	require.NoError(t, s.SaveTask(t.Context(), tk))
	require.True(t, tk.Abort(t.Context()))
	require.NoError(t, s.SaveTask(t.Context(), tk))

	// an outdated copy of the task must not revive it
	stale := task.Restore(runningRecord("t-1"), p)
	require.NoError(t, s.SaveTask(t.Context(), stale))

	got, err := s.Task(t.Context(), "t-1")
	require.NoError(t, err)
	require.Equal(t, task.Aborted, got.State())
	recoverable, err := s.RecoverableTasks(t.Context())
	require.NoError(t, err)
	require.Empty(t, recoverable)
}

func TestStore_SaveTask_ConcurrentAbort(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Load", stubProcess{name: "validate"})
	s, db := newStoreDB(t, p)
	tk := task.Restore(runningRecord("t-2"), p)
	require.NoError(t, s.SaveTask(t.Context(), tk))

	// hold the only connection so both saves queue behind it
	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	waits := db.Stats().WaitCount

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() { errs <- s.SaveTask(t.Context(), tk) })
	require.Eventually(t, func() bool { return db.Stats().WaitCount >= waits+1 }, 5*time.Second, time.Millisecond)
	require.True(t, tk.Abort(t.Context()))
	wg.Go(func() { errs <- s.SaveTask(t.Context(), tk) })
	require.Eventually(t, func() bool { return db.Stats().WaitCount >= waits+2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, conn.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Task(t.Context(), "t-2")
	require.NoError(t, err)
	require.Equal(t, task.Aborted, got.State())
}

func TestStore_QueuedTasks(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Load", stubProcess{name: "validate"})
	s := newStore(t, p)
	user := model.User{Name: "bob", Permission: model.PermissionSubmitter}
	svc := task.NewService(s, nil, store.Writer(s))

	queued, err := svc.CreateNewTask(t.Context(), p, 0, pipeline.Values{"accession": "E-1"}, task.Medium, user)
	require.NoError(t, err)
	require.NoError(t, s.QueueTask(t.Context(), queued.ID()))
	_, err = svc.CreateNewTask(t.Context(), p, 0, pipeline.Values{"accession": "E-2"}, task.Medium, user)
	require.NoError(t, err)
	submitted, err := svc.CreateNewTask(t.Context(), p, 0, pipeline.Values{"accession": "E-3"}, task.Medium, user)
	require.NoError(t, err)
	submitted.Submit(t.Context())
	require.ErrorIs(t, s.QueueTask(t.Context(), submitted.ID()), model.ErrNotFound)
	require.ErrorIs(t, s.QueueTask(t.Context(), "missing"), model.ErrNotFound)

	claimed, err := s.ClaimQueuedTasks(t.Context())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, queued.ID(), claimed[0].ID())
	require.Equal(t, task.Created, claimed[0].State())

	// claimed once only
	claimed, err = s.ClaimQueuedTasks(t.Context())
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestStore_UnknownPipeline(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, "Gone", stubProcess{name: "validate"})
	s := newStore(t)
	tk := task.New("t", p, pipeline.Values{"accession": "E-1"}, task.Low, model.User{Name: "x"}, 0)
	require.NoError(t, s.SaveTask(t.Context(), tk))

	tasks, err := s.Tasks(t.Context(), task.Filter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestStore_Users(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.UserByName(t.Context(), "conan-daemon")
	require.ErrorIs(t, err, model.ErrNotFound)

	u, err := s.CreateUser(t.Context(), model.User{Name: "conan-daemon", Permission: model.PermissionSubmitter})
	require.NoError(t, err)
	_, err = s.CreateUser(t.Context(), u)
	require.ErrorIs(t, err, store.ErrUserExists)

	require.NoError(t, s.UpdateEmail(t.Context(), "conan-daemon", "ops@example.com"))
	got, err := s.UserByName(t.Context(), "conan-daemon")
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", got.Email)
	require.Equal(t, u.ID, got.ID)
	require.ErrorIs(t, s.UpdateEmail(t.Context(), "nobody", "x"), model.ErrNotFound)

	require.NoError(t, s.SyncUsers(t.Context(), []model.UserEntry{
		{Name: "root", Permission: "administrator"},
		{Name: "conan-daemon", Email: "daemon@example.com", Permission: "submitter"},
	}))
	root, err := s.UserByName(t.Context(), "root")
	require.NoError(t, err)
	require.Equal(t, model.PermissionAdministrator, root.Permission)
	got, err = s.UserByName(t.Context(), "conan-daemon")
	require.NoError(t, err)
	require.Equal(t, "daemon@example.com", got.Email)

	require.Error(t, s.SyncUsers(t.Context(), []model.UserEntry{{Name: "x", Permission: "king"}}))
}
