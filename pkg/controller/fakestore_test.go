package controller

import (
	"sync"
	"time"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/storage"
)

// fakeStore is a minimal in-memory storage.Store used to exercise the
// controller without a Postgres instance. It implements the same
// contracts as PGStore (version bumps, monotonic task_id, transition
// validation) with plain maps instead of SQL.
type fakeStore struct {
	mu   sync.Mutex
	apps map[string]*apis.Application
	ssns map[string]*apis.Session
	tsks map[string]map[uint64]*apis.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps: make(map[string]*apis.Application),
		ssns: make(map[string]*apis.Session),
		tsks: make(map[string]map[uint64]*apis.Task),
	}
}

func (f *fakeStore) RegisterApplication(name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apps[name]; ok {
		return nil, flameerr.New(flameerr.Conflict, "application %q exists", name)
	}
	app := &apis.Application{Name: name, Shim: attrs.Shim, Command: attrs.Command, MaxInstances: attrs.MaxInstances,
		State: apis.ApplicationEnabled, Version: 1, CreatedAt: time.Now()}
	f.apps[name] = app
	return app.Clone(), nil
}

func (f *fakeStore) UpdateApplication(name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[name]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "application %q not found", name)
	}
	for _, ssn := range f.ssns {
		if ssn.Application == name && ssn.State == apis.SessionOpen {
			return nil, flameerr.New(flameerr.InvalidState, "application %q has open sessions", name)
		}
	}
	app.Command = attrs.Command
	app.MaxInstances = attrs.MaxInstances
	app.Version++
	return app.Clone(), nil
}

func (f *fakeStore) UnregisterApplication(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ssn := range f.ssns {
		if ssn.Application == name && ssn.State == apis.SessionOpen {
			return flameerr.New(flameerr.InvalidState, "application %q has open sessions", name)
		}
	}
	if _, ok := f.apps[name]; !ok {
		return flameerr.New(flameerr.NotFound, "application %q not found", name)
	}
	delete(f.apps, name)
	return nil
}

func (f *fakeStore) FindApplication(name string) (*apis.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[name]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "application %q not found", name)
	}
	return app.Clone(), nil
}

func (f *fakeStore) ListApplications() ([]*apis.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*apis.Application, 0, len(f.apps))
	for _, a := range f.apps {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (f *fakeStore) status(sessionID string) apis.TaskStatus {
	var st apis.TaskStatus
	for _, t := range f.tsks[sessionID] {
		switch t.State {
		case apis.TaskPending:
			st.Pending++
		case apis.TaskRunning:
			st.Running++
		case apis.TaskSucceeded:
			st.Succeeded++
		case apis.TaskFailed:
			st.Failed++
		}
	}
	return st
}

func (f *fakeStore) CreateSession(id string, spec storage.SessionSpec) (*apis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[spec.Application]
	if !ok || app.State != apis.ApplicationEnabled {
		return nil, flameerr.New(flameerr.NotFound, "application %q missing or disabled", spec.Application)
	}
	if spec.Slots < 1 {
		return nil, flameerr.New(flameerr.InvalidState, "slots must be >= 1")
	}
	if _, ok := f.ssns[id]; ok {
		return nil, flameerr.New(flameerr.Conflict, "session %q exists", id)
	}
	ssn := &apis.Session{ID: id, Application: spec.Application, Slots: spec.Slots, CommonData: spec.CommonData,
		Version: 1, CreatedAt: time.Now(), State: apis.SessionOpen}
	f.ssns[id] = ssn
	f.tsks[id] = make(map[uint64]*apis.Task)
	return ssn.Clone(), nil
}

func (f *fakeStore) OpenSession(id string, spec *storage.SessionSpec) (*apis.Session, error) {
	f.mu.Lock()
	ssn, ok := f.ssns[id]
	f.mu.Unlock()
	if !ok {
		if spec == nil {
			return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
		}
		return f.CreateSession(id, *spec)
	}
	if ssn.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is closed", id)
	}
	if spec != nil && (spec.Slots != ssn.Slots || spec.Application != ssn.Application) {
		return nil, flameerr.New(flameerr.InvalidState, "spec mismatch for session %q", id)
	}
	return ssn.Clone(), nil
}

func (f *fakeStore) CloseSession(id string) (*apis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ssn, ok := f.ssns[id]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
	}
	st := f.status(id)
	if st.Pending+st.Running > 0 {
		return nil, flameerr.New(flameerr.InvalidState, "session %q has non-terminal tasks", id)
	}
	now := time.Now()
	ssn.State = apis.SessionClosed
	ssn.CompletionTime = &now
	ssn.Version++
	ssn.Status = st
	return ssn.Clone(), nil
}

func (f *fakeStore) DeleteSession(id string) (*apis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ssn, ok := f.ssns[id]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
	}
	if ssn.State != apis.SessionClosed {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is not closed", id)
	}
	delete(f.ssns, id)
	delete(f.tsks, id)
	return ssn.Clone(), nil
}

func (f *fakeStore) FindSession(id string) (*apis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ssn, ok := f.ssns[id]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
	}
	cp := ssn.Clone()
	cp.Status = f.status(id)
	return cp, nil
}

func (f *fakeStore) ListSessions(includeClosed bool) ([]*apis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*apis.Session
	for _, s := range f.ssns {
		if !includeClosed && s.State != apis.SessionOpen {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeStore) CreateTask(sessionID string, input []byte) (*apis.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ssn, ok := f.ssns[sessionID]
	if !ok || ssn.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q not open", sessionID)
	}
	var max uint64
	for id := range f.tsks[sessionID] {
		if id > max {
			max = id
		}
	}
	task := &apis.Task{ID: apis.TaskID{SessionID: sessionID, TaskID: max + 1}, Version: 1, Input: input,
		State: apis.TaskPending, CreatedAt: time.Now()}
	f.tsks[sessionID][task.ID.TaskID] = task
	return task.Clone(), nil
}

var validTransitions = map[apis.TaskState]map[apis.TaskState]bool{
	apis.TaskPending: {apis.TaskRunning: true},
	apis.TaskRunning: {apis.TaskSucceeded: true, apis.TaskFailed: true},
}

func (f *fakeStore) transition(id apis.TaskID, state apis.TaskState) (*apis.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.tsks[id.SessionID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id.SessionID)
	}
	task, ok := bucket[id.TaskID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "task %v not found", id)
	}
	if !validTransitions[task.State][state] {
		return nil, flameerr.New(flameerr.InvalidState, "invalid transition %s -> %s", task.State, state)
	}
	task.State = state
	task.Version++
	if state.IsTerminal() {
		now := time.Now()
		task.CompletionTime = &now
	}
	return task.Clone(), nil
}

func (f *fakeStore) UpdateTaskState(id apis.TaskID, state apis.TaskState, message string) (*apis.Task, error) {
	return f.transition(id, state)
}

func (f *fakeStore) UpdateTaskResult(id apis.TaskID, state apis.TaskState, output []byte) (*apis.Task, error) {
	task, err := f.transition(id, state)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tsks[id.SessionID][id.TaskID].Output = output
	f.mu.Unlock()
	task.Output = output
	return task, nil
}

func (f *fakeStore) RetryTask(id apis.TaskID) (*apis.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.tsks[id.SessionID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id.SessionID)
	}
	task, ok := bucket[id.TaskID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "task %v not found", id)
	}
	task.State = apis.TaskPending
	task.CompletionTime = nil
	task.Version++
	return task.Clone(), nil
}

func (f *fakeStore) FindTask(id apis.TaskID) (*apis.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.tsks[id.SessionID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "session %q not found", id.SessionID)
	}
	task, ok := bucket[id.TaskID]
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "task %v not found", id)
	}
	return task.Clone(), nil
}

func (f *fakeStore) FindTasks(sessionID string) ([]*apis.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*apis.Task
	for _, t := range f.tsks[sessionID] {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }
