package frontend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/storage"
)

type fakeCtrl struct {
	apps     map[string]*apis.Application
	sessions map[string]*apis.Session
	tasks    map[string][]*apis.Task
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{apps: map[string]*apis.Application{}, sessions: map[string]*apis.Session{}, tasks: map[string][]*apis.Task{}}
}

func (f *fakeCtrl) RegisterApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	app := &apis.Application{Name: name, Version: 1}
	f.apps[name] = app
	return app, nil
}
func (f *fakeCtrl) UpdateApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	app := f.apps[name]
	app.Version++
	return app, nil
}
func (f *fakeCtrl) UnregisterApplication(ctx context.Context, name string) error {
	delete(f.apps, name)
	return nil
}
func (f *fakeCtrl) GetApplication(ctx context.Context, name string) (*apis.Application, error) {
	return f.apps[name], nil
}
func (f *fakeCtrl) ListApplication(ctx context.Context) ([]*apis.Application, error) {
	var out []*apis.Application
	for _, a := range f.apps {
		out = append(out, a)
	}
	return out, nil
}
func (f *fakeCtrl) CreateSession(ctx context.Context, id string, spec storage.SessionSpec) (*apis.Session, error) {
	ssn := &apis.Session{ID: id, Application: spec.Application, Slots: spec.Slots, State: apis.SessionOpen}
	f.sessions[id] = ssn
	return ssn, nil
}
func (f *fakeCtrl) OpenSession(ctx context.Context, id string, spec *storage.SessionSpec) (*apis.Session, error) {
	if ssn, ok := f.sessions[id]; ok {
		return ssn, nil
	}
	return f.CreateSession(ctx, id, *spec)
}
func (f *fakeCtrl) CloseSession(ctx context.Context, id string) (*apis.Session, error) {
	ssn := f.sessions[id]
	ssn.State = apis.SessionClosed
	return ssn, nil
}
func (f *fakeCtrl) GetSession(ctx context.Context, id string) (*apis.Session, error) {
	return f.sessions[id], nil
}
func (f *fakeCtrl) ListSession(ctx context.Context, includeClosed bool) ([]*apis.Session, error) {
	var out []*apis.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeCtrl) CreateTask(ctx context.Context, sessionID string, input []byte) (*apis.Task, error) {
	task := &apis.Task{ID: apis.TaskID{SessionID: sessionID, TaskID: uint64(len(f.tasks[sessionID]) + 1)}, Input: input, State: apis.TaskPending}
	f.tasks[sessionID] = append(f.tasks[sessionID], task)
	return task, nil
}
func (f *fakeCtrl) GetTask(ctx context.Context, id apis.TaskID) (*apis.Task, error) {
	for _, t := range f.tasks[id.SessionID] {
		if t.ID.TaskID == id.TaskID {
			return t, nil
		}
	}
	return nil, nil
}
func (f *fakeCtrl) ListTask(ctx context.Context, sessionID string) ([]*apis.Task, error) {
	return f.tasks[sessionID], nil
}
func (f *fakeCtrl) AwaitSessionChange(ctx context.Context, sessionID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestServerApplicationAndSessionFlow(t *testing.T) {
	ctx := context.Background()
	srv := &Server{Ctrl: newFakeCtrl()}

	app, err := srv.registerApplication(ctx, &RegisterApplicationRequest{Name: "flmping"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), app.Version)

	ssn, err := srv.createSession(ctx, &CreateSessionRequest{ID: "s1", Application: "flmping", Slots: 1})
	require.NoError(t, err)
	require.Equal(t, apis.SessionOpen, ssn.State)

	task, err := srv.createTask(ctx, &CreateTaskRequest{SessionID: "s1", Input: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), task.ID.TaskID)

	listed, err := srv.listTask(ctx, &ListTaskRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, listed.Tasks, 1)

	closed, err := srv.closeSession(ctx, &SessionIDRequest{ID: "s1"})
	require.NoError(t, err)
	require.Equal(t, apis.SessionClosed, closed.State)
}
