package executoragent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/shim"
)

type fakeBackend struct {
	bindCalls       int32
	tasksLaunched   int32
	completed       []apis.TaskState
	unbindCompleted chan struct{}
	release         chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{unbindCompleted: make(chan struct{}, 1), release: make(chan struct{}, 1)}
}

func (f *fakeBackend) BindSession(ctx context.Context, execID string) (*apis.Session, error) {
	if atomic.AddInt32(&f.bindCalls, 1) > 1 {
		return nil, flameerr.New(flameerr.InvalidState, "executor released")
	}
	return &apis.Session{ID: "s1", Application: "app1", Slots: 1, State: apis.SessionOpen}, nil
}

func (f *fakeBackend) BindSessionCompleted(ctx context.Context, execID string) error { return nil }

func (f *fakeBackend) LaunchTask(ctx context.Context, execID string) (*apis.Task, error) {
	if atomic.AddInt32(&f.tasksLaunched, 1) > 1 {
		return nil, nil
	}
	return &apis.Task{ID: apis.TaskID{SessionID: "s1", TaskID: 1}, Input: []byte("in")}, nil
}

func (f *fakeBackend) CompleteTask(ctx context.Context, execID string, taskID uint64, state apis.TaskState, output []byte) error {
	f.completed = append(f.completed, state)
	return nil
}

func (f *fakeBackend) AwaitUnbind(ctx context.Context, execID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeBackend) UnbindExecutorCompleted(ctx context.Context, execID string) error {
	f.unbindCompleted <- struct{}{}
	return nil
}

func (f *fakeBackend) ReleaseExecutor(ctx context.Context, execID string) error {
	f.release <- struct{}{}
	return nil
}

type fakeApps struct{}

func (fakeApps) GetApplication(ctx context.Context, name string) (*apis.Application, error) {
	return &apis.Application{Name: name, Shim: apis.ShimHost, Command: "noop"}, nil
}

type fakeAdapter struct {
	entered bool
	invoked bool
	left    bool
}

func (a *fakeAdapter) OnSessionEnter(ctx context.Context, sctx *shim.SessionContext) error {
	a.entered = true
	return nil
}
func (a *fakeAdapter) OnTaskInvoke(ctx context.Context, tctx *shim.TaskContext) (*shim.TaskResult, error) {
	a.invoked = true
	return &shim.TaskResult{Output: []byte("out")}, nil
}
func (a *fakeAdapter) OnSessionLeave(ctx context.Context) error {
	a.left = true
	return nil
}
func (a *fakeAdapter) Close() error { return nil }

func TestAgentRunsOneCycleThenStopsOnRelease(t *testing.T) {
	be := newFakeBackend()
	adapter := &fakeAdapter{}
	a := New("exec-1", be, fakeApps{}, zerolog.Nop())
	a.newShim = func(execID string, app *apis.Application) (shim.Adapter, error) {
		return adapter, nil
	}
	a.retryDelay = time.Millisecond

	err := a.Run(context.Background())
	require.NoError(t, err)

	require.True(t, adapter.entered)
	require.True(t, adapter.invoked)
	require.True(t, adapter.left)
	require.Equal(t, []apis.TaskState{apis.TaskSucceeded}, be.completed)

	select {
	case <-be.unbindCompleted:
	case <-time.After(time.Second):
		t.Fatal("expected UnbindExecutorCompleted to be called")
	}

	select {
	case <-be.release:
	case <-time.After(time.Second):
		t.Fatal("expected ReleaseExecutor to be called once the executor was released by the scheduler")
	}
}

func TestAgentEnterRetriesOnFailure(t *testing.T) {
	be := newFakeBackend()
	attempts := 0
	adapter := &fakeAdapter{}
	a := New("exec-1", be, fakeApps{}, zerolog.Nop())
	a.retryDelay = time.Millisecond
	a.newShim = func(execID string, app *apis.Application) (shim.Adapter, error) {
		return &retryAdapter{fakeAdapter: adapter, fail: 2, attempts: &attempts}, nil
	}

	err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

type retryAdapter struct {
	*fakeAdapter
	fail     int
	attempts *int
}

func (r *retryAdapter) OnSessionEnter(ctx context.Context, sctx *shim.SessionContext) error {
	*r.attempts++
	if *r.attempts <= r.fail {
		return context.DeadlineExceeded
	}
	return r.fakeAdapter.OnSessionEnter(ctx, sctx)
}
