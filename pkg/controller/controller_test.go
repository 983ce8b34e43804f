package controller

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/eventlog"
	"github.com/flame-sh/flame/pkg/model"
	"github.com/flame-sh/flame/pkg/storage"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	events, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })
	return New(newFakeStore(), events, model.New(), zerolog.Nop())
}

func TestSessionLifecycleRejectsCloseWithOpenTasks(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)

	_, err := c.RegisterApplication(ctx, "flmping", storage.ApplicationAttrs{Shim: apis.ShimHost, Command: "flmping"})
	require.NoError(t, err)

	ssn, err := c.CreateSession(ctx, "s1", storage.SessionSpec{Application: "flmping", Slots: 1})
	require.NoError(t, err)
	require.Equal(t, apis.SessionOpen, ssn.State)

	task, err := c.CreateTask(ctx, "s1", []byte("in"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), task.ID.TaskID)

	_, err = c.CloseSession(ctx, "s1")
	require.Error(t, err)

	_, err = c.CompleteTask(ctx, "nonexistent-exec", task.ID.TaskID, apis.TaskSucceeded, nil)
	require.Error(t, err)

	// Bind an executor, launch the task, complete it, then close should succeed.
	exec, err := c.CreateExecutor(ctx, "n1", "", 1, apis.ResourceRequirement{CPU: 1})
	require.NoError(t, err)
	_, err = c.BindSession(ctx, exec.ID, "s1")
	require.NoError(t, err)
	_, err = c.BindSessionCompleted(ctx, exec.ID)
	require.NoError(t, err)

	launched, err := c.LaunchTask(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, launched.ID)
	require.Equal(t, apis.TaskRunning, launched.State)

	done, err := c.CompleteTask(ctx, exec.ID, task.ID.TaskID, apis.TaskSucceeded, []byte("out"))
	require.NoError(t, err)
	require.Equal(t, apis.TaskSucceeded, done.State)
	require.NotNil(t, done.CompletionTime)

	closed, err := c.CloseSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, apis.SessionClosed, closed.State)
	require.NotNil(t, closed.CompletionTime)
}

func TestUpdateApplicationBlockedByOpenSession(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)

	_, err := c.RegisterApplication(ctx, "a", storage.ApplicationAttrs{Command: "x"})
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "s1", storage.SessionSpec{Application: "a", Slots: 1})
	require.NoError(t, err)

	_, err = c.UpdateApplication(ctx, "a", storage.ApplicationAttrs{Command: "y"})
	require.Error(t, err)

	_, err = c.CloseSession(ctx, "s1")
	require.NoError(t, err)

	updated, err := c.UpdateApplication(ctx, "a", storage.ApplicationAttrs{Command: "y"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), updated.Version)
}

func TestOpenSessionIdempotentConcurrent(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	_, err := c.RegisterApplication(ctx, "a", storage.ApplicationAttrs{Command: "x"})
	require.NoError(t, err)

	spec := &storage.SessionSpec{Application: "a", Slots: 2}
	results := make(chan *apis.Session, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ssn, err := c.OpenSession(ctx, "shared", spec)
			require.NoError(t, err)
			results <- ssn
		}()
	}
	a := <-results
	b := <-results
	require.Equal(t, a.Slots, b.Slots)
	require.Equal(t, int32(2), a.Slots)

	mismatched := &storage.SessionSpec{Application: "a", Slots: 99}
	_, err = c.OpenSession(ctx, "shared", mismatched)
	require.Error(t, err)
}

func TestCrashRecoveryRetriesRunningTask(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	_, err := c.RegisterApplication(ctx, "a", storage.ApplicationAttrs{Command: "x"})
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "s1", storage.SessionSpec{Application: "a", Slots: 1})
	require.NoError(t, err)
	task, err := c.CreateTask(ctx, "s1", nil)
	require.NoError(t, err)

	node := &apis.Node{Name: "n1", Allocatable: apis.ResourceRequirement{CPU: 1, Memory: 1 << 20}}
	_, err = c.RegisterNode(ctx, node)
	require.NoError(t, err)

	exec, err := c.CreateExecutor(ctx, "n1", "", 1, apis.ResourceRequirement{CPU: 1})
	require.NoError(t, err)
	_, err = c.BindSession(ctx, exec.ID, "s1")
	require.NoError(t, err)
	_, err = c.BindSessionCompleted(ctx, exec.ID)
	require.NoError(t, err)
	_, err = c.LaunchTask(ctx, exec.ID)
	require.NoError(t, err)

	_, err = c.model.MutateNode("n1", func(n *apis.Node) error {
		n.LastHeartbeat = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	swept := c.SweepDeadNodes(ctx, time.Minute)
	require.Equal(t, 1, swept)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, apis.TaskPending, got.State)
	require.GreaterOrEqual(t, got.Version, uint64(2))

	_, ok := c.model.GetExecutor(exec.ID)
	require.False(t, ok)
}
