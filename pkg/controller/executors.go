package controller

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/metrics"
)

// RegisterNode admits a worker host into the cluster. Nodes are never
// persisted: they are populated as their agents (re)register (spec §4.2).
func (c *Controller) RegisterNode(ctx context.Context, node *apis.Node) (*apis.Node, error) {
	node.State = apis.NodeReady
	node.CreatedAt = time.Now()
	node.LastHeartbeat = node.CreatedAt
	c.model.PutNode(node)
	return node, nil
}

// SyncNode is the node agent's heartbeat: it reports the executor ids it
// believes are live and gets back the set the server believes should be
// live. Unknown reported ids (stale from a prior manager) come back in
// toRelease per the resolved Open Question (spec §9).
func (c *Controller) SyncNode(ctx context.Context, nodeName string, reportedExecutorIDs []string) (execsToRun []*apis.Executor, toRelease []string, err error) {
	if _, ok := c.model.GetNode(nodeName); !ok {
		return nil, nil, flameerr.New(flameerr.NotFound, "node %q not registered", nodeName)
	}
	if _, err := c.model.MutateNode(nodeName, func(n *apis.Node) error {
		n.LastHeartbeat = time.Now()
		n.State = apis.NodeReady
		return nil
	}); err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool)
	for _, e := range c.model.ListExecutorsByNode(nodeName) {
		if e.State == apis.ExecutorReleased {
			continue
		}
		execsToRun = append(execsToRun, e)
		known[e.ID] = true
	}
	for _, id := range reportedExecutorIDs {
		if !known[id] {
			toRelease = append(toRelease, id)
		}
	}
	return execsToRun, toRelease, nil
}

// ReleaseNode tears a node down: every executor still on it is treated as
// crashed (its in-flight task, if any, is retried) and the node is
// dropped from the cache.
func (c *Controller) ReleaseNode(ctx context.Context, nodeName string) error {
	for _, e := range c.model.ListExecutorsByNode(nodeName) {
		c.recoverExecutor(e)
	}
	c.model.DeleteNode(nodeName)
	return nil
}

// recoverExecutor is the crash-recovery primitive shared by ReleaseNode
// and the periodic heartbeat sweep: any task the executor had in flight
// is forced back to Pending, and the executor entry itself is dropped.
func (c *Controller) recoverExecutor(e *apis.Executor) {
	if e.TaskID != 0 && e.SessionID != "" {
		id := apis.TaskID{SessionID: e.SessionID, TaskID: e.TaskID}
		if task, err := c.store.RetryTask(id); err != nil {
			c.log.Warn().Err(err).Str("executor", e.ID).Msg("retry task on crash recovery failed")
		} else {
			c.model.PutTask(task)
			metrics.TasksRetried.Inc()
			c.appendEvent(e.SessionID, e.TaskID, "task.retried", "executor lost")
			c.ssnSignals.broadcast(e.SessionID)
		}
	}
	c.model.DeleteExecutor(e.ID)
	c.execSignals.broadcast(e.ID)
}

// CreateExecutor pipelines a new Void executor on a node, optionally
// pre-assigning an intended session (Allocate sets this; the executor
// stays Void until BindSession moves it to Binding, and fair-share
// already counts a Void executor towards its intended session).
func (c *Controller) CreateExecutor(ctx context.Context, node string, intendedSession string, slots int32, resource apis.ResourceRequirement) (*apis.Executor, error) {
	exec := &apis.Executor{
		ID:        uuid.NewString(),
		Node:      node,
		Slots:     slots,
		Resource:  resource,
		SessionID: intendedSession,
		State:     apis.ExecutorVoid,
		CreatedAt: time.Now(),
	}
	c.model.PutExecutor(exec)
	return exec, nil
}

// BindSession transitions an executor from {Void, Idle} into Binding,
// intending it for the given session, and wakes the executor's
// BindSession long-poll.
func (c *Controller) BindSession(ctx context.Context, execID, sessionID string) (*apis.Executor, error) {
	ssn, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ssn.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is not open", sessionID)
	}

	found, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		if e.State != apis.ExecutorVoid && e.State != apis.ExecutorIdle {
			return flameerr.New(flameerr.InvalidState, "executor %q is not Void/Idle", execID)
		}
		if e.Slots != ssn.Slots {
			return flameerr.New(flameerr.InvalidState, "executor slots %d != session slots %d", e.Slots, ssn.Slots)
		}
		e.State = apis.ExecutorBinding
		e.SessionID = sessionID
		return nil
	})
	if !found {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if err != nil {
		return nil, err
	}
	c.execSignals.broadcast(execID)
	exec, _ := c.model.GetExecutor(execID)
	return exec, nil
}

// AwaitBindSession is the executor agent's long-poll for a session
// assignment: it blocks until the executor leaves Void/Idle or ctx ends.
// It also returns once the executor is put Releasing, so an agent
// waiting here while the scheduler reclaims its idle executor does not
// block forever: it must proceed to release instead.
func (c *Controller) AwaitBindSession(ctx context.Context, execID string) (*apis.Session, error) {
	for {
		exec, ok := c.model.GetExecutor(execID)
		if !ok {
			return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
		}
		if exec.State == apis.ExecutorBinding || exec.State == apis.ExecutorBound {
			return c.GetSession(ctx, exec.SessionID)
		}
		if exec.State == apis.ExecutorReleasing || exec.State == apis.ExecutorReleased {
			return nil, flameerr.New(flameerr.InvalidState, "executor %q is releasing", execID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.execSignals.wait(execID):
		}
	}
}

// BindSessionCompleted is the agent's confirmation that on_session_enter
// succeeded: Binding → Bound.
func (c *Controller) BindSessionCompleted(ctx context.Context, execID string) (*apis.Executor, error) {
	found, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		if e.State != apis.ExecutorBinding {
			return flameerr.New(flameerr.InvalidState, "executor %q is not Binding", execID)
		}
		e.State = apis.ExecutorBound
		return nil
	})
	if !found {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if err != nil {
		return nil, err
	}
	metrics.ExecutorsBound.Inc()
	c.execSignals.broadcast(execID)
	exec, _ := c.model.GetExecutor(execID)
	return exec, nil
}

// LaunchTask is the backend's long-poll: it returns the next Pending
// task in the executor's bound session, transitioning it to Running and
// recording it on the executor, or nil if the executor stopped being
// Bound (it is being unbound) before one arrived.
func (c *Controller) LaunchTask(ctx context.Context, execID string) (*apis.Task, error) {
	for {
		exec, ok := c.model.GetExecutor(execID)
		if !ok {
			return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
		}
		if exec.State != apis.ExecutorBound {
			return nil, nil
		}
		if pending := c.model.PendingTask(exec.SessionID); pending != nil {
			task, err := c.store.UpdateTaskState(pending.ID, apis.TaskRunning, "")
			if err != nil {
				return nil, err
			}
			c.model.PutTask(task)
			if _, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
				e.TaskID = task.ID.TaskID
				return nil
			}); err != nil {
				return nil, err
			}
			c.appendEvent(task.ID.SessionID, task.ID.TaskID, "task.running", "")
			c.ssnSignals.broadcast(exec.SessionID)
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ssnSignals.wait(exec.SessionID):
		case <-c.execSignals.wait(execID):
		}
	}
}

// CompleteTask is the backend callback reporting a task's terminal
// result. A mismatch between the executor's recorded task and the
// reported one means the executor is considered lost (InvalidState).
func (c *Controller) CompleteTask(ctx context.Context, execID string, taskID uint64, state apis.TaskState, output []byte) (*apis.Task, error) {
	exec, ok := c.model.GetExecutor(execID)
	if !ok {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if exec.State != apis.ExecutorBound || exec.TaskID != taskID {
		return nil, flameerr.New(flameerr.InvalidState, "executor %q does not own task %d", execID, taskID)
	}

	task, err := c.store.UpdateTaskResult(apis.TaskID{SessionID: exec.SessionID, TaskID: taskID}, state, output)
	if err != nil {
		return nil, err
	}
	c.model.PutTask(task)
	if _, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		e.TaskID = 0
		return nil
	}); err != nil {
		return nil, err
	}
	outcome := "succeeded"
	if state == apis.TaskFailed {
		outcome = "failed"
	}
	metrics.TasksCompleted.WithLabelValues(outcome).Inc()
	c.appendEvent(task.ID.SessionID, task.ID.TaskID, "task."+outcome, "")
	c.ssnSignals.broadcast(exec.SessionID)
	return task, nil
}

// UnbindExecutor is issued by the Shuffle action against a preemption
// victim: Bound → Unbinding. The agent is watching for this via its
// server-streamed UnbindExecutor signal.
func (c *Controller) UnbindExecutor(ctx context.Context, execID string) (*apis.Executor, error) {
	found, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		if e.State != apis.ExecutorBound {
			return flameerr.New(flameerr.InvalidState, "executor %q is not Bound", execID)
		}
		e.State = apis.ExecutorUnbinding
		return nil
	})
	if !found {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if err != nil {
		return nil, err
	}
	metrics.ExecutorsPreempted.Inc()
	c.execSignals.broadcast(execID)
	exec, _ := c.model.GetExecutor(execID)
	return exec, nil
}

// AwaitUnbind is the agent's server-streamed wait for an unbind signal.
func (c *Controller) AwaitUnbind(ctx context.Context, execID string) error {
	for {
		exec, ok := c.model.GetExecutor(execID)
		if !ok {
			return flameerr.New(flameerr.NotFound, "executor %q not found", execID)
		}
		if exec.State == apis.ExecutorUnbinding {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.execSignals.wait(execID):
		}
	}
}

// UnbindExecutorCompleted is the agent's confirmation that
// on_session_leave finished: Unbinding → Idle, session cleared.
func (c *Controller) UnbindExecutorCompleted(ctx context.Context, execID string) (*apis.Executor, error) {
	found, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		if e.State != apis.ExecutorUnbinding {
			return flameerr.New(flameerr.InvalidState, "executor %q is not Unbinding", execID)
		}
		e.State = apis.ExecutorIdle
		e.SessionID = ""
		e.TaskID = 0
		return nil
	})
	if !found {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if err != nil {
		return nil, err
	}
	c.execSignals.broadcast(execID)
	exec, _ := c.model.GetExecutor(execID)
	return exec, nil
}

// ReleaseExecutor moves an Idle or still-Void executor to Releasing (the
// scheduler's Shuffle action issues it); the agent's teardown and
// ReleaseExecutorCompleted then remove it.
func (c *Controller) ReleaseExecutor(ctx context.Context, execID string) (*apis.Executor, error) {
	found, err := c.model.MutateExecutor(execID, func(e *apis.Executor) error {
		if e.State != apis.ExecutorIdle && e.State != apis.ExecutorVoid {
			return flameerr.New(flameerr.InvalidState, "executor %q is not Idle/Void", execID)
		}
		e.State = apis.ExecutorReleasing
		return nil
	})
	if !found {
		return nil, flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if err != nil {
		return nil, err
	}
	c.execSignals.broadcast(execID)
	exec, _ := c.model.GetExecutor(execID)
	return exec, nil
}

// ReleaseExecutorCompleted is the agent's confirmation that teardown
// finished: Releasing → Released, then garbage collected from the cache.
func (c *Controller) ReleaseExecutorCompleted(ctx context.Context, execID string) error {
	exec, ok := c.model.GetExecutor(execID)
	if !ok {
		return flameerr.New(flameerr.NotFound, "executor %q not found", execID)
	}
	if exec.State != apis.ExecutorReleasing {
		return flameerr.New(flameerr.InvalidState, "executor %q is not Releasing", execID)
	}
	c.model.DeleteExecutor(execID)
	c.execSignals.broadcast(execID)
	return nil
}
