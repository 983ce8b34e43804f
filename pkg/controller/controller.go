// Package controller implements the session manager's controller (spec
// §4.3): the single point where both the client-facing frontend RPC and
// the executor-facing backend RPC converge to mutate the durable engine
// and the in-memory model atomically. Every mutating method writes
// durable-first, then cache — the cache entry is only updated once the
// engine call succeeds.
package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/eventlog"
	"github.com/flame-sh/flame/pkg/metrics"
	"github.com/flame-sh/flame/pkg/model"
	"github.com/flame-sh/flame/pkg/snapshot"
	"github.com/flame-sh/flame/pkg/storage"
)

// Controller is the orchestration layer shared by both RPC surfaces and
// the scheduler.
type Controller struct {
	store  storage.Store
	events *eventlog.Log
	model  *model.Model
	log    zerolog.Logger

	execSignals *signalBoard
	ssnSignals  *signalBoard

	openGroup singleflight.Group

	// RetentionWindow bounds how far back Bootstrap loads closed sessions.
	RetentionWindow time.Duration
}

// New wires a Controller over a durable store, event log and in-memory
// model. The three are assumed already open.
func New(store storage.Store, events *eventlog.Log, m *model.Model, log zerolog.Logger) *Controller {
	return &Controller{
		store:           store,
		events:          events,
		model:           m,
		log:             log.With().Str("component", "controller").Logger(),
		execSignals:     newSignalBoard(),
		ssnSignals:      newSignalBoard(),
		RetentionWindow: 24 * time.Hour,
	}
}

func (c *Controller) appendEvent(sessionID string, taskID uint64, code, message string) {
	if err := c.events.Append(apis.Event{SessionID: sessionID, TaskID: taskID, Code: code, Message: message, Time: time.Now()}); err != nil {
		c.log.Warn().Err(err).Str("session", sessionID).Msg("append event failed")
	}
}

// Bootstrap loads durable state into the in-memory model on startup
// (spec §4.2): every application, every session still inside the
// retention window (open or recently closed) plus its tasks, forcing
// any task caught mid-flight (Running) back to Pending since its
// executor did not survive the restart.
func (c *Controller) Bootstrap(ctx context.Context) error {
	apps, err := c.store.ListApplications()
	if err != nil {
		return err
	}
	for _, app := range apps {
		c.model.PutApplication(app)
	}

	sessions, err := c.store.ListSessions(true)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-c.RetentionWindow)
	for _, ssn := range sessions {
		if ssn.State == apis.SessionClosed && ssn.CompletionTime != nil && ssn.CompletionTime.Before(cutoff) {
			continue
		}
		c.model.PutSession(ssn)

		tasks, err := c.store.FindTasks(ssn.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.State == apis.TaskRunning {
				retried, err := c.store.RetryTask(t.ID)
				if err != nil {
					return err
				}
				t = retried
				metrics.TasksRetried.Inc()
				c.appendEvent(ssn.ID, t.ID.TaskID, "task.retried", "recovered at startup")
			}
			c.model.PutTask(t)
		}
	}
	return nil
}

// --- Applications ----------------------------------------------------

// defaultMaxInstances matches the original's DEFAULT_MAX_INSTANCES applied
// by the storage engine on registration; the fair-share plugin relies on
// every registered application carrying a positive instance cap.
const defaultMaxInstances int32 = 10

func (c *Controller) RegisterApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	if attrs.MaxInstances <= 0 {
		attrs.MaxInstances = defaultMaxInstances
	}
	app, err := c.store.RegisterApplication(name, attrs)
	if err != nil {
		return nil, err
	}
	c.model.PutApplication(app)
	return app, nil
}

func (c *Controller) UpdateApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	if attrs.MaxInstances <= 0 {
		attrs.MaxInstances = defaultMaxInstances
	}
	app, err := c.store.UpdateApplication(name, attrs)
	if err != nil {
		return nil, err
	}
	c.model.PutApplication(app)
	return app, nil
}

func (c *Controller) UnregisterApplication(ctx context.Context, name string) error {
	if err := c.store.UnregisterApplication(name); err != nil {
		return err
	}
	c.model.DeleteApplication(name)
	return nil
}

func (c *Controller) GetApplication(ctx context.Context, name string) (*apis.Application, error) {
	if app, ok := c.model.GetApplication(name); ok {
		return app, nil
	}
	app, err := c.store.FindApplication(name)
	if err != nil {
		return nil, err
	}
	c.model.PutApplication(app)
	return app, nil
}

func (c *Controller) ListApplication(ctx context.Context) ([]*apis.Application, error) {
	apps, err := c.store.ListApplications()
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		c.model.PutApplication(app)
	}
	return apps, nil
}

// --- Sessions ----------------------------------------------------------

func (c *Controller) CreateSession(ctx context.Context, id string, spec storage.SessionSpec) (*apis.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ssn, err := c.store.CreateSession(id, spec)
	if err != nil {
		return nil, err
	}
	c.model.PutSession(ssn)
	c.appendEvent(id, 0, "session.created", "")
	return ssn, nil
}

// OpenSession is idempotent: concurrent calls for the same id coalesce
// into a single engine mutation via singleflight (spec scenario 6).
func (c *Controller) OpenSession(ctx context.Context, id string, spec *storage.SessionSpec) (*apis.Session, error) {
	v, err, _ := c.openGroup.Do(id, func() (interface{}, error) {
		return c.store.OpenSession(id, spec)
	})
	if err != nil {
		return nil, err
	}
	ssn := v.(*apis.Session)
	c.model.PutSession(ssn)
	return ssn, nil
}

func (c *Controller) CloseSession(ctx context.Context, id string) (*apis.Session, error) {
	ssn, err := c.store.CloseSession(id)
	if err != nil {
		return nil, err
	}
	c.model.DeleteSession(id)
	c.appendEvent(id, 0, "session.closed", "")
	c.ssnSignals.broadcast(id)
	return ssn, nil
}

func (c *Controller) DeleteSession(ctx context.Context, id string) (*apis.Session, error) {
	ssn, err := c.store.DeleteSession(id)
	if err != nil {
		return nil, err
	}
	c.model.DeleteSession(id)
	if err := c.events.DeleteSession(id); err != nil {
		c.log.Warn().Err(err).Str("session", id).Msg("purge event log failed")
	}
	return ssn, nil
}

func (c *Controller) GetSession(ctx context.Context, id string) (*apis.Session, error) {
	if ssn, ok := c.model.GetSession(id); ok {
		return ssn, nil
	}
	ssn, err := c.store.FindSession(id)
	if err != nil {
		return nil, err
	}
	if ssn.State == apis.SessionOpen {
		c.model.PutSession(ssn)
	}
	return ssn, nil
}

func (c *Controller) ListSession(ctx context.Context, includeClosed bool) ([]*apis.Session, error) {
	return c.store.ListSessions(includeClosed)
}

// --- Tasks ---------------------------------------------------------------

func (c *Controller) CreateTask(ctx context.Context, sessionID string, input []byte) (*apis.Task, error) {
	task, err := c.store.CreateTask(sessionID, input)
	if err != nil {
		return nil, err
	}
	c.model.PutTask(task)
	c.appendEvent(sessionID, task.ID.TaskID, "task.created", "")
	c.ssnSignals.broadcast(sessionID)
	return task, nil
}

func (c *Controller) GetTask(ctx context.Context, id apis.TaskID) (*apis.Task, error) {
	if task, ok := c.model.GetTask(id); ok {
		return task, nil
	}
	return c.store.FindTask(id)
}

func (c *Controller) ListTask(ctx context.Context, sessionID string) ([]*apis.Task, error) {
	if _, ok := c.model.GetSession(sessionID); ok {
		return c.model.ListTasks(sessionID), nil
	}
	return c.store.FindTasks(sessionID)
}

// WatchTask blocks until the task's version changes, the session closes,
// or ctx is cancelled, then returns the task's current state. The
// frontend's WatchTasks stream does not use it; it waits on
// AwaitSessionChange instead.
func (c *Controller) WatchTask(ctx context.Context, id apis.TaskID, knownVersion uint64) (*apis.Task, error) {
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Version != knownVersion {
			return task, nil
		}
		if ssn, err := c.GetSession(ctx, id.SessionID); err == nil && ssn.State == apis.SessionClosed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ssnSignals.wait(id.SessionID):
		}
	}
}

// AwaitSessionChange blocks until some task in the session changes (task
// created or completed) or ctx is cancelled. WatchTasks uses this to
// drive its poll-on-change loop instead of busy-polling.
func (c *Controller) AwaitSessionChange(ctx context.Context, sessionID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ssnSignals.wait(sessionID):
		return nil
	}
}

// Snapshot takes the read-only view the scheduler runs one tick against.
func (c *Controller) Snapshot() *snapshot.Snapshot {
	return snapshot.Take(c.model)
}
