// Package model is the process-wide in-memory cache mirroring durable
// state for Open sessions, Enabled applications, and all known Nodes and
// Executors (spec §4.2). The cache is authoritative for scheduling; the
// storage engine is authoritative for persistence. One mutex guards each
// entity; two entity locks are never held simultaneously — cross-entity
// operations clone fields out from under one lock before taking the next.
package model

import (
	"sync"

	"github.com/flame-sh/flame/pkg/apis"
)

type applicationEntry struct {
	mu  sync.Mutex
	app apis.Application
}

type sessionEntry struct {
	mu  sync.Mutex
	ssn apis.Session
}

type taskEntry struct {
	mu   sync.Mutex
	task apis.Task
}

type nodeEntry struct {
	mu   sync.Mutex
	node apis.Node
}

type executorEntry struct {
	mu  sync.Mutex
	exe apis.Executor
}

// Model is the in-memory cache. The outer RWMutex only guards the maps
// themselves (insertion/removal of entries); the per-entry mutex guards
// the entity's mutable fields.
type Model struct {
	mu sync.RWMutex

	applications map[string]*applicationEntry
	sessions     map[string]*sessionEntry
	// tasks is indexed per-session for the "index their tasks in cache for
	// fast iteration" requirement, without tasks holding a back-pointer to
	// their session.
	tasks     map[string]map[uint64]*taskEntry
	nodes     map[string]*nodeEntry
	executors map[string]*executorEntry
}

// New creates an empty in-memory model.
func New() *Model {
	return &Model{
		applications: make(map[string]*applicationEntry),
		sessions:     make(map[string]*sessionEntry),
		tasks:        make(map[string]map[uint64]*taskEntry),
		nodes:        make(map[string]*nodeEntry),
		executors:    make(map[string]*executorEntry),
	}
}

// --- Applications ---------------------------------------------------------

func (m *Model) PutApplication(app *apis.Application) {
	m.mu.Lock()
	entry, ok := m.applications[app.Name]
	if !ok {
		entry = &applicationEntry{}
		m.applications[app.Name] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.app = *app.Clone()
	entry.mu.Unlock()
}

func (m *Model) GetApplication(name string) (*apis.Application, bool) {
	m.mu.RLock()
	entry, ok := m.applications[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.app.Clone(), true
}

func (m *Model) DeleteApplication(name string) {
	m.mu.Lock()
	delete(m.applications, name)
	m.mu.Unlock()
}

func (m *Model) ListApplications() []*apis.Application {
	m.mu.RLock()
	entries := make([]*applicationEntry, 0, len(m.applications))
	for _, e := range m.applications {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*apis.Application, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.app.Clone())
		e.mu.Unlock()
	}
	return out
}

// --- Sessions ---------------------------------------------------------

func (m *Model) PutSession(ssn *apis.Session) {
	m.mu.Lock()
	entry, ok := m.sessions[ssn.ID]
	if !ok {
		entry = &sessionEntry{}
		m.sessions[ssn.ID] = entry
		if _, ok := m.tasks[ssn.ID]; !ok {
			m.tasks[ssn.ID] = make(map[uint64]*taskEntry)
		}
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.ssn = *ssn.Clone()
	entry.mu.Unlock()
}

func (m *Model) GetSession(id string) (*apis.Session, bool) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.ssn.Clone(), true
}

// MutateSession applies fn under the session's lock and stores the result.
// fn receives a clone; returning an error leaves the cache untouched.
func (m *Model) MutateSession(id string, fn func(*apis.Session) error) error {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cur := entry.ssn.Clone()
	if err := fn(cur); err != nil {
		return err
	}
	entry.ssn = *cur
	return nil
}

func (m *Model) DeleteSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.tasks, id)
	m.mu.Unlock()
}

// ListSessions returns sessions; openOnly restricts to State == Open.
func (m *Model) ListSessions(openOnly bool) []*apis.Session {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*apis.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		ssn := e.ssn.Clone()
		e.mu.Unlock()
		if openOnly && ssn.State != apis.SessionOpen {
			continue
		}
		out = append(out, ssn)
	}
	return out
}

// --- Tasks ---------------------------------------------------------------

func (m *Model) PutTask(task *apis.Task) {
	m.mu.Lock()
	bucket, ok := m.tasks[task.ID.SessionID]
	if !ok {
		bucket = make(map[uint64]*taskEntry)
		m.tasks[task.ID.SessionID] = bucket
	}
	entry, ok := bucket[task.ID.TaskID]
	if !ok {
		entry = &taskEntry{}
		bucket[task.ID.TaskID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.task = *task.Clone()
	entry.mu.Unlock()
}

func (m *Model) GetTask(id apis.TaskID) (*apis.Task, bool) {
	m.mu.RLock()
	bucket, ok := m.tasks[id.SessionID]
	var entry *taskEntry
	if ok {
		entry, ok = bucket[id.TaskID]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), true
}

func (m *Model) ListTasks(sessionID string) []*apis.Task {
	m.mu.RLock()
	bucket := m.tasks[sessionID]
	entries := make([]*taskEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*apis.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
	}
	return out
}

// PendingTask returns the Pending task with the lowest task id for a
// session, or nil if the session has none.
func (m *Model) PendingTask(sessionID string) *apis.Task {
	m.mu.RLock()
	bucket := m.tasks[sessionID]
	entries := make([]*taskEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var best *apis.Task
	for _, e := range entries {
		e.mu.Lock()
		if e.task.State == apis.TaskPending {
			t := e.task.Clone()
			e.mu.Unlock()
			if best == nil || t.ID.TaskID < best.ID.TaskID {
				best = t
			}
			continue
		}
		e.mu.Unlock()
	}
	return best
}

// --- Nodes -----------------------------------------------------------

func (m *Model) PutNode(node *apis.Node) {
	m.mu.Lock()
	entry, ok := m.nodes[node.Name]
	if !ok {
		entry = &nodeEntry{}
		m.nodes[node.Name] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.node = *node.Clone()
	entry.mu.Unlock()
}

func (m *Model) GetNode(name string) (*apis.Node, bool) {
	m.mu.RLock()
	entry, ok := m.nodes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.node.Clone(), true
}

// MutateNode applies fn under the node's lock and stores the result.
// Returns false if the node isn't cached.
func (m *Model) MutateNode(name string, fn func(*apis.Node) error) (bool, error) {
	m.mu.RLock()
	entry, ok := m.nodes[name]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cur := entry.node.Clone()
	if err := fn(cur); err != nil {
		return true, err
	}
	entry.node = *cur
	return true, nil
}

func (m *Model) DeleteNode(name string) {
	m.mu.Lock()
	delete(m.nodes, name)
	m.mu.Unlock()
}

func (m *Model) ListNodes() []*apis.Node {
	m.mu.RLock()
	entries := make([]*nodeEntry, 0, len(m.nodes))
	for _, e := range m.nodes {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*apis.Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.Clone())
		e.mu.Unlock()
	}
	return out
}

// --- Executors -------------------------------------------------------

func (m *Model) PutExecutor(exe *apis.Executor) {
	m.mu.Lock()
	entry, ok := m.executors[exe.ID]
	if !ok {
		entry = &executorEntry{}
		m.executors[exe.ID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.exe = *exe.Clone()
	entry.mu.Unlock()
}

func (m *Model) GetExecutor(id string) (*apis.Executor, bool) {
	m.mu.RLock()
	entry, ok := m.executors[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.exe.Clone(), true
}

// MutateExecutor applies fn under the executor's lock and stores the
// result. Returns false if the executor isn't cached.
func (m *Model) MutateExecutor(id string, fn func(*apis.Executor) error) (bool, error) {
	m.mu.RLock()
	entry, ok := m.executors[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cur := entry.exe.Clone()
	if err := fn(cur); err != nil {
		return true, err
	}
	entry.exe = *cur
	return true, nil
}

func (m *Model) DeleteExecutor(id string) {
	m.mu.Lock()
	delete(m.executors, id)
	m.mu.Unlock()
}

func (m *Model) ListExecutors() []*apis.Executor {
	m.mu.RLock()
	entries := make([]*executorEntry, 0, len(m.executors))
	for _, e := range m.executors {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*apis.Executor, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.exe.Clone())
		e.mu.Unlock()
	}
	return out
}

// ListExecutorsByState returns a snapshot of executors in any of the given states.
func (m *Model) ListExecutorsByState(states ...apis.ExecutorState) []*apis.Executor {
	set := make(map[apis.ExecutorState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	var out []*apis.Executor
	for _, e := range m.ListExecutors() {
		if set[e.State] {
			out = append(out, e)
		}
	}
	return out
}

// ListExecutorsByNode returns a snapshot of executors bound to a node.
func (m *Model) ListExecutorsByNode(node string) []*apis.Executor {
	var out []*apis.Executor
	for _, e := range m.ListExecutors() {
		if e.Node == node {
			out = append(out, e)
		}
	}
	return out
}
