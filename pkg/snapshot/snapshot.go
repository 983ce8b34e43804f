// Package snapshot builds the immutable, read-only view of the cluster
// that a single scheduler tick consumes end to end (spec §3 "Ownership",
// §4.4). Taking a snapshot is the only place the scheduler touches the
// live in-memory model; everything downstream (fairshare, dispatch,
// allocate, shuffle) works against copies, so the tick can run lock-free
// and the model can keep serving RPCs concurrently.
package snapshot

import "github.com/flame-sh/flame/pkg/apis"

// SessionView is a session plus the subset of its tasks the scheduler
// cares about (pending and running task counts, its executors) for one tick.
type SessionView struct {
	Session        *apis.Session
	Application    *apis.Application
	PendingTasks   int32
	RunningTasks   int32
	BoundExecutors []*apis.Executor // executors carrying this session's id, including Void ones created for it
}

// NodeView is a node plus the executors currently occupying it.
type NodeView struct {
	Node      *apis.Node
	Executors []*apis.Executor
}

// Snapshot is the full point-in-time view handed to one scheduler tick.
type Snapshot struct {
	Sessions  []*SessionView
	Nodes     []*NodeView
	Executors []*apis.Executor
}

// Model is the minimal read surface snapshot needs from the in-memory
// cache; pkg/model.Model satisfies it.
type Model interface {
	ListSessions(openOnly bool) []*apis.Session
	ListTasks(sessionID string) []*apis.Task
	GetApplication(name string) (*apis.Application, bool)
	ListNodes() []*apis.Node
	ListExecutors() []*apis.Executor
}

// Take captures a consistent-enough snapshot of open sessions, known
// nodes and executors for the scheduler to run one tick against.
func Take(m Model) *Snapshot {
	executors := m.ListExecutors()

	bySession := make(map[string][]*apis.Executor)
	byNode := make(map[string][]*apis.Executor)
	for _, e := range executors {
		if e.SessionID != "" {
			bySession[e.SessionID] = append(bySession[e.SessionID], e)
		}
		byNode[e.Node] = append(byNode[e.Node], e)
	}

	var sessions []*SessionView
	for _, ssn := range m.ListSessions(true) {
		app, _ := m.GetApplication(ssn.Application)
		var pending, running int32
		for _, t := range m.ListTasks(ssn.ID) {
			switch t.State {
			case apis.TaskPending:
				pending++
			case apis.TaskRunning:
				running++
			}
		}
		sessions = append(sessions, &SessionView{
			Session:        ssn,
			Application:    app,
			PendingTasks:   pending,
			RunningTasks:   running,
			BoundExecutors: bySession[ssn.ID],
		})
	}

	var nodes []*NodeView
	for _, n := range m.ListNodes() {
		nodes = append(nodes, &NodeView{Node: n, Executors: byNode[n.Name]})
	}

	return &Snapshot{Sessions: sessions, Nodes: nodes, Executors: executors}
}

// FindSession returns the view for a session id, or nil.
func (s *Snapshot) FindSession(id string) *SessionView {
	for _, sv := range s.Sessions {
		if sv.Session.ID == id {
			return sv
		}
	}
	return nil
}

// FindNode returns the view for a node name, or nil.
func (s *Snapshot) FindNode(name string) *NodeView {
	for _, nv := range s.Nodes {
		if nv.Node.Name == name {
			return nv
		}
	}
	return nil
}
