// Package fairshare implements the scheduler's fair-share plugin (spec
// §4.4): desired/deserved/allocated accounting via a water-filling
// distribution, the underused/preemptible/allocatable/available
// admission predicates, and the session/node ordering used by the
// scheduler's heaps. The plugin is rebuilt fresh from a snapshot() at
// the start of every tick and mutated in place by the actions that run
// within that tick (on_create_executor, on_session_bind, on_session_unbind).
package fairshare

import (
	"sort"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/snapshot"
)

type sessionAccount struct {
	id          string
	slots       int32
	desired     int32
	deserved    int32
	allocated   int32
}

type nodeAccount struct {
	name        string
	allocatable int32
	allocated   int32
}

// Plugin holds one tick's worth of fair-share accounting.
type Plugin struct {
	slotUnit apis.ResourceRequirement
	sessions map[string]*sessionAccount
	nodes    map[string]*nodeAccount
}

// counted reports whether an executor's slots count towards its session's
// and node's allocated totals: Void, Binding, Bound, Unbinding and
// Releasing always count, Idle only while it carries a session id. Void must be counted from
// the moment Allocate creates it with an intended session, or the
// session looks underused on every following tick and Allocate keeps
// creating new Void executors for it without bound.
func counted(e *apis.Executor) bool {
	switch e.State {
	case apis.ExecutorVoid, apis.ExecutorBinding, apis.ExecutorBound, apis.ExecutorUnbinding, apis.ExecutorReleasing:
		return true
	case apis.ExecutorIdle:
		return e.SessionID != ""
	default:
		return false
	}
}

// New builds plugin accounting from a snapshot: desired/allocated per
// session, allocatable/allocated per node, then runs the water-filling
// loop to compute deserved(s) for every open session.
func New(snap *snapshot.Snapshot, slotUnit apis.ResourceRequirement) *Plugin {
	p := &Plugin{
		slotUnit: slotUnit,
		sessions: make(map[string]*sessionAccount),
		nodes:    make(map[string]*nodeAccount),
	}

	for _, nv := range snap.Nodes {
		na := &nodeAccount{name: nv.Node.Name, allocatable: nv.Node.Allocatable.ToSlots(slotUnit)}
		for _, e := range nv.Executors {
			if counted(e) {
				na.allocated += e.Slots
			}
		}
		p.nodes[na.name] = na
	}

	for _, sv := range snap.Sessions {
		outstanding := sv.PendingTasks + sv.RunningTasks
		if sv.Application != nil && sv.Application.MaxInstances > 0 && outstanding > sv.Application.MaxInstances {
			outstanding = sv.Application.MaxInstances
		}
		sa := &sessionAccount{
			id:      sv.Session.ID,
			slots:   sv.Session.Slots,
			desired: outstanding * sv.Session.Slots,
		}
		for _, e := range sv.BoundExecutors {
			if counted(e) {
				sa.allocated += e.Slots
			}
		}
		p.sessions[sa.id] = sa
	}

	p.waterFill()
	return p
}

func (p *Plugin) totalClusterSlots() int32 {
	var total int32
	for _, n := range p.nodes {
		total += n.allocatable
	}
	return total
}

func (p *Plugin) totalAllocated() int32 {
	var total int32
	for _, s := range p.sessions {
		total += s.allocated
	}
	return total
}

// waterFill distributes total-cluster-slots minus currently allocated
// across sessions proportional to outstanding desired: repeatedly take
// the session with the smallest current deserved, give it
// remaining/|underused| up to its desired.
func (p *Plugin) waterFill() {
	remaining := p.totalClusterSlots() - p.totalAllocated()
	if remaining < 0 {
		remaining = 0
	}

	for remaining > 0 {
		underused := p.underusedByDeserved()
		if len(underused) == 0 {
			break
		}
		share := remaining / int32(len(underused))
		if share == 0 {
			share = 1
		}
		s := underused[0]
		give := s.desired - s.deserved
		if give > share {
			give = share
		}
		if give > remaining {
			give = remaining
		}
		if give <= 0 {
			break
		}
		s.deserved += give
		remaining -= give
	}
}

func (p *Plugin) underusedByDeserved() []*sessionAccount {
	var out []*sessionAccount
	for _, s := range p.sessions {
		if s.deserved < s.desired {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].deserved < out[j].deserved })
	return out
}

// --- accessors ---------------------------------------------------------

func (p *Plugin) Desired(sessionID string) int32 {
	if s, ok := p.sessions[sessionID]; ok {
		return s.desired
	}
	return 0
}

func (p *Plugin) Deserved(sessionID string) int32 {
	if s, ok := p.sessions[sessionID]; ok {
		return s.deserved
	}
	return 0
}

func (p *Plugin) Allocated(sessionID string) int32 {
	if s, ok := p.sessions[sessionID]; ok {
		return s.allocated
	}
	return 0
}

func (p *Plugin) NodeAllocated(node string) int32 {
	if n, ok := p.nodes[node]; ok {
		return n.allocated
	}
	return 0
}

func (p *Plugin) NodeAllocatable(node string) int32 {
	if n, ok := p.nodes[node]; ok {
		return n.allocatable
	}
	return 0
}

// --- predicates ----------------------------------------------------------

func (p *Plugin) IsUnderused(sessionID string) bool {
	return p.Allocated(sessionID) < p.Deserved(sessionID)
}

// IsPreemptible reports whether a session could give up one executor of
// the given slot width and still be at or above its deserved share.
func (p *Plugin) IsPreemptible(sessionID string, slots int32) bool {
	return p.Allocated(sessionID)-slots >= p.Deserved(sessionID)
}

func (p *Plugin) IsAllocatable(node string, slots int32) bool {
	return p.NodeAllocated(node)+slots <= p.NodeAllocatable(node)
}

// IsAvailable reports whether an idle executor's slot width matches a
// session's required width.
func IsAvailable(exec *apis.Executor, sessionSlots int32) bool {
	return exec.Slots == sessionSlots
}

// --- ordering --------------------------------------------------------

// SessionLess implements the "pick the proportionally-most-starved
// first" heap order: s1 > s2 iff allocated(s1)*deserved(s2) <
// allocated(s2)*deserved(s1). SessionLess(a, b) reports whether a should
// be popped before b.
func (p *Plugin) SessionLess(a, b string) bool {
	sa, sb := p.sessions[a], p.sessions[b]
	if sa == nil || sb == nil {
		return false
	}
	return int64(sa.allocated)*int64(sb.deserved) < int64(sb.allocated)*int64(sa.deserved)
}

// NodeLess is the analogous order over allocated*capacity.
func (p *Plugin) NodeLess(a, b string) bool {
	na, nb := p.nodes[a], p.nodes[b]
	if na == nil || nb == nil {
		return false
	}
	return int64(na.allocated)*int64(nb.allocatable) < int64(nb.allocated)*int64(na.allocatable)
}

// --- in-tick callbacks -------------------------------------------------

// OnCreateExecutor records a newly created Void executor against both
// its intended session and its node's allocation so later actions in
// the same tick see consistent accounting.
func (p *Plugin) OnCreateExecutor(sessionID, node string, slots int32) {
	if s, ok := p.sessions[sessionID]; ok {
		s.allocated += slots
	}
	if n, ok := p.nodes[node]; ok {
		n.allocated += slots
	}
}

// OnSessionBind records an existing Idle executor being bound to a
// session (Dispatch): the executor's node is already occupied, so only
// the session's allocation grows.
func (p *Plugin) OnSessionBind(sessionID string, slots int32) {
	if s, ok := p.sessions[sessionID]; ok {
		s.allocated += slots
	}
}

// OnSessionUnbind is invoked when Shuffle marks a Bound executor for
// preemption. The executor moves to Unbinding, which still counts
// towards allocated(s) until the agent confirms release, so this is a
// no-op today; it exists so the callback set matches the plugin
// contract and future accounting changes have a home.
func (p *Plugin) OnSessionUnbind(sessionID string, slots int32) {}
