package scheduler

import (
	"context"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/fairshare"
	"github.com/flame-sh/flame/pkg/snapshot"
)

// allocate pairs remaining underused sessions, most starved first, with
// the least-loaded allocatable node, creating one Void executor per pairing
// until no session is underused. Sessions for which no node is allocatable this pass are skipped rather
// than retried, so the loop always terminates (spec §4.4 action 2).
func allocate(ctx context.Context, ctrl Controller, snap *snapshot.Snapshot, plugin *fairshare.Plugin) error {
	skip := make(map[string]bool)

	for {
		sess := mostStarvedUnderused(snap, plugin, skip)
		if sess == nil {
			return nil
		}

		node := leastLoadedNode(snap, plugin, sess.Session.Slots)
		if node == nil {
			skip[sess.Session.ID] = true
			continue
		}

		resource := apis.ResourceRequirement{CPU: float64(sess.Session.Slots), Memory: int64(sess.Session.Slots)}
		if _, err := ctrl.CreateExecutor(ctx, node.Node.Name, sess.Session.ID, sess.Session.Slots, resource); err != nil {
			return err
		}
		plugin.OnCreateExecutor(sess.Session.ID, node.Node.Name, sess.Session.Slots)
	}
}

// leastLoadedNode returns the node with the smallest allocated/capacity
// ratio (plugin.NodeLess order) that can still fit the requested slots.
func leastLoadedNode(snap *snapshot.Snapshot, plugin *fairshare.Plugin, slots int32) *snapshot.NodeView {
	var best *snapshot.NodeView
	for _, nv := range snap.Nodes {
		if !plugin.IsAllocatable(nv.Node.Name, slots) {
			continue
		}
		if best == nil || plugin.NodeLess(nv.Node.Name, best.Node.Name) {
			best = nv
		}
	}
	return best
}
