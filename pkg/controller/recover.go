package controller

import (
	"context"
	"time"
)

// SweepDeadNodes is the periodic crash-recovery pass (spec §4.5 "Crash
// recovery"): any node whose heartbeat is older than threshold is
// treated as gone — its executors' in-flight tasks are retried and the
// node is dropped, the same as an explicit ReleaseNode.
func (c *Controller) SweepDeadNodes(ctx context.Context, threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)
	var swept int
	for _, n := range c.model.ListNodes() {
		if n.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := c.ReleaseNode(ctx, n.Name); err != nil {
			c.log.Warn().Err(err).Str("node", n.Name).Msg("sweep release node failed")
			continue
		}
		swept++
		c.log.Warn().Str("node", n.Name).Msg("node heartbeat expired, executors recovered")
	}
	return swept
}
