package control

import (
	"sync"

	"github.com/cuemby/warren/pkg/ident"
)

// BlockCache holds the most recently reported BlockInfo per node,
// updated by an agent's periodic height report (spec.md §4.G
// "get_scored_peers" depends on externally-kept freshness data; this is
// that data's home). Implements peerproxy.BlockInfoSource.
type BlockCache struct {
	mu   sync.RWMutex
	envs map[ident.EnvId]map[ident.NodeKey]BlockInfo
}

// NewBlockCache builds an empty cache.
func NewBlockCache() *BlockCache {
	return &BlockCache{envs: make(map[ident.EnvId]map[ident.NodeKey]BlockInfo)}
}

// Update records the latest BlockInfo observed for one node.
func (c *BlockCache) Update(env ident.EnvId, node ident.NodeKey, info BlockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes, ok := c.envs[env]
	if !ok {
		nodes = make(map[ident.NodeKey]BlockInfo)
		c.envs[env] = nodes
	}
	nodes[node] = info
}

// BlockInfo implements peerproxy.BlockInfoSource: a snapshot copy of
// every node's last-reported info for env.
func (c *BlockCache) BlockInfo(env ident.EnvId) map[ident.NodeKey]BlockInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := c.envs[env]
	out := make(map[ident.NodeKey]BlockInfo, len(nodes))
	for k, v := range nodes {
		out[k] = v
	}
	return out
}

// Forget drops every cached entry for env, called on environment Cleanup.
func (c *BlockCache) Forget(env ident.EnvId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.envs, env)
}
