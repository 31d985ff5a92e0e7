package store

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
)

const (
	flowCacheTTL     = 5 * time.Minute
	flowCacheCleanup = 10 * time.Minute
)

// CachedFlowStore is a read-through cache in front of a FlowStore. Flow
// definitions change rarely relative to how often the engine walks them, so
// entries expire on a short TTL rather than being invalidated on write.
type CachedFlowStore struct {
	inner FlowStore
	cache *gocache.Cache
}

// NewCachedFlowStore wraps inner with an expiring in-memory cache.
func NewCachedFlowStore(inner FlowStore) *CachedFlowStore {
	return &CachedFlowStore{
		inner: inner,
		cache: gocache.New(flowCacheTTL, flowCacheCleanup),
	}
}

var _ FlowStore = (*CachedFlowStore)(nil)

// GetFlow returns the flow from cache or falls through to the inner store.
func (c *CachedFlowStore) GetFlow(ctx context.Context, flowID string) (*model.Flow, error) {
	key := "flow:" + flowID
	if v, ok := c.cache.Get(key); ok {
		flow := v.(model.Flow)
		logCache(ctx, "flow.get", "hit", flowID)
		return &flow, nil
	}
	flow, err := c.inner.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, *flow)
	logCache(ctx, "flow.get", "miss", flowID)
	return flow, nil
}

// GetNodesByFlow returns the node list from cache or the inner store.
func (c *CachedFlowStore) GetNodesByFlow(ctx context.Context, flowID string) ([]model.FlowNode, error) {
	key := "nodes:" + flowID
	if v, ok := c.cache.Get(key); ok {
		nodes := v.([]model.FlowNode)
		logCache(ctx, "flow.nodes", "hit", flowID)
		return append([]model.FlowNode(nil), nodes...), nil
	}
	nodes, err := c.inner.GetNodesByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, append([]model.FlowNode(nil), nodes...))
	for _, n := range nodes {
		c.cache.SetDefault("node:"+n.ID, n)
	}
	logCache(ctx, "flow.nodes", "miss", flowID)
	return nodes, nil
}

// GetNode returns a single node, populating the cache on miss.
func (c *CachedFlowStore) GetNode(ctx context.Context, nodeID string) (*model.FlowNode, error) {
	key := "node:" + nodeID
	if v, ok := c.cache.Get(key); ok {
		node := v.(model.FlowNode)
		return &node, nil
	}
	node, err := c.inner.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, *node)
	return node, nil
}

// ListFlows always reads through; the dashboard listing is not hot.
func (c *CachedFlowStore) ListFlows(ctx context.Context) ([]model.Flow, error) {
	return c.inner.ListFlows(ctx)
}

// Invalidate drops cached entries for a flow after its definition changed,
// including the per-node entries populated by GetNodesByFlow.
func (c *CachedFlowStore) Invalidate(flowID string) {
	if v, ok := c.cache.Get("nodes:" + flowID); ok {
		for _, n := range v.([]model.FlowNode) {
			c.cache.Delete("node:" + n.ID)
		}
	}
	c.cache.Delete("flow:" + flowID)
	c.cache.Delete("nodes:" + flowID)
}

func logCache(ctx context.Context, event, outcome, flowID string) {
	if !logger.ShouldSampleDebug() {
		return
	}
	logger.Debug(ctx, "db", event,
		slog.String("cache", outcome),
		slog.String("flow_id", flowID),
	)
}
