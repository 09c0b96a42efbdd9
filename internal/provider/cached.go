package provider

import (
	"context"
	"encoding/json"
	"time"

	"geo-cascade/internal/cache"
	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"

	"github.com/paulmach/orb/geojson"
	"github.com/redis/go-redis/v9"
)

// 文档注释：两级缓存装饰器（进程内 LRU → Redis → 上游）
// 背景：重置后重新选择同一父级、多个会话浏览同一地区时，子节点与几何请求高度重复。
// 约束：缓存值为 JSON；Redis 为空时仅使用进程内缓存；失败结果不缓存；Redis 读写失败按未命中处理。
type Cached struct {
	name  string
	nodes HierarchyProvider
	feats FeatureProvider
	lru   *cache.LRU[[]byte]
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCached wraps the given providers; either may be nil.
func NewCached(name string, nodes HierarchyProvider, feats FeatureProvider, lru *cache.LRU[[]byte], rdb *redis.Client, ttl time.Duration) *Cached {
	if lru == nil {
		lru = cache.NewLRU[[]byte](0, 0)
	}
	return &Cached{name: name, nodes: nodes, feats: feats, lru: lru, rdb: rdb, ttl: ttl}
}

func (c *Cached) Name() string { return c.name }

// Heartbeat 转发到被装饰的提供方。
func (c *Cached) Heartbeat(ctx context.Context) error {
	for _, p := range []any{c.nodes, c.feats} {
		if h, ok := p.(Heartbeater); ok {
			if err := h.Heartbeat(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cached) Roots(ctx context.Context, level string) ([]hierarchy.Node, error) {
	key := "geo:roots:" + level
	var out []hierarchy.Node
	if c.load(ctx, key, &out) {
		return out, nil
	}
	out, err := c.nodes.Roots(ctx, level)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, out)
	return out, nil
}

func (c *Cached) Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
	key := "geo:children:" + level + ":" + geoid.Join(geoid.NewSet(parents...).Sorted(), ",")
	var out []hierarchy.Node
	if c.load(ctx, key, &out) {
		return out, nil
	}
	out, err := c.nodes.Children(ctx, level, parents)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, out)
	return out, nil
}

func (c *Cached) Features(ctx context.Context, layer string, f filter.Expression) (*geojson.FeatureCollection, error) {
	key := "geo:features:" + layer + ":" + f.Key()
	var raw json.RawMessage
	if c.load(ctx, key, &raw) {
		if fc, err := geojson.UnmarshalFeatureCollection(raw); err == nil {
			return fc, nil
		}
	}
	fc, err := c.feats.Features(ctx, layer, f)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fc)
	return fc, nil
}

func (c *Cached) load(ctx context.Context, key string, into any) bool {
	if b, ok := c.lru.Get(key); ok {
		if json.Unmarshal(b, into) == nil {
			metrics.CacheHitsTotal.WithLabelValues("lru").Inc()
			return true
		}
	}
	if c.rdb != nil {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil && json.Unmarshal(b, into) == nil {
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			c.lru.Set(key, b)
			return true
		}
		if err != nil && err != redis.Nil {
			logger.L().Debug("cache_redis_get_error", "key", key, "err", err)
		}
	}
	metrics.CacheMissesTotal.Inc()
	return false
}

func (c *Cached) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.lru.Set(key, b)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			logger.L().Debug("cache_redis_set_error", "key", key, "err", err)
		}
	}
}
