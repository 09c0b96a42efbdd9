package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"
)

// Health 为某个提供方最近一次心跳的结果。
type Health struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Last    time.Time `json:"last"`
	Error   string    `json:"error,omitempty"`
}

// 文档注释：提供方注册表
// 背景：负责提供方注册与周期心跳，健康状态经 /health 接口对外暴露。
// 约束：心跳周期默认 10s；注册时默认健康；心跳在锁外执行，慢提供方不阻塞状态读取。
type Registry struct {
	mu         sync.RWMutex
	ps         map[string]Heartbeater
	st         map[string]Health
	hbInterval time.Duration
}

func NewRegistry(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{ps: make(map[string]Heartbeater), st: make(map[string]Health), hbInterval: interval}
}

func (r *Registry) Register(h Heartbeater) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ps[h.Name()] = h
	r.st[h.Name()] = Health{Name: h.Name(), Healthy: true, Last: time.Now()}
	logger.L().Info("provider_registered", "name", h.Name())
}

// Status 按名称排序返回全部提供方的健康状态。
func (r *Registry) Status() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.st))
	for _, s := range r.st {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy 报告全部提供方是否健康。
func (r *Registry) Healthy() bool {
	for _, s := range r.Status() {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Start 启动心跳循环，ctx 取消时停止。
func (r *Registry) Start(ctx context.Context) {
	t := time.NewTicker(r.hbInterval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Check(ctx)
			}
		}
	}()
}

// Check 对全部提供方执行一次心跳。
func (r *Registry) Check(ctx context.Context) {
	r.mu.RLock()
	ps := make([]Heartbeater, 0, len(r.ps))
	for _, p := range r.ps {
		ps = append(ps, p)
	}
	r.mu.RUnlock()
	for _, p := range ps {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := p.Heartbeat(cctx)
		cancel()
		h := Health{Name: p.Name(), Healthy: err == nil, Last: time.Now()}
		if err != nil {
			h.Error = err.Error()
			logger.L().Debug("provider_heartbeat_fail", "name", p.Name(), "err", err)
			metrics.ProviderHeartbeatTotal.WithLabelValues(p.Name(), "fail").Inc()
		} else {
			logger.L().Debug("provider_heartbeat_ok", "name", p.Name())
			metrics.ProviderHeartbeatTotal.WithLabelValues(p.Name(), "ok").Inc()
		}
		r.mu.Lock()
		r.st[p.Name()] = h
		r.mu.Unlock()
	}
}
