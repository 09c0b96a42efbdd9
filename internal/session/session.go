// 包 session：按层级链组装级联、覆盖层同步、范围解析与展示触发器，并按会话 ID 管理其生命周期
package session

import (
	"context"
	"log/slog"
	"time"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/display"
	"geo-cascade/internal/extent"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/mapsync"
	"geo-cascade/internal/provider"
)

// Deps 为会话依赖的外部协作方；Display 为空时不启用可视化展示。
type Deps struct {
	Nodes      provider.HierarchyProvider
	Features   provider.FeatureProvider
	Display    provider.DisplayProvider
	Logger     *slog.Logger
	BaseSource string
	FitPadding float64
	FitAnimate time.Duration
}

// 文档注释：单个决策模块实例
// 背景：同一套级联/地图逻辑按层级链参数化，每个会话独占一组状态与一个地图表面。
// 约束：级联状态与覆盖层不跨会话共享；Close 之后不再接受状态变更，在途响应被丢弃。
type Session struct {
	ID      string
	Variant hierarchy.Variant
	Created time.Time

	cascade  *cascade.Cascade
	sync     *mapsync.Synchronizer
	resolver *extent.Resolver
	trigger  *display.Trigger
	surface  *mapsync.CommandLog
	unsub    []func()
	lastUsed time.Time
}

func Open(ctx context.Context, id string, v hierarchy.Variant, d Deps) (*Session, error) {
	l := d.Logger
	if l == nil {
		l = logger.L()
	}
	l = l.With("session", id, "variant", v.Name)
	surface := mapsync.NewCommandLog()
	ropts := []extent.Option{extent.WithLogger(l)}
	if d.FitPadding > 0 {
		ropts = append(ropts, extent.WithPadding(d.FitPadding))
	}
	if d.FitAnimate > 0 {
		ropts = append(ropts, extent.WithDuration(d.FitAnimate))
	}
	resolver := extent.NewResolver(v, d.Features, surface, ropts...)
	sopts := []mapsync.Option{mapsync.WithLogger(l)}
	if d.BaseSource != "" {
		sopts = append(sopts, mapsync.WithBaseSource(d.BaseSource))
	}
	syncer := mapsync.NewSynchronizer(v, surface, resolver, sopts...)
	if err := syncer.Start(ctx); err != nil {
		return nil, err
	}
	c, err := cascade.New(v, d.Nodes, cascade.WithLogger(l))
	if err != nil {
		_ = syncer.Stop(ctx)
		return nil, err
	}
	s := &Session{ID: id, Variant: v, Created: time.Now(), cascade: c, sync: syncer, resolver: resolver, surface: surface, lastUsed: time.Now()}
	s.unsub = append(s.unsub, c.Subscribe(syncer.OnState))
	if d.Display != nil && v.Display {
		s.trigger = display.NewTrigger(v, d.Display, surface, l)
		s.unsub = append(s.unsub, c.Subscribe(s.trigger.OnState))
	}
	if err := c.Initialize(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	l.Info("session_opened")
	return s, nil
}

func (s *Session) Select(level hierarchy.Level, ids []geoid.ID) error {
	return s.cascade.Select(level, geoid.NewSet(ids...))
}

func (s *Session) Confirm() (*cascade.SelectionSnapshot, error) { return s.cascade.Confirm() }

func (s *Session) Reset() { s.cascade.Reset() }

func (s *Session) State() cascade.State { return s.cascade.State() }

func (s *Session) Snapshot() *cascade.SelectionSnapshot { return s.cascade.Snapshot() }

// Commands 返回序号大于 since 的地图命令。
func (s *Session) Commands(since uint64) []mapsync.Command { return s.surface.Since(since) }

// Overlays 返回地图上当前存在的全部覆盖层。
func (s *Session) Overlays() []mapsync.Overlay { return s.surface.Overlays() }

// Display 返回展示结果；未启用时 enabled 为 false。
func (s *Session) Display() (ds []provider.RasterDescriptor, errMsg string, enabled bool) {
	if s.trigger == nil {
		return nil, "", false
	}
	ds, errMsg = s.trigger.Result()
	return ds, errMsg, true
}

// Wait 阻塞至层级加载、视图适配与展示请求全部结束。
func (s *Session) Wait() {
	s.cascade.Wait()
	s.resolver.Wait()
	if s.trigger != nil {
		s.trigger.Wait()
	}
}

func (s *Session) Close(ctx context.Context) {
	for _, fn := range s.unsub {
		fn()
	}
	s.cascade.Close()
	_ = s.sync.Stop(ctx)
}
