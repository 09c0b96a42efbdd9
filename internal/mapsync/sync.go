package mapsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/filter"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"

	"github.com/google/uuid"
)

// Fitter 接收视图适配请求；extent.Resolver 实现该接口。
type Fitter interface {
	Fit(f filter.Expression)
	Invalidate(level hierarchy.Level)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger replaces the default process logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBaseSource 设置底图瓦片来源。
func WithBaseSource(src string) Option { return func(s *Synchronizer) { s.baseSource = src } }

// WithContainer 设置地图容器元素。
func WithContainer(el string) Option { return func(s *Synchronizer) { s.container = el } }

// 文档注释：覆盖层同步器
// 背景：地图上每个有选择的层级恰好对应一个按选择过滤的覆盖层，层级失去选择时覆盖层在同一次更新中移除。
// 约束：
// - ZIndex 随层级深度严格递增，深层覆盖层绘制在浅层之上；
// - 覆盖层创建或更新失败只记录日志，地图保持原状，下次状态变化时重试；
// - 参考轮廓覆盖层在 Start 中创建一次，重置不移除，仅在 Stop 时随地图销毁。
type Synchronizer struct {
	variant    hierarchy.Variant
	surface    MapSurface
	fitter     Fitter
	log        *slog.Logger
	baseSource string
	container  string

	mu      sync.Mutex
	present map[hierarchy.Level]Overlay
	base    *Overlay
	started bool
}

func NewSynchronizer(v hierarchy.Variant, surface MapSurface, fitter Fitter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		variant:    v,
		surface:    surface,
		fitter:     fitter,
		log:        logger.L(),
		baseSource: "osm",
		container:  "map",
		present:    map[hierarchy.Level]Overlay{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 创建地图容器、底图与参考轮廓覆盖层；重复调用为空操作。
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.surface.CreateContainer(ctx, s.container); err != nil {
		return err
	}
	if err := s.surface.SetBaseLayer(ctx, s.baseSource); err != nil {
		return err
	}
	if s.variant.BaseLayer != "" {
		base := Overlay{ID: uuid.NewString(), Kind: KindBase, Level: -1, Layer: s.variant.BaseLayer, Opacity: s.variant.BaseOpacity}
		if err := s.surface.AddOverlay(ctx, base); err != nil {
			return err
		}
		s.base = &base
		metrics.OverlayOpsTotal.WithLabelValues("add_base").Inc()
	}
	s.started = true
	s.log.Debug("map_started", "variant", s.variant.Name, "base", s.variant.BaseLayer)
	return nil
}

// Stop 移除全部覆盖层并销毁地图。
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lvl, o := range s.present {
		_ = s.surface.RemoveOverlay(ctx, o.ID)
		delete(s.present, lvl)
	}
	if s.base != nil {
		_ = s.surface.RemoveOverlay(ctx, s.base.ID)
		s.base = nil
	}
	s.started = false
	return s.surface.Destroy(ctx)
}

// OnState 为级联订阅回调。
func (s *Synchronizer) OnState(st cascade.State) { s.Apply(context.Background(), st) }

// Apply 使覆盖层集合与 st 一致：先移除失去选择的层级，再由浅至深新增或更新，最后只对变化的最深层级发起视图适配。
func (s *Synchronizer) Apply(ctx context.Context, st cascade.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deepestBefore, hadDeepest := s.deepestLocked()
	removedDeepest := false
	for i := len(st.Levels) - 1; i >= 0; i-- {
		lvl := hierarchy.Level(i)
		o, ok := s.present[lvl]
		if !ok || len(st.Levels[i].Selected) > 0 {
			continue
		}
		if err := s.surface.RemoveOverlay(ctx, o.ID); err != nil {
			metrics.OverlayOpsTotal.WithLabelValues("error").Inc()
			s.log.Error("overlay_remove_error", "level", o.Layer, "err", err)
			continue
		}
		delete(s.present, lvl)
		s.fitter.Invalidate(lvl)
		metrics.OverlayOpsTotal.WithLabelValues("remove").Inc()
		if hadDeepest && lvl == deepestBefore {
			removedDeepest = true
		}
	}

	var fit *filter.Expression
	for i, lv := range st.Levels {
		if len(lv.Selected) == 0 {
			continue
		}
		lvl := hierarchy.Level(i)
		spec, err := s.variant.Spec(lvl)
		if err != nil {
			continue
		}
		f := filter.New(lvl, spec.Attribute, lv.SelectedSet())
		if err := f.Validate(); err != nil {
			metrics.OverlayOpsTotal.WithLabelValues("error").Inc()
			s.log.Error("overlay_filter_invalid", "level", spec.Name, "err", err)
			continue
		}
		o, ok := s.present[lvl]
		switch {
		case !ok:
			o = Overlay{ID: uuid.NewString(), Kind: KindVector, Level: lvl, Layer: spec.Layer, Filter: f, CQL: f.CQL(), ZIndex: spec.ZIndex, Opacity: spec.Opacity}
			if err := s.surface.AddOverlay(ctx, o); err != nil {
				metrics.OverlayOpsTotal.WithLabelValues("error").Inc()
				s.log.Error("overlay_add_error", "level", spec.Name, "filter", o.CQL, "err", err)
				continue
			}
			metrics.OverlayOpsTotal.WithLabelValues("add").Inc()
		case !o.Filter.Equal(f):
			if err := s.surface.SetOverlayFilter(ctx, o.ID, f); err != nil {
				metrics.OverlayOpsTotal.WithLabelValues("error").Inc()
				s.log.Error("overlay_update_error", "level", spec.Name, "filter", f.CQL(), "err", err)
				continue
			}
			o.Filter, o.CQL = f, f.CQL()
			metrics.OverlayOpsTotal.WithLabelValues("update").Inc()
		default:
			continue
		}
		s.present[lvl] = o
		ff := f
		fit = &ff
	}

	if fit == nil && removedDeepest {
		if lvl, ok := s.deepestLocked(); ok {
			f := s.present[lvl].Filter
			fit = &f
		}
	}
	if fit != nil {
		s.fitter.Fit(*fit)
	}
}

func (s *Synchronizer) deepestLocked() (hierarchy.Level, bool) {
	best, ok := hierarchy.Level(-1), false
	for lvl := range s.present {
		if lvl > best {
			best, ok = lvl, true
		}
	}
	return best, ok
}

// Overlays 返回同步器持有的级联覆盖层（不含参考轮廓），按 ZIndex 排序。
func (s *Synchronizer) Overlays() []Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]Overlay, len(s.present))
	for _, o := range s.present {
		m[o.ID] = o
	}
	return sortOverlays(m)
}

// Base 返回参考轮廓覆盖层。
func (s *Synchronizer) Base() *Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return nil
	}
	b := *s.base
	return &b
}

func sortOverlays(m map[string]Overlay) []Overlay {
	out := make([]Overlay, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}
