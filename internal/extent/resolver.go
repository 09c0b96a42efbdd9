package extent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"
	"geo-cascade/internal/provider"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var (
	ErrEmptyExtent = errors.New("extent: no valid coordinates")
	ErrStale       = errors.New("extent: superseded by a newer fit")
)

// FitOptions 为视图适配参数；Bound 已投影到 Web Mercator。
type FitOptions struct {
	Padding  float64       `json:"padding"`
	MaxZoom  float64       `json:"max_zoom"`
	MinZoom  float64       `json:"min_zoom,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Viewport 接收视图适配命令。
type Viewport interface {
	FitView(ctx context.Context, extent orb.Bound, opts FitOptions) error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger replaces the default process logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithPadding sets the screen padding, in pixels, around a fitted extent.
func WithPadding(px float64) Option { return func(r *Resolver) { r.padding = px } }

// WithDuration sets the fit animation length.
func WithDuration(d time.Duration) Option { return func(r *Resolver) { r.duration = d } }

// WithTimeout bounds each feature fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// 文档注释：范围解析器
// 背景：覆盖层创建或过滤变化后需要把视图缩放到选中要素；要素查询为网络请求，响应可能乱序。
// 约束：
// - 同一层级的适配串行执行，且只有该层级最新一次请求的结果会驱动视图；
// - 没有合法坐标时记录告警并保持视图不变；
// - 失败只记录日志，从不向调用方抛出。
type Resolver struct {
	feats    provider.FeatureProvider
	view     Viewport
	variant  hierarchy.Variant
	log      *slog.Logger
	padding  float64
	duration time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	gens    map[hierarchy.Level]uint64
	levelMu map[hierarchy.Level]*sync.Mutex
	wg      sync.WaitGroup
}

func NewResolver(v hierarchy.Variant, feats provider.FeatureProvider, view Viewport, opts ...Option) *Resolver {
	r := &Resolver{
		feats:    feats,
		view:     view,
		variant:  v,
		log:      logger.L(),
		padding:  50,
		duration: time.Second,
		timeout:  10 * time.Second,
		gens:     map[hierarchy.Level]uint64{},
		levelMu:  map[hierarchy.Level]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Fit 异步适配视图到 f 的要素范围。
func (r *Resolver) Fit(f filter.Expression) {
	gen := r.focus(f.Level)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.run(context.Background(), f, gen); err != nil {
			r.report(f, err)
		}
	}()
}

// FitNow 同步适配，返回失败原因，供调用方需要结果时使用。
func (r *Resolver) FitNow(ctx context.Context, f filter.Expression) error {
	err := r.run(ctx, f, r.focus(f.Level))
	if err != nil {
		r.report(f, err)
	}
	return err
}

// Invalidate 使该层级尚未完成的适配失效。
func (r *Resolver) Invalidate(level hierarchy.Level) { r.next(level) }

// Wait 阻塞至全部异步适配结束。
func (r *Resolver) Wait() { r.wg.Wait() }

func (r *Resolver) next(level hierarchy.Level) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[level]++
	return r.gens[level]
}

// focus 开始 level 的一次适配，同时使更浅层级的在途适配失效：视图只跟随最新聚焦的层级。
func (r *Resolver) focus(level hierarchy.Level) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l := range r.gens {
		if l < level {
			r.gens[l]++
		}
	}
	r.gens[level]++
	return r.gens[level]
}

func (r *Resolver) current(level hierarchy.Level, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[level] == gen
}

func (r *Resolver) lockLevel(level hierarchy.Level) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.levelMu[level]
	if !ok {
		m = &sync.Mutex{}
		r.levelMu[level] = m
	}
	return m
}

func (r *Resolver) run(ctx context.Context, f filter.Expression, gen uint64) error {
	spec, err := r.variant.Spec(f.Level)
	if err != nil {
		return err
	}
	lm := r.lockLevel(f.Level)
	lm.Lock()
	defer lm.Unlock()
	if !r.current(f.Level, gen) {
		return ErrStale
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	fc, err := r.feats.Features(cctx, spec.Layer, f)
	if err != nil {
		return fmt.Errorf("extent: fetch features: %w", err)
	}
	if !r.current(f.Level, gen) {
		return ErrStale
	}

	var acc Accumulator
	if fc != nil {
		for _, feat := range fc.Features {
			if feat != nil {
				acc.Walk(feat.Geometry)
			}
		}
	}
	b, ok := acc.Bound()
	if !ok {
		return ErrEmptyExtent
	}
	if _, dropped := acc.Count(); dropped > 0 {
		r.log.Debug("extent_coords_dropped", "level", spec.Name, "dropped", dropped)
	}
	merc := project.Bound(b, project.WGS84.ToMercator)
	opts := FitOptions{Padding: r.padding, MaxZoom: spec.MaxZoom, MinZoom: spec.MinZoom, Duration: r.duration}
	if err := r.view.FitView(cctx, merc, opts); err != nil {
		return fmt.Errorf("extent: fit view: %w", err)
	}
	metrics.ExtentFitsTotal.WithLabelValues("ok").Inc()
	r.log.Debug("extent_fit", "level", spec.Name, "filter", f.CQL(), "bbox", [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]})
	return nil
}

func (r *Resolver) report(f filter.Expression, err error) {
	switch {
	case errors.Is(err, ErrStale):
		metrics.ExtentFitsTotal.WithLabelValues("stale").Inc()
		metrics.StaleResponsesTotal.WithLabelValues("extent").Inc()
		r.log.Debug("extent_stale", "level", f.Level)
	case errors.Is(err, ErrEmptyExtent):
		metrics.ExtentFitsTotal.WithLabelValues("empty").Inc()
		r.log.Warn("extent_empty", "level", f.Level, "filter", f.CQL())
	default:
		metrics.ExtentFitsTotal.WithLabelValues("error").Inc()
		r.log.Error("extent_fit_error", "level", f.Level, "filter", f.CQL(), "err", err)
	}
}
