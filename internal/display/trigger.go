// 包 display：选择锁定后一次性请求裁剪/渲染服务，并把返回的栅格描述挂到地图上
package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/mapsync"
	"geo-cascade/internal/metrics"
	"geo-cascade/internal/provider"

	"github.com/google/uuid"
)

// 文档注释：可视化展示触发器
// 约束：仅在 locked 由 false 变为 true 时请求一次；锁定期间的后续状态变化不再请求；
// 解除锁定时移除已添加的栅格覆盖层，并丢弃尚未返回的请求结果。
type Trigger struct {
	variant hierarchy.Variant
	display provider.DisplayProvider
	surface mapsync.MapSurface
	log     *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	locked      bool
	gen         uint64
	overlays    []mapsync.Overlay
	descriptors []provider.RasterDescriptor
	err         string
	wg          sync.WaitGroup
}

func NewTrigger(v hierarchy.Variant, d provider.DisplayProvider, surface mapsync.MapSurface, l *slog.Logger) *Trigger {
	if l == nil {
		l = logger.L()
	}
	return &Trigger{variant: v, display: d, surface: surface, log: l, timeout: 30 * time.Second}
}

// OnState 为级联订阅回调。
func (t *Trigger) OnState(st cascade.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case st.Locked && !t.locked:
		t.locked = true
		t.gen++
		req := t.request(st)
		gen := t.gen
		t.wg.Add(1)
		go t.fetch(gen, req)
	case !st.Locked && t.locked:
		t.locked = false
		t.gen++
		t.clearLocked()
	}
}

func (t *Trigger) request(st cascade.State) provider.DisplayRequest {
	term := t.variant.Terminal()
	spec, _ := t.variant.Spec(term)
	req := provider.DisplayRequest{Variant: t.variant.Name, Level: spec.Name, Attribute: spec.Attribute}
	if int(term) < len(st.Levels) {
		req.IDs = st.Levels[term].Selected
	}
	return req
}

func (t *Trigger) fetch(gen uint64, req provider.DisplayRequest) {
	defer t.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	ds, err := t.display.Display(ctx, req)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		metrics.StaleResponsesTotal.WithLabelValues("display").Inc()
		t.log.Debug("display_stale", "variant", t.variant.Name)
		return
	}
	if err != nil {
		t.err = err.Error()
		metrics.DisplayRequestsTotal.WithLabelValues("error").Inc()
		t.log.Error("display_request_error", "variant", t.variant.Name, "err", err)
		return
	}
	t.err = ""
	t.descriptors = ds
	top := 0
	for _, s := range t.variant.Levels {
		if s.ZIndex > top {
			top = s.ZIndex
		}
	}
	for i, d := range ds {
		o := mapsync.Overlay{ID: uuid.NewString(), Kind: mapsync.KindRaster, Level: t.variant.Terminal(), Layer: d.LayerName, Workspace: d.Workspace, ZIndex: top + 10 + i, Opacity: 1}
		if err := t.surface.AddOverlay(ctx, o); err != nil {
			metrics.OverlayOpsTotal.WithLabelValues("error").Inc()
			t.log.Error("raster_overlay_add_error", "layer", d.LayerName, "err", err)
			continue
		}
		metrics.OverlayOpsTotal.WithLabelValues("add_raster").Inc()
		t.overlays = append(t.overlays, o)
	}
	metrics.DisplayRequestsTotal.WithLabelValues("ok").Inc()
	t.log.Info("display_ready", "variant", t.variant.Name, "rasters", len(ds))
}

func (t *Trigger) clearLocked() {
	for _, o := range t.overlays {
		if err := t.surface.RemoveOverlay(context.Background(), o.ID); err != nil {
			t.log.Error("raster_overlay_remove_error", "layer", o.Layer, "err", err)
			continue
		}
		metrics.OverlayOpsTotal.WithLabelValues("remove_raster").Inc()
	}
	t.overlays = nil
	t.descriptors = nil
	t.err = ""
}

// Result 返回最近一次展示请求的描述与错误。
func (t *Trigger) Result() ([]provider.RasterDescriptor, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]provider.RasterDescriptor(nil), t.descriptors...), t.err
}

// Wait 阻塞至在途请求结束。
func (t *Trigger) Wait() { t.wg.Wait() }
