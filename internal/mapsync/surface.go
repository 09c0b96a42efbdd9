// 包 mapsync：地图表面契约、覆盖层生命周期与由级联状态驱动的覆盖层同步
package mapsync

import (
	"context"
	"sync"
	"time"

	"geo-cascade/internal/extent"
	"geo-cascade/internal/filter"
	"geo-cascade/internal/hierarchy"

	"github.com/paulmach/orb"
)

// Overlay kinds.
const (
	KindBase   = "base"
	KindVector = "vector"
	KindRaster = "raster"
)

// Overlay 为地图上的一个覆盖层；仅由同步器与展示触发器创建与销毁，不持久化。
type Overlay struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Level     hierarchy.Level   `json:"level"`
	Layer     string            `json:"layer"`
	Workspace string            `json:"workspace,omitempty"`
	Filter    filter.Expression `json:"filter"`
	CQL       string            `json:"cql,omitempty"`
	ZIndex    int               `json:"z_index"`
	Opacity   float64           `json:"opacity"`
}

// MapSurface 为地图控件的命令接收端，核心只发出声明式图层与视图命令。
// 约束：RemoveOverlay 对不存在的覆盖层为空操作。
type MapSurface interface {
	extent.Viewport
	CreateContainer(ctx context.Context, element string) error
	Destroy(ctx context.Context) error
	SetBaseLayer(ctx context.Context, source string) error
	AddOverlay(ctx context.Context, o Overlay) error
	SetOverlayFilter(ctx context.Context, id string, f filter.Expression) error
	RemoveOverlay(ctx context.Context, id string) error
}

// Command 为 CommandLog 记录的一条地图命令。
type Command struct {
	Seq     uint64             `json:"seq"`
	Op      string             `json:"op"`
	At      time.Time          `json:"at"`
	Overlay *Overlay           `json:"overlay,omitempty"`
	ID      string             `json:"id,omitempty"`
	Filter  string             `json:"filter,omitempty"`
	Source  string             `json:"source,omitempty"`
	Extent  *[4]float64        `json:"extent,omitempty"`
	Options *extent.FitOptions `json:"options,omitempty"`
}

// 文档注释：记录型地图表面
// 背景：服务端不渲染地图，由前端地图控件按序拉取命令回放；测试也以它断言同步结果。
// 约束：命令序号单调递增；Destroy 之后的命令被忽略。
type CommandLog struct {
	mu        sync.Mutex
	seq       uint64
	cmds      []Command
	overlays  map[string]Overlay
	base      string
	container string
	destroyed bool
}

func NewCommandLog() *CommandLog {
	return &CommandLog{overlays: map[string]Overlay{}}
}

func (l *CommandLog) record(c Command) {
	if l.destroyed {
		return
	}
	l.seq++
	c.Seq = l.seq
	c.At = time.Now()
	l.cmds = append(l.cmds, c)
}

func (l *CommandLog) CreateContainer(ctx context.Context, element string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.container = element
	l.record(Command{Op: "create_container", Source: element})
	return nil
}

func (l *CommandLog) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return nil
	}
	l.record(Command{Op: "destroy"})
	l.destroyed = true
	l.overlays = map[string]Overlay{}
	return nil
}

func (l *CommandLog) SetBaseLayer(ctx context.Context, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = source
	l.record(Command{Op: "set_base_layer", Source: source})
	return nil
}

func (l *CommandLog) AddOverlay(ctx context.Context, o Overlay) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return nil
	}
	l.overlays[o.ID] = o
	l.record(Command{Op: "add_overlay", Overlay: &o})
	return nil
}

func (l *CommandLog) SetOverlayFilter(ctx context.Context, id string, f filter.Expression) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.overlays[id]
	if !ok {
		return nil
	}
	o.Filter, o.CQL = f, f.CQL()
	l.overlays[id] = o
	l.record(Command{Op: "set_overlay_filter", ID: id, Filter: o.CQL})
	return nil
}

func (l *CommandLog) RemoveOverlay(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.overlays[id]; !ok {
		return nil
	}
	delete(l.overlays, id)
	l.record(Command{Op: "remove_overlay", ID: id})
	return nil
}

func (l *CommandLog) FitView(ctx context.Context, b orb.Bound, opts extent.FitOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ext := [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	l.record(Command{Op: "fit_view", Extent: &ext, Options: &opts})
	return nil
}

// Since 返回序号大于 seq 的命令。
func (l *CommandLog) Since(seq uint64) []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Command
	for _, c := range l.cmds {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}

// Overlays 返回当前存在的覆盖层，按 ZIndex 排序。
func (l *CommandLog) Overlays() []Overlay {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortOverlays(l.overlays)
}
