// 包 provider：层级数据、要素几何与可视化展示三类外部协作方的契约与实现
package provider

import (
	"context"
	"errors"
	"fmt"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"

	"github.com/paulmach/orb/geojson"
)

var (
	ErrNotFound   = errors.New("provider: not found")
	ErrBadStatus  = errors.New("provider: unexpected status")
	ErrNoEndpoint = errors.New("provider: endpoint is not configured")
)

// StatusError 携带上游返回的非 2xx 状态码；错误体不做解释。
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string { return fmt.Sprintf("provider: %s: status %d", e.Op, e.Status) }

func (e *StatusError) Unwrap() error { return ErrBadStatus }

// 文档注释：层级数据提供方
// 约束：Children 必须支持一次请求多个父级（选中 3 个县时一次取回全部乡镇）；level 为子层级名称。
type HierarchyProvider interface {
	Roots(ctx context.Context, level string) ([]hierarchy.Node, error)
	Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error)
}

// 文档注释：要素几何提供方
// 约束：返回经纬度坐标的要素集合，可能为空；layer 为层级描述中的图层名。
type FeatureProvider interface {
	Features(ctx context.Context, layer string, f filter.Expression) (*geojson.FeatureCollection, error)
}

// DisplayRequest 为锁定选择后的可视化展示请求。
type DisplayRequest struct {
	Variant   string     `json:"variant"`
	Level     string     `json:"level"`
	Attribute string     `json:"attribute"`
	IDs       []geoid.ID `json:"ids"`
}

// RasterDescriptor 描述一个补充栅格覆盖层。
type RasterDescriptor struct {
	FileName  string `json:"file_name"`
	LayerName string `json:"layer_name"`
	Workspace string `json:"workspace"`
}

// DisplayProvider：裁剪/渲染服务
type DisplayProvider interface {
	Display(ctx context.Context, req DisplayRequest) ([]RasterDescriptor, error)
}

// Heartbeater：可探活的提供方
type Heartbeater interface {
	Name() string
	Heartbeat(ctx context.Context) error
}
