package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/mapsync"
	"geo-cascade/internal/provider"
)

// 文档注释：会话接口的请求与响应结构（对外）
// 背景：地图组件通过这些结构驱动级联并读取覆盖层/视图命令；字段名保持 snake_case 与提供方接口一致。
// 约束：字段稳定；新增字段需评估前端兼容性。
type createRequest struct {
	Variant string `json:"variant"`
}

type selectRequest struct {
	Level levelRef   `json:"level"`
	IDs   []geoid.ID `json:"ids"`
}

// levelRef 接受层级序号或层级名称。
type levelRef struct {
	index int
	name  string
}

func (l *levelRef) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		l.index, l.name = n, ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("level must be an index or a level name")
	}
	l.index, l.name = -1, s
	return nil
}

func (l levelRef) resolve(v hierarchy.Variant) (hierarchy.Level, error) {
	if l.name == "" {
		return hierarchy.Level(l.index), nil
	}
	lvl, ok := v.LevelByName(l.name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", cascade.ErrUnknownLevel, l.name)
	}
	return lvl, nil
}

type displayView struct {
	Enabled bool                        `json:"enabled"`
	Rasters []provider.RasterDescriptor `json:"rasters,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

type sessionView struct {
	ID       string                     `json:"id"`
	Variant  hierarchy.Variant          `json:"variant"`
	Created  time.Time                  `json:"created"`
	State    cascade.State              `json:"state"`
	Snapshot *cascade.SelectionSnapshot `json:"snapshot,omitempty"`
	Overlays []mapsync.Overlay          `json:"overlays"`
	Display  displayView                `json:"display"`
}

type confirmResult struct {
	Confirmed bool                       `json:"confirmed"`
	Snapshot  *cascade.SelectionSnapshot `json:"snapshot,omitempty"`
	State     cascade.State              `json:"state"`
}

type commandsResult struct {
	Commands []mapsync.Command `json:"commands"`
	Next     uint64            `json:"next"`
}

type healthResult struct {
	Healthy   bool              `json:"healthy"`
	Providers []provider.Health `json:"providers"`
	Sessions  int               `json:"sessions"`
}

type errorResult struct {
	Error string `json:"error"`
}
