// 包 hierarchy：行政层级描述（州 → 县 → 乡 → 村 → 点位）与节点数据结构
package hierarchy

import (
	"errors"
	"fmt"

	"geo-cascade/internal/geoid"
)

// Level：层级在链路中的序号，0 为最上层
type Level int

func (l Level) Next() Level { return l + 1 }

// LevelSpec：单个层级的描述
// 约束：Attribute 为覆盖层过滤字段；ZIndex 随深度严格递增；Measured 为 false 的层级仅用于收窄范围。
type LevelSpec struct {
	Name      string  `yaml:"name" json:"name"`
	Attribute string  `yaml:"attribute" json:"attribute"`
	Layer     string  `yaml:"layer" json:"layer"`
	Measured  bool    `yaml:"measured" json:"measured"`
	ZIndex    int     `yaml:"z_index" json:"z_index"`
	Opacity   float64 `yaml:"opacity" json:"opacity"`
	MaxZoom   float64 `yaml:"max_zoom" json:"max_zoom"`
	MinZoom   float64 `yaml:"min_zoom" json:"min_zoom"`
}

// Node：层级中的一个实体；Measure 仅在可聚合层级存在（人口或面积）
type Node struct {
	ID       geoid.ID `json:"id"`
	Name     string   `json:"name"`
	ParentID geoid.ID `json:"parent_id,omitempty"`
	Measure  *float64 `json:"measure,omitempty"`
}

// M：构造带度量值的节点字段
func M(v float64) *float64 { return &v }

// Variant：某一决策模块使用的层级链
type Variant struct {
	Name        string      `yaml:"name" json:"name"`
	Levels      []LevelSpec `yaml:"levels" json:"levels"`
	BaseLayer   string      `yaml:"base_layer" json:"base_layer"`
	BaseOpacity float64     `yaml:"base_opacity" json:"base_opacity"`
	Display     bool        `yaml:"display" json:"display"`
}

var (
	ErrNoLevels      = errors.New("hierarchy: variant has no levels")
	ErrUnknownLevel  = errors.New("hierarchy: unknown level")
	ErrZIndexOrder   = errors.New("hierarchy: z_index must increase with depth")
	ErrEmptyVariant  = errors.New("hierarchy: variant name is required")
	ErrDuplicateName = errors.New("hierarchy: duplicate level name")
)

func (v Variant) Depth() int { return len(v.Levels) }

// Terminal：最深的可选层级，确认操作要求该层级存在选择
func (v Variant) Terminal() Level { return Level(len(v.Levels) - 1) }

func (v Variant) Has(l Level) bool { return l >= 0 && int(l) < len(v.Levels) }

func (v Variant) Spec(l Level) (LevelSpec, error) {
	if !v.Has(l) {
		return LevelSpec{}, fmt.Errorf("%w: %d in %q", ErrUnknownLevel, l, v.Name)
	}
	return v.Levels[l], nil
}

// LevelByName：按名称查找层级（大小写敏感）
func (v Variant) LevelByName(name string) (Level, bool) {
	for i, s := range v.Levels {
		if s.Name == name {
			return Level(i), true
		}
	}
	return 0, false
}

// Validate：校验层级链的结构约束
func (v Variant) Validate() error {
	if v.Name == "" {
		return ErrEmptyVariant
	}
	if len(v.Levels) == 0 {
		return fmt.Errorf("%w: %q", ErrNoLevels, v.Name)
	}
	seen := map[string]struct{}{}
	for i, s := range v.Levels {
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("%w: %q in %q", ErrDuplicateName, s.Name, v.Name)
		}
		seen[s.Name] = struct{}{}
		if i > 0 && s.ZIndex <= v.Levels[i-1].ZIndex {
			return fmt.Errorf("%w: %q (%d) after %q (%d)", ErrZIndexOrder, s.Name, s.ZIndex, v.Levels[i-1].Name, v.Levels[i-1].ZIndex)
		}
	}
	return nil
}
