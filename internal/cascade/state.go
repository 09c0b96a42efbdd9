package cascade

import (
	"time"

	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
)

// LevelView 是某一层级在一次状态版本中的只读视图。
type LevelView struct {
	Level    hierarchy.Level  `json:"level"`
	Name     string           `json:"name"`
	Measured bool             `json:"measured"`
	Options  []hierarchy.Node `json:"options"`
	Selected []geoid.ID       `json:"selected"`
	Loading  bool             `json:"loading"`
	Error    string           `json:"error,omitempty"`
}

// SelectedSet 返回选中集合的副本。
func (v LevelView) SelectedSet() geoid.Set { return geoid.NewSet(v.Selected...) }

// State 为级联状态的不可变快照；Version 单调递增。
type State struct {
	Variant        string      `json:"variant"`
	Version        uint64      `json:"version"`
	Levels         []LevelView `json:"levels"`
	Locked         bool        `json:"locked"`
	AggregateTotal float64     `json:"aggregate_total"`
}

// Deepest 返回选择非空的最深层级。
func (s State) Deepest() (hierarchy.Level, bool) {
	for i := len(s.Levels) - 1; i >= 0; i-- {
		if len(s.Levels[i].Selected) > 0 {
			return hierarchy.Level(i), true
		}
	}
	return 0, false
}

// SnapshotLevel 为确认时某层级的选中节点。
type SnapshotLevel struct {
	Level hierarchy.Level  `json:"level"`
	Name  string           `json:"name"`
	Nodes []hierarchy.Node `json:"nodes"`
}

// SelectionSnapshot 为确认后冻结的选择结果，供下游报表与分析使用。
type SelectionSnapshot struct {
	Variant        string          `json:"variant"`
	Levels         []SnapshotLevel `json:"levels"`
	AggregateTotal float64         `json:"aggregate_total"`
	ConfirmedAt    time.Time       `json:"confirmed_at"`
}

// Terminal 返回末级的选中节点。
func (s *SelectionSnapshot) Terminal() SnapshotLevel {
	if s == nil || len(s.Levels) == 0 {
		return SnapshotLevel{}
	}
	return s.Levels[len(s.Levels)-1]
}
