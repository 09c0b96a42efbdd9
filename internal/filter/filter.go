// 包 filter：覆盖层过滤表达式（attribute IN values）及其渲染与本地求值
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
)

var (
	ErrEmptyAttribute   = errors.New("filter: attribute is required")
	ErrInvalidAttribute = errors.New("filter: attribute is not an identifier")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Expression：某层级的选中集合限定
// 约束：Values 始终有序且去重，保证同一选择产生同一缓存键与同一过滤串。
type Expression struct {
	Level     hierarchy.Level `json:"level"`
	Attribute string          `json:"attribute"`
	Values    []geoid.ID      `json:"values"`
}

func New(level hierarchy.Level, attribute string, ids geoid.Set) Expression {
	return Expression{Level: level, Attribute: attribute, Values: ids.Sorted()}
}

func (e Expression) Empty() bool { return len(e.Values) == 0 }

func (e Expression) Validate() error {
	if e.Attribute == "" {
		return ErrEmptyAttribute
	}
	if !identRe.MatchString(e.Attribute) {
		return fmt.Errorf("%w: %q", ErrInvalidAttribute, e.Attribute)
	}
	return nil
}

// Equal：同层级、同字段、同取值
func (e Expression) Equal(o Expression) bool {
	if e.Level != o.Level || e.Attribute != o.Attribute || len(e.Values) != len(o.Values) {
		return false
	}
	for i := range e.Values {
		if e.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Key：缓存键
func (e Expression) Key() string {
	return e.Attribute + "|" + geoid.Join(e.Values, ",")
}

// CQL：渲染为地图服务可识别的过滤串，如 district_c IN ('10','11')
// 约束：空集合渲染为 EXCLUDE，不产生匹配全部要素的过滤。
func (e Expression) CQL() string {
	if e.Empty() {
		return "EXCLUDE"
	}
	q := make([]string, len(e.Values))
	for i, v := range e.Values {
		q[i] = "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
	}
	return e.Attribute + " IN (" + strings.Join(q, ",") + ")"
}

func (e Expression) String() string { return e.CQL() }
