// 包 geoid：层级节点标识（州/县/乡/村/点位）的值类型
package geoid

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ID：不透明的节点标识
// 约束：上游接口可能返回数字或字符串，统一以十进制/原文字符串承载；空串视为无效。
type ID string

func (id ID) String() string { return string(id) }

func (id ID) Valid() bool { return strings.TrimSpace(string(id)) != "" }

// UnmarshalJSON：兼容数字与字符串两种编码
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = ID(n.String())
		return nil
	}
	return errors.New("geoid: unsupported id encoding: " + string(b))
}

// FromAny：从 GeoJSON properties 等弱类型来源构造 ID
func FromAny(v any) (ID, bool) {
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		return ID(x), x != ""
	case float64:
		return ID(strconv.FormatFloat(x, 'f', -1, 64)), true
	case int:
		return ID(strconv.Itoa(x)), true
	case int64:
		return ID(strconv.FormatInt(x, 10)), true
	case json.Number:
		return ID(x.String()), true
	}
	return "", false
}

// Set：选中集合；零值不可用，使用 NewSet 构造
type Set map[ID]struct{}

func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		if id.Valid() {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int { return len(s) }

func (s Set) Empty() bool { return len(s) == 0 }

// Sorted：稳定顺序输出，用于请求参数、缓存键与过滤表达式
func (s Set) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Join：以分隔符拼接有序 ID
func Join(ids []ID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, sep)
}

// Split：解析逗号分隔的 ID 列表，忽略空项
func Split(s string) []ID {
	var out []ID
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, ID(p))
		}
	}
	return out
}
