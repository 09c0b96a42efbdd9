package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"

	"github.com/paulmach/orb/geojson"
)

// 文档注释：从数据目录加载层级节点与要素
// 背景：离线或演示环境没有上游服务时，直接读取导出的 GeoJSON 文件提供层级与几何。
// 约束：扫描目录下 *.geojson / *.json；要素属性 level、id、parent_id、name、measure 构成节点，
// 图层名取属性 layer，缺失时取文件名（不含扩展名）；单个文件解析失败仅记录告警并跳过。
func LoadDir(dir string, matcher *filter.Matcher) (*Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("provider: read dir: %w", err)
	}
	m := NewMemory("file", matcher)
	for _, ent := range entries {
		name := ent.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ent.IsDir() || (ext != ".geojson" && ext != ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.L().Warn("filestore_read_error", "file", name, "err", err)
			continue
		}
		fc, err := DecodeFeatures(b)
		if err != nil {
			logger.L().Warn("filestore_decode_error", "file", name, "err", err)
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		AddCollection(m, stem, fc)
		logger.L().Info("filestore_loaded", "file", name, "features", len(fc.Features))
	}
	return m, nil
}

// AddCollection 将要素集合拆分为节点与图层要素写入 m。
func AddCollection(m *Memory, defaultLayer string, fc *geojson.FeatureCollection) {
	for _, f := range fc.Features {
		layer := defaultLayer
		if s, ok := f.Properties["layer"].(string); ok && s != "" {
			layer = s
		}
		m.AddFeatures(layer, f)
		if level, n, ok := NodeFromProperties(f.Properties); ok {
			m.AddNodes(level, n)
		}
	}
}

// NodeFromProperties 从要素属性构造层级节点；缺少 level 或 id 时返回 false。
func NodeFromProperties(p map[string]any) (string, hierarchy.Node, bool) {
	level, _ := p["level"].(string)
	id, ok := geoid.FromAny(p["id"])
	if level == "" || !ok {
		return "", hierarchy.Node{}, false
	}
	n := hierarchy.Node{ID: id}
	n.ParentID, _ = geoid.FromAny(p["parent_id"])
	n.Name, _ = p["name"].(string)
	switch v := p["measure"].(type) {
	case float64:
		n.Measure = hierarchy.M(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			n.Measure = hierarchy.M(f)
		}
	}
	return level, n, true
}
