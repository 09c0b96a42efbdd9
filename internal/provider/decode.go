package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DecodeFeatures 解析要素集合响应。
// 约束：整体解析失败时逐个要素宽松解析；几何无法按类型解析的要素，递归抽取其 coordinates 中全部数值对，
// 以 MultiPoint 承载，保证任意嵌套深度的几何都能参与范围计算；坐标合法性由调用方校验。
func DecodeFeatures(b []byte) (*geojson.FeatureCollection, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(b); err == nil {
		return fc, nil
	}
	var raw struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("provider: decode features: %w", err)
	}
	if raw.Type != "" && !strings.EqualFold(raw.Type, "FeatureCollection") {
		return nil, fmt.Errorf("provider: decode features: unexpected type %q", raw.Type)
	}
	fc := geojson.NewFeatureCollection()
	for _, rf := range raw.Features {
		if f, err := geojson.UnmarshalFeature(rf); err == nil {
			fc.Append(f)
			continue
		}
		var loose struct {
			ID         any            `json:"id"`
			Properties map[string]any `json:"properties"`
			Geometry   map[string]any `json:"geometry"`
		}
		if err := json.Unmarshal(rf, &loose); err != nil {
			continue
		}
		var mp orb.MultiPoint
		collectCoords(loose.Geometry, &mp)
		if len(mp) == 0 {
			continue
		}
		f := geojson.NewFeature(mp)
		f.ID = loose.ID
		for k, v := range loose.Properties {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc, nil
}

// collectCoords 深度优先遍历任意嵌套的坐标数组与几何集合。
func collectCoords(v any, out *orb.MultiPoint) {
	switch x := v.(type) {
	case map[string]any:
		if c, ok := x["coordinates"]; ok {
			collectCoords(c, out)
		}
		if gs, ok := x["geometries"]; ok {
			collectCoords(gs, out)
		}
	case []any:
		if p, ok := pair(x); ok {
			*out = append(*out, p)
			return
		}
		for _, it := range x {
			collectCoords(it, out)
		}
	}
}

func pair(x []any) (orb.Point, bool) {
	if len(x) < 2 {
		return orb.Point{}, false
	}
	lon, ok1 := x[0].(float64)
	lat, ok2 := x[1].(float64)
	if !ok1 || !ok2 {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}
