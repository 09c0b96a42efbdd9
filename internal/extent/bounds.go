// 包 extent：由过滤表达式取回要素、计算合法坐标的包围盒并驱动视图适配
package extent

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Accumulator 累积通过合法性校验的经纬度坐标。
// 约束：经度 [-180,180]、纬度 [-90,90] 之外或非有限值的坐标直接丢弃，不影响其余坐标。
type Accumulator struct {
	minX, minY, maxX, maxY float64
	n                      int
	dropped                int
}

func (a *Accumulator) Add(p orb.Point) {
	x, y := p[0], p[1]
	if math.IsNaN(x) || math.IsNaN(y) || x < -180 || x > 180 || y < -90 || y > 90 {
		a.dropped++
		return
	}
	if a.n == 0 {
		a.minX, a.minY, a.maxX, a.maxY = x, y, x, y
	} else {
		a.minX = math.Min(a.minX, x)
		a.minY = math.Min(a.minY, y)
		a.maxX = math.Max(a.maxX, x)
		a.maxY = math.Max(a.maxY, y)
	}
	a.n++
}

// Walk 访问任意几何的全部坐标。
func (a *Accumulator) Walk(g orb.Geometry) {
	switch v := g.(type) {
	case nil:
	case orb.Point:
		a.Add(v)
	case orb.MultiPoint:
		for _, p := range v {
			a.Add(p)
		}
	case orb.LineString:
		for _, p := range v {
			a.Add(p)
		}
	case orb.Ring:
		for _, p := range v {
			a.Add(p)
		}
	case orb.MultiLineString:
		for _, ls := range v {
			a.Walk(ls)
		}
	case orb.Polygon:
		for _, r := range v {
			a.Walk(r)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			a.Walk(p)
		}
	case orb.Collection:
		for _, c := range v {
			a.Walk(c)
		}
	case orb.Bound:
		a.Add(v.Min)
		a.Add(v.Max)
	}
}

// Count 返回已接受与已丢弃的坐标数。
func (a *Accumulator) Count() (accepted, dropped int) { return a.n, a.dropped }

// Bound 返回包围盒；没有任何合法坐标时 ok 为 false。
func (a *Accumulator) Bound() (orb.Bound, bool) {
	if a.n == 0 {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{a.minX, a.minY}, Max: orb.Point{a.maxX, a.maxY}}, true
}

// BBox 计算要素集合的包围盒，返回 [minLon,minLat,maxLon,maxLat]。
func BBox(fc *geojson.FeatureCollection) ([4]float64, bool) {
	var a Accumulator
	if fc != nil {
		for _, f := range fc.Features {
			if f != nil {
				a.Walk(f.Geometry)
			}
		}
	}
	b, ok := a.Bound()
	if !ok {
		return [4]float64{}, false
	}
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}, true
}
