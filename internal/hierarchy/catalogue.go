package hierarchy

import (
	"fmt"
	"os"
	"sort"

	"geo-cascade/internal/logger"

	"gopkg.in/yaml.v2"
)

// 文档注释：层级链目录
// 背景：三个决策模块共用同一套级联逻辑，仅层级深度、末级实体与度量字段不同；目录按名称登记各模块的层级链。
// 约束：文件格式为 YAML，顶层 variants 列表；同名条目覆盖内置默认值。
type Catalogue struct {
	variants map[string]Variant
}

type catalogueFile struct {
	Variants []Variant `yaml:"variants"`
}

// Defaults：内置的三个层级链
func Defaults() *Catalogue {
	state := LevelSpec{Name: "state", Attribute: "state_code", Layer: "vector:State", ZIndex: 10, Opacity: 0.6, MaxZoom: 8, MinZoom: 4}
	district := LevelSpec{Name: "district", Attribute: "district_c", Layer: "vector:District", ZIndex: 20, Opacity: 0.6, MaxZoom: 10, MinZoom: 6}
	sub := LevelSpec{Name: "subdistrict", Attribute: "subdis_cod", Layer: "vector:SubDistrict", Measured: true, ZIndex: 30, Opacity: 0.7, MaxZoom: 12, MinZoom: 8}
	village := LevelSpec{Name: "village", Attribute: "village_co", Layer: "vector:Village", Measured: true, ZIndex: 40, Opacity: 0.8, MaxZoom: 14, MinZoom: 10}
	point := LevelSpec{Name: "point", Attribute: "point_id", Layer: "vector:Point", Measured: true, ZIndex: 50, Opacity: 1, MaxZoom: 16, MinZoom: 12}
	c := &Catalogue{variants: map[string]Variant{}}
	c.put(Variant{Name: "village", Levels: []LevelSpec{state, district, sub, village}, BaseLayer: "vector:India", BaseOpacity: 0.2, Display: true})
	c.put(Variant{Name: "point", Levels: []LevelSpec{state, district, sub, village, point}, BaseLayer: "vector:India", BaseOpacity: 0.2, Display: true})
	c.put(Variant{Name: "district", Levels: []LevelSpec{state, district, sub}, BaseLayer: "vector:India", BaseOpacity: 0.2})
	return c
}

func (c *Catalogue) put(v Variant) { c.variants[v.Name] = v }

// LoadCatalogue：读取 YAML 目录并合并到内置默认值之上
// 约束：path 为空时仅返回默认值；任一条目校验失败则整体失败。
func LoadCatalogue(path string) (*Catalogue, error) {
	c := Defaults()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: read catalogue: %w", err)
	}
	var f catalogueFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("hierarchy: parse catalogue: %w", err)
	}
	for _, v := range f.Variants {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		c.put(v)
		logger.L().Debug("variant_loaded", "name", v.Name, "levels", len(v.Levels))
	}
	return c, nil
}

func (c *Catalogue) Lookup(name string) (Variant, bool) {
	v, ok := c.variants[name]
	return v, ok
}

// Names：按名称排序
func (c *Catalogue) Names() []string {
	out := make([]string, 0, len(c.variants))
	for k := range c.variants {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
