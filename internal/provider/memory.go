package provider

import (
	"context"
	"sort"
	"sync"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"

	"github.com/paulmach/orb/geojson"
)

// Memory 是进程内的层级与要素存储；文件提供方加载后即以此承载，测试亦直接使用。
type Memory struct {
	name     string
	mu       sync.RWMutex
	nodes    map[string][]hierarchy.Node
	features map[string][]*geojson.Feature
	matcher  *filter.Matcher
}

func NewMemory(name string, matcher *filter.Matcher) *Memory {
	if matcher == nil {
		matcher = filter.NewMatcher()
	}
	return &Memory{name: name, nodes: map[string][]hierarchy.Node{}, features: map[string][]*geojson.Feature{}, matcher: matcher}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Heartbeat(ctx context.Context) error { return ctx.Err() }

func (m *Memory) AddNodes(level string, nodes ...hierarchy.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[level] = append(m.nodes[level], nodes...)
}

func (m *Memory) AddFeatures(layer string, fs ...*geojson.Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[layer] = append(m.features[layer], fs...)
}

// Counts 返回节点与要素总数。
func (m *Memory) Counts() (nodes, features int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ns := range m.nodes {
		nodes += len(ns)
	}
	for _, fs := range m.features {
		features += len(fs)
	}
	return nodes, features
}

func (m *Memory) Roots(ctx context.Context, level string) ([]hierarchy.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]hierarchy.Node(nil), m.nodes[level]...)
	sortNodes(out)
	return out, nil
}

func (m *Memory) Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps := geoid.NewSet(parents...)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []hierarchy.Node
	for _, n := range m.nodes[level] {
		if ps.Has(n.ParentID) {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out, nil
}

func (m *Memory) Features(ctx context.Context, layer string, f filter.Expression) (*geojson.FeatureCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, m.features[layer]...)
	m.mu.RUnlock()
	return m.matcher.Apply(f, fc)
}

func sortNodes(ns []hierarchy.Node) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Name != ns[j].Name {
			return ns[i].Name < ns[j].Name
		}
		return ns[i].ID < ns[j].ID
	})
}
