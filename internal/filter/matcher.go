package filter

import (
	"fmt"
	"strconv"
	"strings"

	"geo-cascade/internal/cache"
	"geo-cascade/internal/geoid"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/paulmach/orb/geojson"
)

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithProgramCache wires a program cache into the matcher.
func WithProgramCache(c *cache.LRU[*exprvm.Program]) MatcherOption {
	return func(m *Matcher) { m.cache = c }
}

// Matcher evaluates expressions against feature properties in-process. It
// backs the file and in-memory feature providers, which have no query engine
// of their own.
type Matcher struct {
	cache *cache.LRU[*exprvm.Program]
}

func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Compiled is an expression bound to its program.
type Compiled struct {
	expr    Expression
	source  string
	program *exprvm.Program
}

// Source renders the expression in expr syntax: id in ["10","11"].
func Source(e Expression) string {
	q := make([]string, len(e.Values))
	for i, v := range e.Values {
		q[i] = strconv.Quote(string(v))
	}
	return "id in [" + strings.Join(q, ", ") + "]"
}

func (m *Matcher) Compile(e Expression) (*Compiled, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	src := Source(e)
	if m.cache != nil {
		if p, ok := m.cache.Get(src); ok {
			return &Compiled{expr: e, source: src, program: p}, nil
		}
	}
	p, err := exprlang.Compile(src, exprlang.Env(map[string]any{"id": ""}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", src, err)
	}
	if m.cache != nil {
		m.cache.Set(src, p)
	}
	return &Compiled{expr: e, source: src, program: p}, nil
}

// Match reports whether props[attribute] is one of the expression's values.
// Numeric and string encodings of the same id match each other.
func (c *Compiled) Match(props map[string]any) (bool, error) {
	raw, ok := props[c.expr.Attribute]
	if !ok {
		return false, nil
	}
	id, ok := geoid.FromAny(raw)
	if !ok {
		return false, nil
	}
	out, err := exprlang.Run(c.program, map[string]any{"id": string(id)})
	if err != nil {
		return false, fmt.Errorf("filter: run %q: %w", c.source, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// Apply returns a new collection holding the matching features of fc.
func (m *Matcher) Apply(e Expression, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	out := geojson.NewFeatureCollection()
	if fc == nil || e.Empty() {
		return out, nil
	}
	c, err := m.Compile(e)
	if err != nil {
		return nil, err
	}
	for _, f := range fc.Features {
		ok, err := c.Match(f.Properties)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Append(f)
		}
	}
	return out, nil
}
