package cascade

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
)

// MockHierarchy is a hand-written HierarchyProvider with overridable funcs.
type MockHierarchy struct {
	RootsFunc    func(ctx context.Context, level string) ([]hierarchy.Node, error)
	ChildrenFunc func(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error)

	mu    sync.Mutex
	calls []string
}

func (m *MockHierarchy) Roots(ctx context.Context, level string) ([]hierarchy.Node, error) {
	m.record("roots:" + level)
	return m.RootsFunc(ctx, level)
}

func (m *MockHierarchy) Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
	m.record("children:" + level + ":" + geoid.Join(parents, ","))
	return m.ChildrenFunc(ctx, level, parents)
}

func (m *MockHierarchy) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func (m *MockHierarchy) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func ids(s ...geoid.ID) geoid.Set { return geoid.NewSet(s...) }

// scenarioProvider serves the State→District→SubDistrict→Village fixture.
func scenarioProvider() *MockHierarchy {
	data := map[string][]hierarchy.Node{
		"district":    {{ID: "10", Name: "D1", ParentID: "1"}, {ID: "11", Name: "D2", ParentID: "1"}, {ID: "20", Name: "D3", ParentID: "2"}},
		"subdistrict": {{ID: "100", ParentID: "10", Measure: hierarchy.M(500)}, {ID: "101", ParentID: "11", Measure: hierarchy.M(300)}},
		"village":     {{ID: "1000", ParentID: "100", Measure: hierarchy.M(200)}, {ID: "1001", ParentID: "101", Measure: hierarchy.M(150)}},
	}
	return &MockHierarchy{
		RootsFunc: func(ctx context.Context, level string) ([]hierarchy.Node, error) {
			return []hierarchy.Node{{ID: "1", Name: "S1"}, {ID: "2", Name: "S2"}}, nil
		},
		ChildrenFunc: func(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
			ps := geoid.NewSet(parents...)
			var out []hierarchy.Node
			for _, n := range data[level] {
				if ps.Has(n.ParentID) {
					out = append(out, n)
				}
			}
			return out, nil
		},
	}
}

func villageVariant(t *testing.T) hierarchy.Variant {
	t.Helper()
	v, ok := hierarchy.Defaults().Lookup("village")
	if !ok {
		t.Fatal("village variant missing")
	}
	return v
}

func newCascade(t *testing.T, p *MockHierarchy) *Cascade {
	t.Helper()
	c, err := New(villageVariant(t), p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func mustSelect(t *testing.T, c *Cascade, level hierarchy.Level, s geoid.Set) {
	t.Helper()
	if err := c.Select(level, s); err != nil {
		t.Fatalf("select(%d): %v", level, err)
	}
	c.Wait()
}

func TestScenarioDeepestSelectionWins(t *testing.T) {
	p := scenarioProvider()
	c := newCascade(t, p)
	if got := len(c.State().Levels[0].Options); got != 2 {
		t.Fatalf("level 0 should be loaded eagerly, got %d options", got)
	}

	mustSelect(t, c, 0, ids("1"))
	if got := c.State().Levels[1].Options; len(got) != 2 || got[0].Name != "D1" {
		t.Fatalf("district options: %+v", got)
	}
	mustSelect(t, c, 1, ids("10", "11"))
	mustSelect(t, c, 2, ids("100", "101"))
	st := c.State()
	if st.AggregateTotal != 800 {
		t.Fatalf("expected 800 from subdistricts, got %v", st.AggregateTotal)
	}
	if len(st.Levels[3].Options) != 2 {
		t.Fatalf("village options should be loaded, got %+v", st.Levels[3])
	}

	mustSelect(t, c, 3, ids("1000"))
	if got := c.State().AggregateTotal; got != 200 {
		t.Fatalf("expected 200 from village, got %v", got)
	}

	snap, err := c.Confirm()
	if err != nil || snap == nil {
		t.Fatalf("confirm: %v %v", snap, err)
	}
	if snap.AggregateTotal != 200 || !c.State().Locked {
		t.Fatalf("snapshot total %v locked %v", snap.AggregateTotal, c.State().Locked)
	}
	if term := snap.Terminal(); len(term.Nodes) != 1 || term.Nodes[0].ID != "1000" {
		t.Fatalf("terminal snapshot nodes: %+v", term)
	}
	if len(snap.Levels[1].Nodes) != 2 {
		t.Fatalf("district snapshot nodes: %+v", snap.Levels[1])
	}

	err = c.Select(2, ids("100"))
	if !errors.Is(err, ErrInvalidTransition) || !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked InvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.Op != "select" || te.Level != 2 {
		t.Fatalf("expected TransitionError, got %#v", err)
	}

	c.Reset()
	st = c.State()
	if st.Locked || st.AggregateTotal != 0 {
		t.Fatalf("reset left locked=%v total=%v", st.Locked, st.AggregateTotal)
	}
	for i, lv := range st.Levels {
		if len(lv.Selected) != 0 {
			t.Fatalf("level %d still selected: %v", i, lv.Selected)
		}
		if i > 0 && len(lv.Options) != 0 {
			t.Fatalf("level %d options should be cleared", i)
		}
	}
	if len(st.Levels[0].Options) != 2 {
		t.Fatal("level 0 options must survive reset")
	}
	if c.Snapshot() != nil {
		t.Fatal("snapshot should be dropped by reset")
	}
	roots := 0
	for _, call := range p.Calls() {
		if call == "roots:state" {
			roots++
		}
	}
	if roots != 1 {
		t.Fatalf("reset must not refetch roots, got %d calls", roots)
	}
}

func TestMultipleParentsFetchedInOneRequest(t *testing.T) {
	p := scenarioProvider()
	c := newCascade(t, p)
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("11", "10"))
	calls := p.Calls()
	if last := calls[len(calls)-1]; last != "children:subdistrict:10,11" {
		t.Fatalf("expected one request with both parents, got %v", calls)
	}
}

func TestEmptySelectionClearsBelowWithoutReload(t *testing.T) {
	for k := hierarchy.Level(1); k <= 3; k++ {
		p := scenarioProvider()
		c := newCascade(t, p)
		mustSelect(t, c, 0, ids("1"))
		mustSelect(t, c, 1, ids("10", "11"))
		mustSelect(t, c, 2, ids("100"))
		mustSelect(t, c, 3, ids("1000"))
		before := len(p.Calls())

		mustSelect(t, c, k-1, ids())
		st := c.State()
		for j := int(k); j < len(st.Levels); j++ {
			if len(st.Levels[j].Selected) != 0 || len(st.Levels[j].Options) != 0 || st.Levels[j].Loading {
				t.Fatalf("select(%d, {}) left level %d populated: %+v", k-1, j, st.Levels[j])
			}
		}
		if len(p.Calls()) != before {
			t.Fatalf("empty selection must not trigger a reload: %v", p.Calls()[before:])
		}
	}
}

func TestSelectRequiresParentSelection(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	err := c.Select(2, ids("100"))
	if !errors.Is(err, ErrParentNotSelected) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrParentNotSelected, got %v", err)
	}
	if err := c.Select(9, ids("x")); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
	if st := c.State(); len(st.Levels[2].Selected) != 0 {
		t.Fatal("rejected select must not change state")
	}
}

func TestConfirmWithEmptyTerminalIsNoop(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("10"))
	mustSelect(t, c, 2, ids("100"))
	v := c.State().Version
	snap, err := c.Confirm()
	if err != nil || snap != nil {
		t.Fatalf("expected nil snapshot, got %v %v", snap, err)
	}
	st := c.State()
	if st.Locked || st.Version != v {
		t.Fatalf("confirm guard must not change state: locked=%v version %d→%d", st.Locked, v, st.Version)
	}
}

func TestConfirmRefusedWhileTerminalLoading(t *testing.T) {
	p := scenarioProvider()
	inner := p.ChildrenFunc
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.ChildrenFunc = func(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
		if level == "village" {
			once.Do(func() { close(started) })
			<-release
		}
		return inner(ctx, level, parents)
	}
	c := newCascade(t, p)
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("10"))
	if err := c.Select(2, ids("100")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := c.Select(3, ids("1000")); err != nil {
		t.Fatal(err)
	}

	snap, err := c.Confirm()
	if !errors.Is(err, ErrLevelLoading) || !errors.Is(err, ErrInvalidTransition) || snap != nil {
		t.Fatalf("confirm during reload: %v %v", snap, err)
	}
	if c.State().Locked {
		t.Fatal("refused confirm must not lock")
	}

	close(release)
	c.Wait()
	snap, err = c.Confirm()
	if err != nil || snap == nil {
		t.Fatalf("confirm after reload: %v %v", snap, err)
	}
	st := c.State()
	if snap.AggregateTotal != 200 || st.AggregateTotal != snap.AggregateTotal {
		t.Fatalf("snapshot total %v, locked state total %v", snap.AggregateTotal, st.AggregateTotal)
	}
	if term := snap.Terminal(); len(term.Nodes) != 1 || term.Nodes[0].ID != "1000" {
		t.Fatalf("terminal snapshot nodes: %+v", term)
	}
}

func TestConfirmTwiceReturnsFrozenSnapshot(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("10"))
	mustSelect(t, c, 2, ids("100"))
	mustSelect(t, c, 3, ids("1000"))
	a, _ := c.Confirm()
	b, err := c.Confirm()
	if err != nil || a != b {
		t.Fatalf("second confirm should return the same snapshot: %v", err)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("10"))
	c.Reset()
	once := c.State()
	c.Reset()
	twice := c.State()
	once.Version, twice.Version = 0, 0
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("reset twice differs:\n%+v\n%+v", once, twice)
	}
}

func TestReloadFailureSetsLevelError(t *testing.T) {
	p := scenarioProvider()
	fail := true
	inner := p.ChildrenFunc
	p.ChildrenFunc = func(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
		if level == "district" && fail {
			return nil, errors.New("upstream 502")
		}
		return inner(ctx, level, parents)
	}
	c := newCascade(t, p)
	mustSelect(t, c, 0, ids("1"))
	lv := c.State().Levels[1]
	if lv.Error == "" || lv.Loading || lv.Options == nil || len(lv.Options) != 0 {
		t.Fatalf("expected error flag with empty options, got %+v", lv)
	}
	fail = false
	mustSelect(t, c, 0, ids("1"))
	lv = c.State().Levels[1]
	if lv.Error != "" || len(lv.Options) != 2 {
		t.Fatalf("reselecting should retry: %+v", lv)
	}
}

func TestInitializeFailureRecorded(t *testing.T) {
	p := scenarioProvider()
	p.RootsFunc = func(ctx context.Context, level string) ([]hierarchy.Node, error) {
		return nil, errors.New("no route")
	}
	c := newCascade(t, p)
	if lv := c.State().Levels[0]; lv.Error == "" || len(lv.Options) != 0 {
		t.Fatalf("expected level 0 error, got %+v", lv)
	}
}

func TestStaleReloadIsDiscarded(t *testing.T) {
	p := scenarioProvider()
	inner := p.ChildrenFunc
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.ChildrenFunc = func(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
		if level == "subdistrict" && geoid.Join(parents, ",") == "10" {
			once.Do(func() { close(started) })
			<-release
		}
		return inner(ctx, level, parents)
	}
	c := newCascade(t, p)
	mustSelect(t, c, 0, ids("1"))

	if err := c.Select(1, ids("10")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := c.Select(0, ids("2")); err != nil {
		t.Fatal(err)
	}
	close(release)
	c.Wait()

	st := c.State()
	if len(st.Levels[2].Options) != 0 || st.Levels[2].Loading {
		t.Fatalf("stale subdistrict response resurrected options: %+v", st.Levels[2])
	}
	if got := st.Levels[1].Options; len(got) != 1 || got[0].ID != "20" {
		t.Fatalf("district options should belong to state 2, got %+v", got)
	}
}

func TestSubscribersSeeIncreasingVersions(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	var mu sync.Mutex
	var versions []uint64
	var last State
	unsub := c.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, s.Version)
		last = s
	})
	mustSelect(t, c, 0, ids("1"))
	mustSelect(t, c, 1, ids("10", "11"))
	mustSelect(t, c, 2, ids("100", "101"))

	mu.Lock()
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not increasing: %v", versions)
		}
	}
	if last.AggregateTotal != 800 || last.Version != c.State().Version {
		t.Fatalf("subscriber missed the latest state: %+v", last)
	}
	n := len(versions)
	mu.Unlock()

	unsub()
	c.Reset()
	mu.Lock()
	defer mu.Unlock()
	if len(versions) != n {
		t.Fatal("unsubscribed callback still invoked")
	}
}

func TestClosedCascadeRejects(t *testing.T) {
	c := newCascade(t, scenarioProvider())
	c.Close()
	if err := c.Select(0, ids("1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Confirm(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
