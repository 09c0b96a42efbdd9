package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/mapsync"
	"geo-cascade/internal/provider"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type staticDisplay struct{}

func (staticDisplay) Display(ctx context.Context, req provider.DisplayRequest) ([]provider.RasterDescriptor, error) {
	return []provider.RasterDescriptor{{FileName: "clip.tif", LayerName: "lulc_clip", Workspace: "raster"}}, nil
}

func feature(attr string, id string, g orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.Properties[attr] = id
	return f
}

func fixture() *provider.Memory {
	m := provider.NewMemory("fixture", nil)
	m.AddNodes("state", hierarchy.Node{ID: "1", Name: "S1"})
	m.AddNodes("district", hierarchy.Node{ID: "10", Name: "D1", ParentID: "1"}, hierarchy.Node{ID: "11", Name: "D2", ParentID: "1"})
	m.AddNodes("subdistrict", hierarchy.Node{ID: "100", ParentID: "10", Measure: hierarchy.M(500)}, hierarchy.Node{ID: "101", ParentID: "11", Measure: hierarchy.M(300)})
	m.AddNodes("village", hierarchy.Node{ID: "1000", ParentID: "100", Measure: hierarchy.M(200)}, hierarchy.Node{ID: "1001", ParentID: "101", Measure: hierarchy.M(150)})
	m.AddFeatures("vector:State", feature("state_code", "1", orb.Polygon{{{70, 20}, {70, 30}, {80, 30}, {80, 20}, {70, 20}}}))
	m.AddFeatures("vector:District", feature("district_c", "10", orb.Point{72, 22}), feature("district_c", "11", orb.Point{75, 25}))
	m.AddFeatures("vector:SubDistrict", feature("subdis_cod", "100", orb.Point{72, 22}), feature("subdis_cod", "101", orb.Point{999, 999}))
	m.AddFeatures("vector:Village", feature("village_co", "1000", orb.Polygon{{{10, 20}, {10, 25}, {15, 25}, {15, 20}, {10, 20}}}))
	return m
}

func newManager() *Manager {
	m := fixture()
	return NewManager(hierarchy.Defaults(), Deps{Nodes: m, Features: m, Display: staticDisplay{}}, time.Minute, 0)
}

func selectAndWait(t *testing.T, s *Session, level hierarchy.Level, ids ...geoid.ID) {
	t.Helper()
	if err := s.Select(level, ids); err != nil {
		t.Fatalf("select(%d): %v", level, err)
	}
	s.Wait()
}

func countOps(cmds []mapsync.Command, op string) int {
	n := 0
	for _, c := range cmds {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestSessionEndToEnd(t *testing.T) {
	mgr := newManager()
	ctx := context.Background()
	s, err := mgr.Create(ctx, "village")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer mgr.CloseAll(ctx)

	selectAndWait(t, s, 0, "1")
	selectAndWait(t, s, 1, "10", "11")
	selectAndWait(t, s, 2, "100", "101")
	if got := s.State().AggregateTotal; got != 800 {
		t.Fatalf("expected 800, got %v", got)
	}
	selectAndWait(t, s, 3, "1000")
	if got := s.State().AggregateTotal; got != 200 {
		t.Fatalf("expected 200, got %v", got)
	}

	vectors := 0
	for _, o := range s.Overlays() {
		if o.Kind == mapsync.KindVector {
			vectors++
		}
	}
	if vectors != 4 {
		t.Fatalf("expected one overlay per selected level, got %d", vectors)
	}
	cmds := s.Commands(0)
	if countOps(cmds, "fit_view") != 4 {
		t.Fatalf("expected a fit per selection, got %d", countOps(cmds, "fit_view"))
	}

	snap, err := s.Confirm()
	if err != nil || snap == nil || snap.AggregateTotal != 200 {
		t.Fatalf("confirm: %+v %v", snap, err)
	}
	s.Wait()
	ds, msg, enabled := s.Display()
	if !enabled || msg != "" || len(ds) != 1 {
		t.Fatalf("display: %v %q %v", ds, msg, enabled)
	}
	if err := s.Select(2, []geoid.ID{"100"}); !errors.Is(err, cascade.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	s.Reset()
	s.Wait()
	ovs := s.Overlays()
	if len(ovs) != 1 || ovs[0].Kind != mapsync.KindBase {
		t.Fatalf("reset should leave only the base overlay: %+v", ovs)
	}
	st := s.State()
	if st.Locked || st.AggregateTotal != 0 {
		t.Fatalf("reset state %+v", st)
	}
}

func TestDistrictVariantHasNoDisplay(t *testing.T) {
	mgr := newManager()
	ctx := context.Background()
	s, err := mgr.Create(ctx, "district")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, enabled := s.Display(); enabled {
		t.Fatal("district variant should not enable display")
	}
	selectAndWait(t, s, 0, "1")
	selectAndWait(t, s, 1, "10")
	selectAndWait(t, s, 2, "100")
	snap, err := s.Confirm()
	if err != nil || snap == nil || snap.AggregateTotal != 500 {
		t.Fatalf("district confirm: %+v %v", snap, err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	mgr := newManager()
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "nope"); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	a, _ := mgr.Create(ctx, "village")
	b, _ := mgr.Create(ctx, "point")
	if ids := mgr.List(); len(ids) != 2 || ids[0] != a.ID || ids[1] != b.ID {
		t.Fatalf("list: %v", ids)
	}
	if err := mgr.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mgr.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
	if err := a.Select(0, []geoid.ID{"1"}); !errors.Is(err, cascade.ErrClosed) {
		t.Fatalf("closed session should reject, got %v", err)
	}
	if n := mgr.Sweep(ctx, time.Now().Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if len(mgr.List()) != 0 {
		t.Fatal("sweep should drop idle sessions")
	}
}

func TestManagerLimitConcurrentCreate(t *testing.T) {
	m := fixture()
	mgr := NewManager(hierarchy.Defaults(), Deps{Nodes: m, Features: m}, 0, 1)
	ctx := context.Background()
	var ok, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Create(ctx, "village")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrTooMany):
				refused.Add(1)
			default:
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || refused.Load() != 7 {
		t.Fatalf("created %d refused %d", ok.Load(), refused.Load())
	}
	if got := len(mgr.List()); got != 1 {
		t.Fatalf("registered sessions: %d", got)
	}
}

func TestManagerLimit(t *testing.T) {
	m := fixture()
	mgr := NewManager(hierarchy.Defaults(), Deps{Nodes: m, Features: m}, 0, 1)
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "village"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, "village"); !errors.Is(err, ErrTooMany) {
		t.Fatalf("expected ErrTooMany, got %v", err)
	}
	if mgr.Sweep(ctx, time.Now().Add(time.Hour)) != 0 {
		t.Fatal("idle <= 0 disables expiry")
	}
}
