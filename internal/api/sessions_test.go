package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/provider"
	"geo-cascade/internal/session"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type downBeat struct{}

func (downBeat) Name() string                        { return "upstream" }
func (downBeat) Heartbeat(ctx context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, reg *provider.Registry) *httptest.Server {
	t.Helper()
	m := provider.NewMemory("fixture", nil)
	m.AddNodes("state", hierarchy.Node{ID: "1", Name: "S1"})
	m.AddNodes("district", hierarchy.Node{ID: "10", Name: "D1", ParentID: "1"})
	m.AddNodes("subdistrict", hierarchy.Node{ID: "100", Name: "SD1", ParentID: "10", Measure: hierarchy.M(500)})
	m.AddNodes("village", hierarchy.Node{ID: "1000", Name: "V1", ParentID: "100", Measure: hierarchy.M(200)})
	f := geojson.NewFeature(orb.Point{77.1, 28.6})
	f.Properties["state_code"] = "1"
	m.AddFeatures("vector:State", f)

	mgr := session.NewManager(hierarchy.Defaults(), session.Deps{Nodes: m, Features: m}, time.Minute, 0)
	srv := httptest.NewServer(BuildRoutes(mgr, reg))
	t.Cleanup(func() {
		srv.Close()
		mgr.CloseAll(context.Background())
	})
	return srv
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestSessionFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	var created sessionView
	if code := call(t, http.MethodPost, srv.URL+"/sessions", createRequest{Variant: "village"}, &created); code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if len(created.State.Levels) != 4 || len(created.State.Levels[0].Options) != 1 {
		t.Fatalf("root options not loaded: %+v", created.State.Levels)
	}
	base := srv.URL + "/sessions/" + created.ID

	var v sessionView
	steps := []map[string]any{
		{"level": 0, "ids": []any{1}},
		{"level": "district", "ids": []any{"10"}},
		{"level": 2, "ids": []any{"100"}},
		{"level": "village", "ids": []any{"1000"}},
	}
	for _, s := range steps {
		if code := call(t, http.MethodPost, base+"/select?wait=true", s, &v); code != http.StatusOK {
			t.Fatalf("select %v: status %d", s, code)
		}
	}
	if v.State.AggregateTotal != 200 {
		t.Fatalf("expected aggregate 200, got %v", v.State.AggregateTotal)
	}
	if len(v.Overlays) != 5 {
		t.Fatalf("expected base + 4 overlays, got %d", len(v.Overlays))
	}

	var cr confirmResult
	if code := call(t, http.MethodPost, base+"/confirm", nil, &cr); code != http.StatusOK || !cr.Confirmed {
		t.Fatalf("confirm: %d %+v", code, cr)
	}
	var e errorResult
	if code := call(t, http.MethodPost, base+"/select", map[string]any{"level": 0, "ids": []string{"1"}}, &e); code != http.StatusConflict {
		t.Fatalf("select while locked: %d %s", code, e.Error)
	}

	var cmds commandsResult
	call(t, http.MethodGet, base+"/commands?since=0", nil, &cmds)
	if len(cmds.Commands) == 0 || cmds.Next != cmds.Commands[len(cmds.Commands)-1].Seq {
		t.Fatalf("commands: %+v", cmds)
	}
	var tail commandsResult
	call(t, http.MethodGet, base+"/commands?since="+jsonNumber(cmds.Next), nil, &tail)
	if len(tail.Commands) != 0 || tail.Next != cmds.Next {
		t.Fatalf("expected empty tail, got %+v", tail)
	}

	if code := call(t, http.MethodPost, base+"/reset", nil, &v); code != http.StatusOK || v.State.Locked {
		t.Fatalf("reset: %d %+v", code, v.State)
	}
	if code := call(t, http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status %d", code)
	}
	if code := call(t, http.MethodGet, base, nil, &e); code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	var e errorResult
	if code := call(t, http.MethodPost, srv.URL+"/sessions", createRequest{Variant: "nope"}, &e); code != http.StatusBadRequest {
		t.Fatalf("unknown variant: %d", code)
	}
	var created sessionView
	call(t, http.MethodPost, srv.URL+"/sessions", createRequest{Variant: "district"}, &created)
	base := srv.URL + "/sessions/" + created.ID
	tests := []struct {
		name string
		body any
		want int
	}{
		{"parent not selected", map[string]any{"level": 2, "ids": []string{"100"}}, http.StatusConflict},
		{"unknown level index", map[string]any{"level": 7, "ids": []string{"1"}}, http.StatusBadRequest},
		{"unknown level name", map[string]any{"level": "village", "ids": []string{"1"}}, http.StatusBadRequest},
		{"bad level type", map[string]any{"level": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := call(t, http.MethodPost, base+"/select", tt.body, &e); code != tt.want {
			t.Errorf("%s: expected %d, got %d (%s)", tt.name, tt.want, code, e.Error)
		}
	}
	if code := call(t, http.MethodGet, base+"/commands?since=x", nil, &e); code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", code)
	}
	var cr confirmResult
	if code := call(t, http.MethodPost, base+"/confirm", nil, &cr); code != http.StatusOK || cr.Confirmed {
		t.Fatalf("confirm with empty terminal should be a no-op: %d %+v", code, cr)
	}
}

func TestVariantsAndHealth(t *testing.T) {
	reg := provider.NewRegistry(time.Minute)
	reg.Register(downBeat{})
	reg.Check(context.Background())
	srv := newTestServer(t, reg)

	var vs []hierarchy.Variant
	if code := call(t, http.MethodGet, srv.URL+"/variants", nil, &vs); code != http.StatusOK || len(vs) != 3 {
		t.Fatalf("variants: %d %v", code, vs)
	}
	var h healthResult
	if code := call(t, http.MethodGet, srv.URL+"/health", nil, &h); code != http.StatusServiceUnavailable || h.Healthy {
		t.Fatalf("health should report the failing provider: %d %+v", code, h)
	}
	if len(h.Providers) != 1 || !strings.Contains(h.Providers[0].Error, "refused") {
		t.Fatalf("providers: %+v", h.Providers)
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
}
