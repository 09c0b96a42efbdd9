package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/roots", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("level") != "state" {
			http.Error(w, "bad level", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"name":"S1"},{"id":"2","name":"S2"}]`))
	})
	mux.HandleFunc("/children", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("parents"); got != "10,11" {
			t.Errorf("parents should be sent in one request, got %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":100,"parent_id":10,"name":"SD1","measure":500},{"id":101,"parent_id":11,"name":"SD2","measure":300}]`))
	})
	mux.HandleFunc("/features", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("layer") != "vector:Village" || q.Get("attribute") != "village_co" || q.Get("values") != "1000,1001" {
			t.Errorf("unexpected feature query %v", q)
		}
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"village_co":"1000"},"geometry":{"type":"Point","coordinates":[77.1,28.6]}}]}`))
	})
	mux.HandleFunc("/display", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var req DisplayRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode([]RasterDescriptor{{FileName: req.Level + ".tif", LayerName: "lulc", Workspace: "clip"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProviderContract(t *testing.T) {
	srv := newUpstream(t)
	p := NewHTTP("upstream", srv.URL+"/", WithHTTPClient(srv.Client()))
	ctx := context.Background()

	if err := p.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	roots, err := p.Roots(ctx, "state")
	if err != nil || len(roots) != 2 || roots[0].ID != "1" || roots[1].ID != "2" {
		t.Fatalf("roots: %v %+v", err, roots)
	}
	kids, err := p.Children(ctx, "subdistrict", []geoid.ID{"10", "11"})
	if err != nil || len(kids) != 2 {
		t.Fatalf("children: %v %+v", err, kids)
	}
	if kids[0].Measure == nil || *kids[0].Measure != 500 || kids[1].ParentID != "11" {
		t.Fatalf("unexpected child decode %+v", kids)
	}
	fc, err := p.Features(ctx, "vector:Village", filter.New(3, "village_co", geoid.NewSet("1001", "1000")))
	if err != nil || len(fc.Features) != 1 {
		t.Fatalf("features: %v", err)
	}
	ds, err := p.Display(ctx, DisplayRequest{Variant: "village", Level: "village", IDs: []geoid.ID{"1000"}})
	if err != nil || len(ds) != 1 || ds[0].FileName != "village.tif" {
		t.Fatalf("display: %v %+v", err, ds)
	}
}

func TestHTTPProviderBadStatus(t *testing.T) {
	srv := newUpstream(t)
	p := NewHTTP("upstream", srv.URL)
	_, err := p.Roots(context.Background(), "nope")
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest || se.Op != "roots" {
		t.Fatalf("expected StatusError 400, got %#v", err)
	}
	if _, err := NewHTTP("x", "").Roots(context.Background(), "state"); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestHTTPProviderTransportError(t *testing.T) {
	srv := newUpstream(t)
	url := srv.URL
	srv.Close()
	if _, err := NewHTTP("down", url).Children(context.Background(), "district", []geoid.ID{"1"}); err == nil {
		t.Fatal("expected transport error")
	}
}
