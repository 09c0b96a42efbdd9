package provider

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestDecodeFeaturesLenient(t *testing.T) {
	doc := `{"type":"FeatureCollection","features":[
	 {"type":"Feature","properties":{"a":1},"geometry":{"type":"Polygon","coordinates":[[[10,20],[10,25],[15,25],[15,20],[10,20]]]}},
	 {"type":"Feature","properties":{"a":2},"geometry":{"type":"Weird","coordinates":[[[[1,2],[3,"x"]]],[[5,6]]]}},
	 {"type":"Feature","properties":{"a":3},"geometry":null}
	]}`
	fc, err := DecodeFeatures([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 3 {
		t.Fatalf("expected polygon, salvaged and empty features, got %d", len(fc.Features))
	}
	if fc.Features[2].Geometry != nil {
		t.Fatalf("null geometry should stay nil, got %#v", fc.Features[2].Geometry)
	}
	mp, ok := fc.Features[1].Geometry.(orb.MultiPoint)
	if !ok || len(mp) != 2 || mp[1] != (orb.Point{5, 6}) {
		t.Fatalf("salvaged geometry wrong: %#v", fc.Features[1].Geometry)
	}
	if fc.Features[1].Properties["a"] != float64(2) {
		t.Fatal("properties lost on salvage")
	}
}

func TestDecodeFeaturesRejects(t *testing.T) {
	if _, err := DecodeFeatures([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object")
	}
	if _, err := DecodeFeatures([]byte(`{"type":"Topology","features":[]}`)); err == nil {
		t.Fatal("expected error for unexpected type")
	}
}
