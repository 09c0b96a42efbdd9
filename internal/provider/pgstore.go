package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"

	"github.com/lib/pq"
	"github.com/paulmach/orb/geojson"
)

// PGStore：PostgreSQL 数据访问层，读取 _geo_nodes 与 _geo_features
// 约束：表结构由 migrate.EnsureSchema 创建；attribute 在查询前经 filter.Validate 校验后才作为 JSON 键参与查询。
type PGStore struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Name() string { return "postgres" }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Heartbeat(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PGStore) Roots(ctx context.Context, level string) ([]hierarchy.Node, error) {
	t0 := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, name, measure FROM _geo_nodes WHERE level=$1 ORDER BY name, id`, level)
	if err != nil {
		s.observe("roots", "error", t0)
		return nil, fmt.Errorf("provider: roots: %w", err)
	}
	out, err := scanNodes(rows)
	s.observe("roots", result(err), t0)
	logger.L().Debug("db_roots", "level", level, "rows", len(out))
	return out, err
}

func (s *PGStore) Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
	t0 := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, name, measure FROM _geo_nodes WHERE level=$1 AND parent_id = ANY($2) ORDER BY name, id`, level, pq.Array(idStrings(parents)))
	if err != nil {
		s.observe("children", "error", t0)
		return nil, fmt.Errorf("provider: children: %w", err)
	}
	out, err := scanNodes(rows)
	s.observe("children", result(err), t0)
	logger.L().Debug("db_children", "level", level, "parents", len(parents), "rows", len(out))
	return out, err
}

func (s *PGStore) Features(ctx context.Context, layer string, f filter.Expression) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	if f.Empty() {
		return fc, nil
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	t0 := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT id, properties, geometry FROM _geo_features WHERE layer=$1 AND properties->>$2 = ANY($3)`, layer, f.Attribute, pq.Array(idStrings(f.Values)))
	if err != nil {
		s.observe("features", "error", t0)
		return nil, fmt.Errorf("provider: features: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var props, geom []byte
		if err := rows.Scan(&id, &props, &geom); err != nil {
			s.observe("features", "error", t0)
			return nil, err
		}
		g := &geojson.Geometry{}
		if err := g.UnmarshalJSON(geom); err != nil {
			logger.L().Warn("db_feature_geometry_invalid", "layer", layer, "id", id, "err", err)
			continue
		}
		feat := geojson.NewFeature(g.Geometry())
		feat.ID = id
		if len(props) > 0 {
			_ = json.Unmarshal(props, &feat.Properties)
		}
		fc.Append(feat)
	}
	if err := rows.Err(); err != nil {
		s.observe("features", "error", t0)
		return nil, err
	}
	s.observe("features", "ok", t0)
	return fc, nil
}

func scanNodes(rows *sql.Rows) ([]hierarchy.Node, error) {
	defer rows.Close()
	var out []hierarchy.Node
	for rows.Next() {
		var n hierarchy.Node
		var id, parent, name string
		var measure sql.NullFloat64
		if err := rows.Scan(&id, &parent, &name, &measure); err != nil {
			return nil, err
		}
		n.ID, n.ParentID, n.Name = geoid.ID(id), geoid.ID(parent), name
		if measure.Valid {
			n.Measure = hierarchy.M(measure.Float64)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func idStrings(ids []geoid.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *PGStore) observe(op, res string, t0 time.Time) {
	metrics.ProviderRequestsTotal.WithLabelValues("postgres", op, res).Inc()
	metrics.ProviderDurationMs.WithLabelValues("postgres", op).Observe(float64(time.Since(t0).Milliseconds()))
}
