// 包 ingest：将 GeoJSON 要素集合导入 Postgres 的层级节点表与要素表，作为离线数据通道
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"
	"geo-cascade/internal/provider"

	"github.com/paulmach/orb/geojson"
)

const (
	upsertNode = `INSERT INTO _geo_nodes(level,id,parent_id,name,measure,updated_at) VALUES($1,$2,$3,$4,$5,now())
		ON CONFLICT (level,id) DO UPDATE SET parent_id=EXCLUDED.parent_id, name=EXCLUDED.name, measure=EXCLUDED.measure, updated_at=now()`
	upsertFeature = `INSERT INTO _geo_features(layer,id,properties,geometry,updated_at) VALUES($1,$2,$3,$4,now())
		ON CONFLICT (layer,id) DO UPDATE SET properties=EXCLUDED.properties, geometry=EXCLUDED.geometry, updated_at=now()`
)

// DefaultBatch 为每个事务提交的行数。
const DefaultBatch = 5000

var ErrBadStatus = errors.New("ingest: bad status")

// Stats 为一次导入的行数统计。
type Stats struct {
	Nodes    int
	Features int
	Skipped  int
}

type nodeRow struct {
	level string
	node  hierarchy.Node
}

type featureRow struct {
	layer, id string
	props     []byte
	geometry  []byte
}

// plan 将集合拆分为节点行与要素行
// 约束：level/id 属性齐全的要素产出节点行；几何非空且能确定图层与 ID 的要素产出要素行；
// 图层取属性 layer，缺失时取 defaultLayer；要素 ID 取属性 id，其次取 Feature.ID。
func plan(fc *geojson.FeatureCollection, defaultLayer string) ([]nodeRow, []featureRow, int) {
	var nodes []nodeRow
	var feats []featureRow
	skipped := 0
	for _, f := range fc.Features {
		used := false
		if level, n, ok := provider.NodeFromProperties(f.Properties); ok {
			nodes = append(nodes, nodeRow{level: level, node: n})
			used = true
		}
		layer := defaultLayer
		if s, ok := f.Properties["layer"].(string); ok && s != "" {
			layer = s
		}
		id, ok := geoid.FromAny(f.Properties["id"])
		if !ok {
			id, ok = geoid.FromAny(f.ID)
		}
		if f.Geometry != nil && layer != "" && ok {
			props, err := json.Marshal(f.Properties)
			if err == nil {
				geom, err := json.Marshal(geojson.NewGeometry(f.Geometry))
				if err == nil {
					feats = append(feats, featureRow{layer: layer, id: string(id), props: props, geometry: geom})
					used = true
				}
			}
		}
		if !used {
			skipped++
		}
	}
	return nodes, feats, skipped
}

// ImportCollection：分批事务写入节点与要素
// 背景：每 batch 行提交一次，降低锁持有与 WAL 压力；重复导入按主键覆盖。
// 异常：数据库错误直接返回，已提交的批次保留。
func ImportCollection(ctx context.Context, db *sql.DB, fc *geojson.FeatureCollection, defaultLayer string, batch int) (Stats, error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	nodes, feats, skipped := plan(fc, defaultLayer)
	st := Stats{Skipped: skipped}
	w := &batchWriter{db: db, batch: batch}
	defer w.rollback()
	for _, r := range nodes {
		var measure any
		if r.node.Measure != nil {
			measure = *r.node.Measure
		}
		if err := w.exec(ctx, upsertNode, r.level, string(r.node.ID), string(r.node.ParentID), r.node.Name, measure); err != nil {
			return st, fmt.Errorf("ingest: node %s/%s: %w", r.level, r.node.ID, err)
		}
		st.Nodes++
	}
	for _, r := range feats {
		if err := w.exec(ctx, upsertFeature, r.layer, r.id, r.props, r.geometry); err != nil {
			return st, fmt.Errorf("ingest: feature %s/%s: %w", r.layer, r.id, err)
		}
		st.Features++
	}
	if err := w.commit(); err != nil {
		return st, err
	}
	metrics.IngestRowsTotal.WithLabelValues("_geo_nodes").Add(float64(st.Nodes))
	metrics.IngestRowsTotal.WithLabelValues("_geo_features").Add(float64(st.Features))
	logger.L().Info("ingest_done", "nodes", st.Nodes, "features", st.Features, "skipped", st.Skipped)
	return st, nil
}

// batchWriter 每写入 batch 行提交一次事务。
type batchWriter struct {
	db    *sql.DB
	tx    *sql.Tx
	batch int
	n     int
	total int
}

func (w *batchWriter) exec(ctx context.Context, q string, args ...any) error {
	if w.tx == nil {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		w.tx = tx
	}
	if _, err := w.tx.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	w.n++
	w.total++
	if w.n >= w.batch {
		logger.L().Info("ingest_progress", "count", w.total)
		return w.commit()
	}
	return nil
}

func (w *batchWriter) commit() error {
	if w.tx == nil {
		return nil
	}
	err := w.tx.Commit()
	w.tx, w.n = nil, 0
	return err
}

func (w *batchWriter) rollback() {
	if w.tx != nil {
		_ = w.tx.Rollback()
		w.tx = nil
	}
}

// FetchAndImport：下载 GeoJSON 并导入
// 异常：网络错误/非 200/解析失败直接返回，不做重试（交由调度层处理）。
func FetchAndImport(ctx context.Context, db *sql.DB, client *http.Client, srcURL, defaultLayer string) (Stats, error) {
	if client == nil {
		client = http.DefaultClient
	}
	logger.L().Info("ingest_start", "src", srcURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Stats{}, err
	}
	fc, err := provider.DecodeFeatures(b)
	if err != nil {
		return Stats{}, err
	}
	return ImportCollection(ctx, db, fc, defaultLayer, DefaultBatch)
}

// EnsureInitialized：节点表为空时执行一次初始化导入；计数失败时返回错误而不导入
func EnsureInitialized(ctx context.Context, db *sql.DB, srcURL, defaultLayer string) error {
	var c int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM _geo_nodes").Scan(&c); err != nil {
		return fmt.Errorf("ingest: count nodes: %w", err)
	}
	if c > 0 {
		return nil
	}
	_, err := FetchAndImport(ctx, db, nil, srcURL, defaultLayer)
	return err
}
