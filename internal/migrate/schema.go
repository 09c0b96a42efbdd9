// 包 migrate：首次运行创建层级节点与要素表
package migrate

import (
	"context"
	"database/sql"

	"geo-cascade/internal/logger"
)

// Statements 为建表语句，按顺序执行。
// 约束：全部使用 IF NOT EXISTS，可重复执行；要素属性与几何以 JSONB 存储，过滤字段通过 properties->>attr 匹配。
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS _geo_nodes (
		level TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		measure DOUBLE PRECISION,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (level, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_geo_nodes_parent ON _geo_nodes(level, parent_id)`,
	`CREATE TABLE IF NOT EXISTS _geo_features (
		layer TEXT NOT NULL,
		id TEXT NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}'::jsonb,
		geometry JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (layer, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_geo_features_props ON _geo_features USING GIN (properties)`,
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range Statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
