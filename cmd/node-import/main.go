// 数据导入工具：读取本地或远程 GeoJSON，将层级节点与要素批量写入 PostgreSQL
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geo-cascade/internal/ingest"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/migrate"
	"geo-cascade/internal/provider"
	"geo-cascade/internal/utils"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	src := flag.String("src", os.Getenv("SRC_URL"), "GeoJSON file path or http(s) URL")
	layer := flag.String("layer", "", "layer name for features without a layer property (default: file stem)")
	batch := flag.Int("batch", ingest.DefaultBatch, "rows per transaction")
	flag.Parse()
	if *src == "" {
		l.Error("src_missing", "hint", "pass -src or set SRC_URL")
		os.Exit(2)
	}

	ctx := context.Background()
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}

	start := time.Now()
	var st ingest.Stats
	if strings.HasPrefix(*src, "http://") || strings.HasPrefix(*src, "https://") {
		st, err = ingest.FetchAndImport(ctx, db, &http.Client{Timeout: 5 * time.Minute}, *src, *layer)
	} else {
		st, err = importFile(ctx, *src, *layer, *batch, db)
	}
	if err != nil {
		l.Error("import_error", "src", *src, "err", err)
		os.Exit(1)
	}
	l.Info("import_done", "src", *src, "nodes", st.Nodes, "features", st.Features, "skipped", st.Skipped, "duration_ms", time.Since(start).Milliseconds())
}

// importFile 读取本地文件；layer 为空时取文件名（不含扩展名）作为默认图层。
func importFile(ctx context.Context, path, layer string, batch int, db *sql.DB) (ingest.Stats, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ingest.Stats{}, err
	}
	fc, err := provider.DecodeFeatures(b)
	if err != nil {
		return ingest.Stats{}, err
	}
	if layer == "" {
		base := filepath.Base(path)
		layer = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ingest.ImportCollection(ctx, db, fc, layer, batch)
}
