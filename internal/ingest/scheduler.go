package ingest

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"time"

	"geo-cascade/internal/logger"
)

// nextMondayAt：now 之后最近的周一 hour 点（loc 时区）
func nextMondayAt(now time.Time, loc *time.Location, hour int) time.Time {
	now = now.In(loc)
	for i := 0; i <= 7; i++ {
		d := now.AddDate(0, 0, i)
		if d.Weekday() != time.Monday {
			continue
		}
		t := time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc)
		if t.After(now) {
			return t
		}
	}
	d := now.AddDate(0, 0, 7)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc)
}

// StartWeekly：每周一 INGEST_HOUR 点（INGEST_TZ 时区，默认 Asia/Kolkata 3:00）重新导入 srcURL
// 约束：错误仅记录日志，任务继续调度；ctx 取消后退出。
func StartWeekly(ctx context.Context, db *sql.DB, srcURL, defaultLayer string) {
	l := logger.L()
	loc, err := time.LoadLocation(envOr("INGEST_TZ", "Asia/Kolkata"))
	if err != nil {
		loc = time.UTC
	}
	hour := 3
	if h := os.Getenv("INGEST_HOUR"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n >= 0 && n < 24 {
			hour = n
		}
	}
	next := nextMondayAt(time.Now(), loc, hour)
	l.Info("ingest_scheduled", "next", next)
	go func() {
		for {
			t := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if _, err := FetchAndImport(ctx, db, nil, srcURL, defaultLayer); err != nil {
				l.Error("ingest_error", "err", err)
			}
			next = next.AddDate(0, 0, 7)
		}
	}()
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
