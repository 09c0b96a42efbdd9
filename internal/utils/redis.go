package utils

import (
	"context"
	"os"
	"strconv"
	"time"

	"geo-cascade/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis：直接传入地址与密码，地址为空时返回 nil；用于测试与手工注入
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

// OpenRedisFromEnv：REDIS_ENABLED=false 时返回 nil（提供方缓存退化为进程内 LRU）
// 约束：REDIS_DB 解析失败或为负数时回退到 0。
func OpenRedisFromEnv() *redis.Client {
	if os.Getenv("REDIS_ENABLED") == "false" {
		return nil
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			db = n
		}
	}
	addr := host + ":" + port
	logger.L().Debug("redis_env", "addr", addr, "db", db)
	return OpenRedis(addr, os.Getenv("REDIS_PASS"), db)
}

// PingRedis 在 timeout 内检查连通性。
func PingRedis(ctx context.Context, rc *redis.Client, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rc.Ping(cctx).Err()
}
