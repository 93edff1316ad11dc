// Package testutil provides the env-gated backend handles integration
// tests across the tree share: a Postgres *gorm.DB skipped without
// TEST_POSTGRES_DSN and a Redis address skipped without TEST_REDIS_ADDR.
// Grounded on internal/data/repos/testutil.DB's once-initialized,
// t.Skip-on-missing-env pattern.
package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var errMissingPostgresDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error
)

// DB returns a shared *gorm.DB dialed from TEST_POSTGRES_DSN, skipping the
// calling test when the env var is unset.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingPostgresDSN
			return
		}
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
		}
	})

	if errors.Is(dbErr, errMissingPostgresDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run postgres-backed integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

// RedisAddr returns TEST_REDIS_ADDR, skipping the calling test when unset,
// and verifies a real server is reachable there before handing it back.
func RedisAddr(tb testing.TB) string {
	tb.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		tb.Skip("set TEST_REDIS_ADDR to run redis-backed integration tests")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 2 * time.Second})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		tb.Fatalf("TEST_REDIS_ADDR set but unreachable: %v", err)
	}
	return addr
}
