package db

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNewPool_RejectsEmptyConnString(t *testing.T) {
	if _, err := NewPool(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}

func TestNewPool_RejectsMalformedConnString(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewPool_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if got := pool.Config().HealthCheckPeriod; got != 30*time.Second {
		t.Fatalf("expected 30s health check period, got %s", got)
	}
}
