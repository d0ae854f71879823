//go:build integration

// Package integration runs the Postgres repositories and the dispatch
// service against a real database. Set TEST_DATABASE_URL to reuse an
// existing server; otherwise a throwaway container is started.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/domain/dispatch"
	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/db"
	"github.com/resqnet/resqnet/migrations"
)

var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, cleanup, err := setupDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up database: %v\n", err)
		os.Exit(1)
	}
	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupDatabase(ctx context.Context) (*pgxpool.Pool, func(), error) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 1)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return pool, func() {
		pool.Close()
		cleanup()
	}, nil
}

// resetTables empties every domain table so each test starts clean.
func resetTables(t *testing.T) {
	t.Helper()
	_, err := globalPool.Exec(context.Background(),
		`TRUNCATE emergency_notifications, emergencies, hospitals`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

type env struct {
	emergencies   dispatch.EmergencyRepository
	notifications dispatch.NotificationRepository
	hospitals     hospital.Repository
	svc           *dispatch.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	resetTables(t)
	e := &env{
		emergencies:   dispatch.NewEmergencyRepoPG(globalPool),
		notifications: dispatch.NewNotificationRepoPG(globalPool),
		hospitals:     hospital.NewRepoPG(globalPool),
	}
	e.svc = dispatch.NewService(e.emergencies, e.notifications, e.hospitals, dispatch.Config{
		DefaultRadiusKm:   10,
		FanOutConcurrency: 4,
	}, zerolog.Nop(), nil)
	return e
}

func (e *env) addHospital(t *testing.T, name string, lat, lng float64, active bool) *hospital.Hospital {
	t.Helper()
	h := &hospital.Hospital{Name: name, Latitude: lat, Longitude: lng, IsActive: active, Source: hospital.SourceManual}
	if err := e.hospitals.Create(context.Background(), h); err != nil {
		t.Fatalf("create hospital %s: %v", name, err)
	}
	return h
}

func ptr[T any](v T) *T { return &v }
