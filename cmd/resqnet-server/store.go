package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/config"
	"github.com/resqnet/resqnet/internal/domain/dispatch"
	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/db"
)

// store bundles the repositories for the configured backend.
type store struct {
	name          db.StoreName
	pool          *pgxpool.Pool
	pinger        db.Pinger
	emergencies   dispatch.EmergencyRepository
	notifications dispatch.NotificationRepository
	hospitals     hospital.Repository
	tx            hospital.TxFunc
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		mem := dispatch.NewMemStore()
		return &store{
			name:          config.StoreMemory,
			pinger:        mem,
			emergencies:   mem.Emergencies(),
			notifications: mem.Notifications(),
			hospitals:     hospital.NewMemRepo(),
			tx:            hospital.NoTx,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")
	return &store{
		name:          config.StorePostgres,
		pool:          pool,
		pinger:        pool,
		emergencies:   dispatch.NewEmergencyRepoPG(pool),
		notifications: dispatch.NewNotificationRepoPG(pool),
		hospitals:     hospital.NewRepoPG(pool),
		tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
	}, nil
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
