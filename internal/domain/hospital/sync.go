package hospital

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/platform/overpass"
	"github.com/resqnet/resqnet/pkg/geo"
)

// PlaceSource lists hospitals around a point. *overpass.Client satisfies it.
type PlaceSource interface {
	Hospitals(ctx context.Context, lat, lng, radiusKm float64) ([]overpass.Place, error)
}

// TxFunc runs fn atomically. db.WithTx bound to a pool is the Postgres
// implementation; NoTx is used with the in-memory store.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func NoTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type SyncResult struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Syncer imports OpenStreetMap hospitals into the directory. Imported rows
// are keyed by their OSM id so repeated runs refresh instead of duplicating,
// and an administrator's is_active decision survives a refresh.
type Syncer struct {
	repo   Repository
	source PlaceSource
	tx     TxFunc
	logger zerolog.Logger
}

func NewSyncer(repo Repository, source PlaceSource, tx TxFunc, logger zerolog.Logger) *Syncer {
	if tx == nil {
		tx = NoTx
	}
	return &Syncer{repo: repo, source: source, tx: tx, logger: logger}
}

func (s *Syncer) Sync(ctx context.Context, lat, lng, radiusKm float64) (SyncResult, error) {
	var res SyncResult
	if !geo.ValidLatitude(lat) || !geo.ValidLongitude(lng) {
		return res, fmt.Errorf("%w: sync center out of range", ErrInvalid)
	}
	if !(radiusKm > 0) {
		return res, fmt.Errorf("%w: sync radius must be positive", ErrInvalid)
	}

	places, err := s.source.Hospitals(ctx, lat, lng, radiusKm)
	if err != nil {
		return res, err
	}
	res.Fetched = len(places)

	err = s.tx(ctx, func(ctx context.Context) error {
		for _, p := range places {
			if p.Name == "" || !geo.ValidLatitude(p.Latitude) || !geo.ValidLongitude(p.Longitude) {
				res.Skipped++
				continue
			}
			extID := p.ExternalID
			h := &Hospital{
				Name:       p.Name,
				Latitude:   p.Latitude,
				Longitude:  p.Longitude,
				IsActive:   true,
				Source:     SourceOSM,
				ExternalID: &extID,
				Phone:      optional(p.Phone),
				Address:    optional(p.Address),
			}
			created, err := s.repo.UpsertByExternalID(ctx, h)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", p.ExternalID, err)
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
		}
		return nil
	})
	if inv, ok := s.repo.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	if err != nil {
		return SyncResult{Fetched: res.Fetched}, err
	}

	s.logger.Info().
		Int("fetched", res.Fetched).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Msg("hospital directory synced")
	return res, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
