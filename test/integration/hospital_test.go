//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/db"
	"github.com/resqnet/resqnet/migrations"
)

func TestHospitalRepo_UpsertKeepsActiveFlag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ext := "node/42"

	h := &hospital.Hospital{Name: "General", Latitude: 1, Longitude: 2, IsActive: true,
		Source: hospital.SourceOSM, ExternalID: &ext}
	created, err := e.hospitals.UpsertByExternalID(ctx, h)
	require.NoError(t, err)
	assert.True(t, created)
	id := h.ID

	require.NoError(t, e.hospitals.SetActive(ctx, id, false))

	again := &hospital.Hospital{Name: "General Hospital", Latitude: 1.5, Longitude: 2, IsActive: true,
		Source: hospital.SourceOSM, ExternalID: &ext}
	created, err = e.hospitals.UpsertByExternalID(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again.ID)
	assert.False(t, again.IsActive)

	got, err := e.hospitals.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "General Hospital", got.Name)
	assert.Equal(t, 1.5, got.Latitude)
	assert.False(t, got.IsActive)
}

func TestHospitalRepo_ListAndNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addHospital(t, "Bravo", 0, 0, true)
	e.addHospital(t, "Alpha", 0, 0, false)
	e.addHospital(t, "Charlie", 0, 0, true)

	active, err := e.hospitals.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	page, total, err := e.hospitals.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "Alpha", page[0].Name)

	_, err = e.hospitals.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, hospital.ErrNotFound)
	assert.ErrorIs(t, e.hospitals.SetActive(ctx, uuid.New(), true), hospital.ErrNotFound)
}

func TestHospitalRepo_TransactionRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ext := "way/7"

	err := db.WithTx(ctx, globalPool, func(ctx context.Context) error {
		if _, err := e.hospitals.UpsertByExternalID(ctx, &hospital.Hospital{
			Name: "Temp", IsActive: true, Source: hospital.SourceOSM, ExternalID: &ext,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, total, err := e.hospitals.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, migrations.FS)

	applied, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 3)
	for _, s := range status {
		assert.True(t, s.Applied, s.Name)
		assert.NotNil(t, s.AppliedAt)
	}
}
