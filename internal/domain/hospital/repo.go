package hospital

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	// ListActive returns every hospital with is_active set, unordered.
	ListActive(ctx context.Context) ([]*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	// UpsertByExternalID inserts h or refreshes the row carrying the same
	// external_id. It reports whether a new row was created.
	UpsertByExternalID(ctx context.Context, h *Hospital) (bool, error)
}
