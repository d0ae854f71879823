package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/resqnet/resqnet/internal/domain/hospital"
)

// HospitalDirectory is the read side of the hospital registry.
type HospitalDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*hospital.Hospital, error)
	ListActive(ctx context.Context) ([]*hospital.Hospital, error)
}

// Implementations return ErrNotFound for missing rows.
type EmergencyRepository interface {
	Create(ctx context.Context, e *Emergency) error
	GetByID(ctx context.Context, id uuid.UUID) (*Emergency, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Emergency, int, error)
	// ClaimPending writes a onto the emergency only if its status is still
	// pending at write time. The bool is false when another writer got there
	// first; the emergency is then returned as nil.
	ClaimPending(ctx context.Context, id uuid.UUID, a Assignment) (*Emergency, bool, error)
	// Update persists the fields owned by the assigned hospital, provided the
	// stored status still equals expected. Otherwise it returns
	// ErrStatusChanged and writes nothing. resolved_at is only ever written
	// once.
	Update(ctx context.Context, e *Emergency, expected Status) error
	// SetAdminNotes writes admin_notes and updated_at only.
	SetAdminNotes(ctx context.Context, id uuid.UUID, notes *string, at time.Time) (*Emergency, error)
}

type NotificationRepository interface {
	// Create inserts n unless the (emergency, hospital) pair already exists,
	// in which case it reports false and leaves the stored row untouched.
	Create(ctx context.Context, n *EmergencyNotification) (bool, error)
	ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*EmergencyNotification, error)
	// ListPendingForHospital returns pending emergencies addressed to the
	// hospital, newest first.
	ListPendingForHospital(ctx context.Context, hospitalID uuid.UUID) ([]*InboxItem, error)
	// MarkApproved records the winner's response. It reports false when the
	// hospital was never notified.
	MarkApproved(ctx context.Context, emergencyID, hospitalID uuid.UUID, at time.Time) (bool, error)
	// MarkTimedOut sets response_type=timeout on every other notification of
	// the emergency without touching responded_at.
	MarkTimedOut(ctx context.Context, emergencyID, exceptHospitalID uuid.UUID) (int64, error)
	MarkViewed(ctx context.Context, id, hospitalID uuid.UUID, at time.Time) error
}
