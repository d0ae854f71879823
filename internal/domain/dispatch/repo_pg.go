package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resqnet/resqnet/internal/platform/db"
)

// =========== Emergency Repository ===========

type emergencyRepoPG struct{ pool *pgxpool.Pool }

func NewEmergencyRepoPG(pool *pgxpool.Pool) EmergencyRepository {
	return &emergencyRepoPG{pool: pool}
}

func (r *emergencyRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const emergencyCols = `id, phone_number, name, latitude, longitude, emergency_level, status,
	assigned_hospital_id, assigned_hospital_name, assigned_hospital_lat, assigned_hospital_lng,
	assigned_ambulance_number, driver_name, driver_phone, admin_notes,
	created_at, updated_at, acknowledged_at, resolved_at`

func scanEmergency(row pgx.Row) (*Emergency, error) {
	var e Emergency
	err := row.Scan(&e.ID, &e.PhoneNumber, &e.Name, &e.Latitude, &e.Longitude, &e.EmergencyLevel, &e.Status,
		&e.AssignedHospitalID, &e.AssignedHospitalName, &e.AssignedHospitalLat, &e.AssignedHospitalLng,
		&e.AssignedAmbulanceNumber, &e.DriverName, &e.DriverPhone, &e.AdminNotes,
		&e.CreatedAt, &e.UpdatedAt, &e.AcknowledgedAt, &e.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *emergencyRepoPG) Create(ctx context.Context, e *Emergency) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergencies (id, phone_number, name, latitude, longitude, emergency_level, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PhoneNumber, e.Name, e.Latitude, e.Longitude, e.EmergencyLevel, e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *emergencyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Emergency, error) {
	return scanEmergency(r.conn(ctx).QueryRow(ctx, `SELECT `+emergencyCols+` FROM emergencies WHERE id = $1`, id))
}

func (r *emergencyRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Emergency, int, error) {
	var where []string
	var args []interface{}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.HospitalID != nil {
		args = append(args, *f.HospitalID)
		where = append(where, fmt.Sprintf("assigned_hospital_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM emergencies`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM emergencies%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		emergencyCols, clause, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *emergencyRepoPG) ClaimPending(ctx context.Context, id uuid.UUID, a Assignment) (*Emergency, bool, error) {
	e, err := scanEmergency(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergencies
		SET status = 'acknowledged', assigned_hospital_id = $2, assigned_hospital_name = $3,
			assigned_hospital_lat = $4, assigned_hospital_lng = $5,
			acknowledged_at = $6, updated_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING `+emergencyCols,
		id, a.HospitalID, a.Name, a.Latitude, a.Longitude, a.At))
	if errors.Is(err, ErrNotFound) {
		// Zero rows: either someone else won or the id is unknown. The
		// caller re-reads to tell the two apart.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *emergencyRepoPG) Update(ctx context.Context, e *Emergency, expected Status) error {
	updated, err := scanEmergency(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergencies
		SET status = $2, assigned_ambulance_number = $3, driver_name = $4, driver_phone = $5,
			admin_notes = $6, resolved_at = COALESCE(resolved_at, $7), updated_at = $8
		WHERE id = $1 AND status = $9
		RETURNING `+emergencyCols,
		e.ID, e.Status, e.AssignedAmbulanceNumber, e.DriverName, e.DriverPhone,
		e.AdminNotes, e.ResolvedAt, e.UpdatedAt, expected))
	if errors.Is(err, ErrNotFound) {
		// Zero rows: tell a missing emergency from a lost race.
		if _, gerr := r.GetByID(ctx, e.ID); gerr != nil {
			return gerr
		}
		return ErrStatusChanged
	}
	if err != nil {
		return err
	}
	*e = *updated
	return nil
}

func (r *emergencyRepoPG) SetAdminNotes(ctx context.Context, id uuid.UUID, notes *string, at time.Time) (*Emergency, error) {
	return scanEmergency(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergencies SET admin_notes = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+emergencyCols,
		id, notes, at))
}

// =========== Notification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewNotificationRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepoPG{pool: pool}
}

func (r *notificationRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const notificationCols = `id, emergency_id, hospital_id, distance_km, notified_at, viewed_at, responded_at, response_type`

func scanNotification(row pgx.Row) (*EmergencyNotification, error) {
	var n EmergencyNotification
	err := row.Scan(&n.ID, &n.EmergencyID, &n.HospitalID, &n.DistanceKm, &n.NotifiedAt,
		&n.ViewedAt, &n.RespondedAt, &n.ResponseType)
	return &n, err
}

func (r *notificationRepoPG) Create(ctx context.Context, n *EmergencyNotification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency_notifications (id, emergency_id, hospital_id, distance_km, notified_at, responded_at, response_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (emergency_id, hospital_id) DO NOTHING`,
		n.ID, n.EmergencyID, n.HospitalID, n.DistanceKm, n.NotifiedAt, n.RespondedAt, n.ResponseType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *notificationRepoPG) ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*EmergencyNotification, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+notificationCols+` FROM emergency_notifications
		WHERE emergency_id = $1 ORDER BY distance_km, hospital_id`, emergencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*EmergencyNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *notificationRepoPG) ListPendingForHospital(ctx context.Context, hospitalID uuid.UUID) ([]*InboxItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT n.id, n.emergency_id, n.hospital_id, n.distance_km, n.notified_at, n.viewed_at, n.responded_at, n.response_type,
			e.id, e.phone_number, e.name, e.latitude, e.longitude, e.emergency_level, e.status,
			e.assigned_hospital_id, e.assigned_hospital_name, e.assigned_hospital_lat, e.assigned_hospital_lng,
			e.assigned_ambulance_number, e.driver_name, e.driver_phone, e.admin_notes,
			e.created_at, e.updated_at, e.acknowledged_at, e.resolved_at
		FROM emergency_notifications n
		JOIN emergencies e ON e.id = n.emergency_id
		WHERE n.hospital_id = $1 AND e.status = 'pending'
		ORDER BY e.created_at DESC`, hospitalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InboxItem
	for rows.Next() {
		var n EmergencyNotification
		var e Emergency
		if err := rows.Scan(&n.ID, &n.EmergencyID, &n.HospitalID, &n.DistanceKm, &n.NotifiedAt,
			&n.ViewedAt, &n.RespondedAt, &n.ResponseType,
			&e.ID, &e.PhoneNumber, &e.Name, &e.Latitude, &e.Longitude, &e.EmergencyLevel, &e.Status,
			&e.AssignedHospitalID, &e.AssignedHospitalName, &e.AssignedHospitalLat, &e.AssignedHospitalLng,
			&e.AssignedAmbulanceNumber, &e.DriverName, &e.DriverPhone, &e.AdminNotes,
			&e.CreatedAt, &e.UpdatedAt, &e.AcknowledgedAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		items = append(items, &InboxItem{Notification: &n, Emergency: &e})
	}
	return items, rows.Err()
}

func (r *notificationRepoPG) MarkApproved(ctx context.Context, emergencyID, hospitalID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_notifications SET response_type = 'approved', responded_at = $3
		WHERE emergency_id = $1 AND hospital_id = $2`, emergencyID, hospitalID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *notificationRepoPG) MarkTimedOut(ctx context.Context, emergencyID, exceptHospitalID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_notifications SET response_type = 'timeout'
		WHERE emergency_id = $1 AND hospital_id <> $2`, emergencyID, exceptHospitalID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) MarkViewed(ctx context.Context, id, hospitalID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_notifications SET viewed_at = COALESCE(viewed_at, $3)
		WHERE id = $1 AND hospital_id = $2`, id, hospitalID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
