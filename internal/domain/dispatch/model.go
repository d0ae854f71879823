package dispatch

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/resqnet/resqnet/pkg/geo"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusDispatched   Status = "dispatched"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusAcknowledged: 1,
	StatusDispatched:   2,
	StatusInProgress:   3,
	StatusResolved:     4,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether the assigned hospital may move an emergency
// from s to next. Progress is forward only, may skip stages, and never
// targets pending or acknowledged: acknowledgment belongs to the arbiter.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StatusPending || next == StatusAcknowledged {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// AtLeast reports whether s is at or beyond other in the lifecycle.
func (s Status) AtLeast(other Status) bool {
	return statusRank[s] >= statusRank[other]
}

type ResponseType string

const (
	ResponseApproved ResponseType = "approved"
	ResponseTimeout  ResponseType = "timeout"
)

const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
)

var validLevels = map[string]bool{LevelCritical: true, LevelHigh: true, LevelMedium: true, LevelLow: true}

// Emergency maps to the emergencies table.
type Emergency struct {
	ID                      uuid.UUID  `db:"id" json:"id"`
	PhoneNumber             string     `db:"phone_number" json:"phone_number"`
	Name                    *string    `db:"name" json:"name,omitempty"`
	Latitude                float64    `db:"latitude" json:"latitude"`
	Longitude               float64    `db:"longitude" json:"longitude"`
	EmergencyLevel          string     `db:"emergency_level" json:"emergency_level"`
	Status                  Status     `db:"status" json:"status"`
	AssignedHospitalID      *uuid.UUID `db:"assigned_hospital_id" json:"assigned_hospital_id,omitempty"`
	AssignedHospitalName    *string    `db:"assigned_hospital_name" json:"assigned_hospital_name,omitempty"`
	AssignedHospitalLat     *float64   `db:"assigned_hospital_lat" json:"assigned_hospital_lat,omitempty"`
	AssignedHospitalLng     *float64   `db:"assigned_hospital_lng" json:"assigned_hospital_lng,omitempty"`
	AssignedAmbulanceNumber *string    `db:"assigned_ambulance_number" json:"assigned_ambulance_number,omitempty"`
	DriverName              *string    `db:"driver_name" json:"driver_name,omitempty"`
	DriverPhone             *string    `db:"driver_phone" json:"driver_phone,omitempty"`
	AdminNotes              *string    `db:"admin_notes" json:"admin_notes,omitempty"`
	CreatedAt               time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time  `db:"updated_at" json:"updated_at"`
	AcknowledgedAt          *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	ResolvedAt              *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Validate checks the per-status field rules: assignment fields exist from
// acknowledged onward and resolved_at exists exactly when resolved.
func (e *Emergency) Validate() error {
	verr := &ValidationError{}
	if !e.Status.Valid() {
		verr.add("status", "unknown status "+string(e.Status))
		return verr
	}
	assigned := e.AssignedHospitalID != nil && e.AssignedHospitalName != nil &&
		e.AssignedHospitalLat != nil && e.AssignedHospitalLng != nil
	if e.Status == StatusPending && (e.AssignedHospitalID != nil || e.AssignedHospitalName != nil) {
		verr.add("assigned_hospital", "must be empty while pending")
	}
	if e.Status.AtLeast(StatusAcknowledged) && !assigned {
		verr.add("assigned_hospital", "required once acknowledged")
	}
	if e.Status == StatusResolved && e.ResolvedAt == nil {
		verr.add("resolved_at", "required when resolved")
	}
	if e.Status != StatusResolved && e.ResolvedAt != nil {
		verr.add("resolved_at", "must be empty until resolved")
	}
	return verr.orNil()
}

// EmergencyNotification maps to the emergency_notifications table.
type EmergencyNotification struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	EmergencyID  uuid.UUID     `db:"emergency_id" json:"emergency_id"`
	HospitalID   uuid.UUID     `db:"hospital_id" json:"hospital_id"`
	DistanceKm   float64       `db:"distance_km" json:"distance_km"`
	NotifiedAt   time.Time     `db:"notified_at" json:"notified_at"`
	ViewedAt     *time.Time    `db:"viewed_at" json:"viewed_at,omitempty"`
	RespondedAt  *time.Time    `db:"responded_at" json:"responded_at,omitempty"`
	ResponseType *ResponseType `db:"response_type" json:"response_type,omitempty"`
}

// InboxItem is a pending emergency as seen by one notified hospital.
type InboxItem struct {
	Notification *EmergencyNotification `json:"notification"`
	Emergency    *Emergency             `json:"emergency"`
}

// Candidate is a hospital selected to receive an emergency.
type Candidate struct {
	HospitalID uuid.UUID `json:"hospital_id"`
	Name       string    `json:"name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	DistanceKm float64   `json:"distance_km"`
}

// Assignment is what the winning acknowledgment writes onto an emergency.
type Assignment struct {
	HospitalID uuid.UUID
	Name       string
	Latitude   float64
	Longitude  float64
	At         time.Time
}

type ListFilter struct {
	Status     *Status
	HospitalID *uuid.UUID
}

type CreateEmergencyInput struct {
	Phone              string     `json:"phone"`
	Latitude           *float64   `json:"latitude"`
	Longitude          *float64   `json:"longitude"`
	Name               *string    `json:"name,omitempty"`
	EmergencyLevel     string     `json:"emergency_level,omitempty"`
	SelectedHospitalID *uuid.UUID `json:"selected_hospital_id,omitempty"`
	RadiusKm           *float64   `json:"radius_km,omitempty"`
}

// StatusUpdate carries the fields the assigned hospital may change. Nil
// fields are left untouched.
type StatusUpdate struct {
	Status                  *Status `json:"status,omitempty"`
	AssignedAmbulanceNumber *string `json:"assigned_ambulance_number,omitempty"`
	DriverName              *string `json:"driver_name,omitempty"`
	DriverPhone             *string `json:"driver_phone,omitempty"`
	AdminNotes              *string `json:"admin_notes,omitempty"`
}

// NewEmergency validates in and builds a pending record. Every offending
// field is reported at once.
func NewEmergency(in CreateEmergencyInput, now time.Time) (*Emergency, error) {
	verr := &ValidationError{}

	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		verr.add("phone", "is required")
	}
	switch {
	case in.Latitude == nil:
		verr.add("latitude", "is required")
	case !geo.ValidLatitude(*in.Latitude):
		verr.add("latitude", "must be between -90 and 90")
	}
	switch {
	case in.Longitude == nil:
		verr.add("longitude", "is required")
	case !geo.ValidLongitude(*in.Longitude):
		verr.add("longitude", "must be between -180 and 180")
	}
	if in.RadiusKm != nil && !validRadius(*in.RadiusKm) {
		verr.add("radius_km", "must be a finite non-negative number")
	}
	level := strings.ToLower(strings.TrimSpace(in.EmergencyLevel))
	if level == "" {
		level = LevelCritical
	} else if !validLevels[level] {
		verr.add("emergency_level", "must be one of critical, high, medium, low")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	e := &Emergency{
		ID:             uuid.New(),
		PhoneNumber:    phone,
		Name:           trimmed(in.Name),
		Latitude:       *in.Latitude,
		Longitude:      *in.Longitude,
		EmergencyLevel: level,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return e, nil
}

func validRadius(r float64) bool {
	// NaN fails every comparison.
	return r >= 0 && !math.IsInf(r, 1)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
