package hospital

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	SourceManual = "manual"
	SourceOSM    = "osm"
)

var (
	ErrNotFound = errors.New("hospital not found")
	ErrInvalid  = errors.New("invalid hospital")
)

// Hospital maps to the hospitals table.
type Hospital struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Latitude   float64   `db:"latitude" json:"latitude"`
	Longitude  float64   `db:"longitude" json:"longitude"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	Phone      *string   `db:"phone" json:"phone,omitempty"`
	Address    *string   `db:"address" json:"address,omitempty"`
	Source     string    `db:"source" json:"source"`
	ExternalID *string   `db:"external_id" json:"external_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
