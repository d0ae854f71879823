package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("emergency already acknowledged")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusChanged is returned by guarded writes when another writer
	// moved the emergency first.
	ErrStatusChanged = errors.New("status changed concurrently")
	// ErrStore marks failures of the backing store. They are retryable and
	// never mean that a race was lost.
	ErrStore = errors.New("storage unavailable")
)

// ValidationError lists every rejected input field.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + " " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is returned when an emergency is no longer pending at
// acknowledgment time. AssignedHospitalName names the winner.
type ConflictError struct {
	Status               Status
	AssignedHospitalName string
}

func (e *ConflictError) Error() string {
	if e.AssignedHospitalName == "" {
		return fmt.Sprintf("emergency is %s", e.Status)
	}
	return fmt.Sprintf("emergency already acknowledged by %s", e.AssignedHospitalName)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func conflictFrom(e *Emergency) *ConflictError {
	ce := &ConflictError{Status: e.Status}
	if e.AssignedHospitalName != nil {
		ce.AssignedHospitalName = *e.AssignedHospitalName
	}
	return ce
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}
