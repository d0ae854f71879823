package hospital

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/resqnet/resqnet/pkg/geo"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateHospital(ctx context.Context, h *Hospital) error {
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !geo.ValidLatitude(h.Latitude) {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalid)
	}
	if !geo.ValidLongitude(h.Longitude) {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalid)
	}
	if h.Source == "" {
		h.Source = SourceManual
	}
	return s.repo.Create(ctx, h)
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// ListActive returns the active directory ordered by name, as offered to
// citizens choosing a hospital explicitly.
func (s *Service) ListActive(ctx context.Context) ([]*Hospital, error) {
	items, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}
