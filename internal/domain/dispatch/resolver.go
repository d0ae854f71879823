package dispatch

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/pkg/geo"
)

const DefaultRadiusKm = 10.0

type ResolveRequest struct {
	Latitude           float64
	Longitude          float64
	SelectedHospitalID *uuid.UUID
	// RadiusKm <= 0 falls back to the resolver default.
	RadiusKm float64
}

// Resolver picks the hospitals an emergency is sent to.
type Resolver struct {
	hospitals     HospitalDirectory
	defaultRadius float64
}

func NewResolver(hospitals HospitalDirectory, defaultRadiusKm float64) *Resolver {
	if !(defaultRadiusKm > 0) {
		defaultRadiusKm = DefaultRadiusKm
	}
	return &Resolver{hospitals: hospitals, defaultRadius: defaultRadiusKm}
}

// Resolve returns the candidate hospitals nearest first. An explicitly
// selected hospital is the only candidate, and an inactive or unknown
// selection yields none at all rather than a radius search.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) ([]Candidate, error) {
	if req.SelectedHospitalID != nil {
		h, err := r.hospitals.GetByID(ctx, *req.SelectedHospitalID)
		if errors.Is(err, hospital.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storeErr("resolve selected hospital", err)
		}
		if !h.IsActive {
			return nil, nil
		}
		return []Candidate{candidateFor(h, req.Latitude, req.Longitude)}, nil
	}

	radius := req.RadiusKm
	if !(radius > 0) {
		radius = r.defaultRadius
	}
	return r.within(ctx, req.Latitude, req.Longitude, radius, nil)
}

// Nearest returns up to limit active hospitals closest to the point,
// skipping those in exclude. It ignores any radius.
func (r *Resolver) Nearest(ctx context.Context, lat, lng float64, limit int, exclude map[uuid.UUID]bool) ([]Candidate, error) {
	all, err := r.within(ctx, lat, lng, -1, exclude)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// within lists active hospitals at most radiusKm away; a negative radius
// means no bound.
func (r *Resolver) within(ctx context.Context, lat, lng, radiusKm float64, exclude map[uuid.UUID]bool) ([]Candidate, error) {
	active, err := r.hospitals.ListActive(ctx)
	if err != nil {
		return nil, storeErr("list active hospitals", err)
	}

	var out []Candidate
	for _, h := range active {
		if !h.IsActive || exclude[h.ID] {
			continue
		}
		c := candidateFor(h, lat, lng)
		if radiusKm >= 0 && c.DistanceKm > radiusKm {
			continue
		}
		out = append(out, c)
	}
	sortCandidates(out)
	return out, nil
}

func candidateFor(h *hospital.Hospital, lat, lng float64) Candidate {
	return Candidate{
		HospitalID: h.ID,
		Name:       h.Name,
		Latitude:   h.Latitude,
		Longitude:  h.Longitude,
		DistanceKm: geo.Distance(lat, lng, h.Latitude, h.Longitude),
	}
}

// sortCandidates orders by distance; ties break on name then id so the
// order is deterministic.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		if cs[i].Name != cs[j].Name {
			return cs[i].Name < cs[j].Name
		}
		return cs[i].HospitalID.String() < cs[j].HospitalID.String()
	})
}
