package hospital

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRepo struct {
	mu        sync.RWMutex
	hospitals map[uuid.UUID]*Hospital
}

// NewMemRepo returns a process-local Repository used when STORE=memory and
// by tests.
func NewMemRepo() Repository {
	return &memRepo{hospitals: make(map[uuid.UUID]*Hospital)}
}

func (r *memRepo) Create(_ context.Context, h *Hospital) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(h)
	return nil
}

func (r *memRepo) insertLocked(h *Hospital) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	cp := *h
	r.hospitals[h.ID] = &cp
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hospitals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (r *memRepo) ListActive(_ context.Context) ([]*Hospital, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []*Hospital
	for _, h := range r.hospitals {
		if h.IsActive {
			cp := *h
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (r *memRepo) List(_ context.Context, limit, offset int) ([]*Hospital, int, error) {
	r.mu.RLock()
	all := make([]*Hospital, 0, len(r.hospitals))
	for _, h := range r.hospitals {
		cp := *h
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hospitals[id]
	if !ok {
		return ErrNotFound
	}
	h.IsActive = active
	h.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRepo) UpsertByExternalID(_ context.Context, h *Hospital) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.ExternalID != nil {
		for _, existing := range r.hospitals {
			if existing.ExternalID != nil && *existing.ExternalID == *h.ExternalID {
				existing.Name = h.Name
				existing.Latitude = h.Latitude
				existing.Longitude = h.Longitude
				if h.Phone != nil {
					existing.Phone = h.Phone
				}
				if h.Address != nil {
					existing.Address = h.Address
				}
				existing.UpdatedAt = time.Now().UTC()
				*h = *existing
				return false, nil
			}
		}
	}
	r.insertLocked(h)
	return true, nil
}
