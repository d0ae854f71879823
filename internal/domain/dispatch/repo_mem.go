package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct{ emergency, hospital uuid.UUID }

// MemStore keeps emergencies and notifications in process memory. A single
// mutex serialises writers, so ClaimPending's status check and write are
// one atomic step.
type MemStore struct {
	mu            sync.RWMutex
	emergencies   map[uuid.UUID]*Emergency
	notifications map[uuid.UUID]*EmergencyNotification
	pairs         map[pairKey]uuid.UUID
}

func NewMemStore() *MemStore {
	return &MemStore{
		emergencies:   make(map[uuid.UUID]*Emergency),
		notifications: make(map[uuid.UUID]*EmergencyNotification),
		pairs:         make(map[pairKey]uuid.UUID),
	}
}

// Emergencies returns the store's EmergencyRepository view.
func (m *MemStore) Emergencies() EmergencyRepository { return memEmergencies{m} }

// Notifications returns the store's NotificationRepository view.
func (m *MemStore) Notifications() NotificationRepository { return memNotifications{m} }

// Ping satisfies db.Pinger for the health endpoint.
func (m *MemStore) Ping(context.Context) error { return nil }

func cloneEmergency(e *Emergency) *Emergency {
	cp := *e
	return &cp
}

func cloneNotification(n *EmergencyNotification) *EmergencyNotification {
	cp := *n
	return &cp
}

type memEmergencies struct{ *MemStore }

func (m memEmergencies) Create(_ context.Context, e *Emergency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.emergencies[e.ID] = cloneEmergency(e)
	return nil
}

func (m memEmergencies) GetByID(_ context.Context, id uuid.UUID) (*Emergency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.emergencies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEmergency(e), nil
}

func (m memEmergencies) List(_ context.Context, f ListFilter, limit, offset int) ([]*Emergency, int, error) {
	m.mu.RLock()
	var all []*Emergency
	for _, e := range m.emergencies {
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.HospitalID != nil && (e.AssignedHospitalID == nil || *e.AssignedHospitalID != *f.HospitalID) {
			continue
		}
		all = append(all, cloneEmergency(e))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
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

func (m memEmergencies) ClaimPending(_ context.Context, id uuid.UUID, a Assignment) (*Emergency, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emergencies[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if e.Status != StatusPending {
		return nil, false, nil
	}
	hid, name, lat, lng, at := a.HospitalID, a.Name, a.Latitude, a.Longitude, a.At
	e.Status = StatusAcknowledged
	e.AssignedHospitalID = &hid
	e.AssignedHospitalName = &name
	e.AssignedHospitalLat = &lat
	e.AssignedHospitalLng = &lng
	e.AcknowledgedAt = &at
	e.UpdatedAt = at
	return cloneEmergency(e), true, nil
}

func (m memEmergencies) Update(_ context.Context, e *Emergency, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.emergencies[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStatusChanged
	}
	cur.Status = e.Status
	cur.AssignedAmbulanceNumber = e.AssignedAmbulanceNumber
	cur.DriverName = e.DriverName
	cur.DriverPhone = e.DriverPhone
	cur.AdminNotes = e.AdminNotes
	if cur.ResolvedAt == nil {
		cur.ResolvedAt = e.ResolvedAt
	}
	cur.UpdatedAt = e.UpdatedAt
	*e = *cloneEmergency(cur)
	return nil
}

func (m memEmergencies) SetAdminNotes(_ context.Context, id uuid.UUID, notes *string, at time.Time) (*Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.emergencies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cur.AdminNotes = notes
	cur.UpdatedAt = at
	return cloneEmergency(cur), nil
}

type memNotifications struct{ *MemStore }

func (m memNotifications) Create(_ context.Context, n *EmergencyNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{n.EmergencyID, n.HospitalID}
	if _, dup := m.pairs[key]; dup {
		return false, nil
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	m.notifications[n.ID] = cloneNotification(n)
	m.pairs[key] = n.ID
	return true, nil
}

func (m memNotifications) ListByEmergency(_ context.Context, emergencyID uuid.UUID) ([]*EmergencyNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*EmergencyNotification
	for _, n := range m.notifications {
		if n.EmergencyID == emergencyID {
			items = append(items, cloneNotification(n))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DistanceKm != items[j].DistanceKm {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].HospitalID.String() < items[j].HospitalID.String()
	})
	return items, nil
}

func (m memNotifications) ListPendingForHospital(_ context.Context, hospitalID uuid.UUID) ([]*InboxItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*InboxItem
	for _, n := range m.notifications {
		if n.HospitalID != hospitalID {
			continue
		}
		e, ok := m.emergencies[n.EmergencyID]
		if !ok || e.Status != StatusPending {
			continue
		}
		items = append(items, &InboxItem{Notification: cloneNotification(n), Emergency: cloneEmergency(e)})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Emergency.CreatedAt.After(items[j].Emergency.CreatedAt)
	})
	return items, nil
}

func (m memNotifications) MarkApproved(_ context.Context, emergencyID, hospitalID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pairs[pairKey{emergencyID, hospitalID}]
	if !ok {
		return false, nil
	}
	n := m.notifications[id]
	rt := ResponseApproved
	n.ResponseType = &rt
	n.RespondedAt = &at
	return true, nil
}

func (m memNotifications) MarkTimedOut(_ context.Context, emergencyID, exceptHospitalID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.notifications {
		if n.EmergencyID != emergencyID || n.HospitalID == exceptHospitalID {
			continue
		}
		rt := ResponseTimeout
		n.ResponseType = &rt
		count++
	}
	return count, nil
}

func (m memNotifications) MarkViewed(_ context.Context, id, hospitalID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.HospitalID != hospitalID {
		return ErrNotFound
	}
	if n.ViewedAt == nil {
		n.ViewedAt = &at
	}
	return nil
}
