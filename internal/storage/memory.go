package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryStore keeps rides and drivers in process. Transactions take real
// per-row locks (one buffered channel per row) so concurrent accepts contend
// the same way they would on row-level locks in Postgres. Writes are buffered
// in the transaction and applied on commit while the locks are still held.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	drivers map[string]models.Driver

	lockMu      sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

// NewMemoryStore returns an empty store. lockTimeout bounds each row-lock wait;
// zero means wait until the context is done.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]models.Ride),
		drivers:     make(map[string]models.Driver),
		locks:       make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = cloneRide(*r)
	return nil
}

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.drivers {
		if existing.UserID == d.UserID {
			return ErrConflict
		}
	}
	m.drivers[d.ID] = cloneDriver(*d)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) ListRidesByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.UserID == userID {
			out = append(out, cloneRide(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	m.mu.RLock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if len(statuses) == 0 || containsDriverStatus(statuses, d.Status) {
			out = append(out, cloneDriver(d))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateDriverLocation takes the driver row lock so it cannot interleave with
// a transaction that has already read the row.
func (m *MemoryStore) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error {
	key := driverKey(driverID)
	if err := m.acquire(ctx, key); err != nil {
		return err
	}
	defer m.release(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.Location = &models.Coord{Lat: loc.Lat, Lon: loc.Lon}
	d.UpdatedAt = time.Now().UTC()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.Stats
	for _, d := range m.drivers {
		if d.Status == models.DriverAvailable {
			s.AvailableDrivers++
		}
	}
	for _, r := range m.rides {
		switch {
		case r.Status == models.RideRequested:
			s.PendingRides++
		case r.Active():
			s.ActiveRides++
		case r.Status == models.RideCompleted:
			s.CompletedRides++
		}
	}
	return s, nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:   m,
		held:    make(map[string]bool),
		rides:   make(map[string]models.Ride),
		drivers: make(map[string]models.Driver),
	}
	defer tx.releaseAll()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) rowLock(key string) chan struct{} {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	return ch
}

func (m *MemoryStore) acquire(ctx context.Context, key string) error {
	ch := m.rowLock(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	waitCtx := ctx
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
}

func (m *MemoryStore) release(key string) {
	<-m.rowLock(key)
}

type memTx struct {
	store   *MemoryStore
	held    map[string]bool
	rides   map[string]models.Ride
	drivers map[string]models.Driver
}

func (t *memTx) lock(ctx context.Context, key string) (fresh bool, err error) {
	if t.held[key] {
		return false, nil
	}
	if err := t.store.acquire(ctx, key); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, ErrLockTimeout
		}
		return false, err
	}
	t.held[key] = true
	return true, nil
}

func (t *memTx) unlock(key string) {
	if t.held[key] {
		delete(t.held, key)
		t.store.release(key)
	}
}

func (t *memTx) LockRide(ctx context.Context, id string, statuses ...models.RideStatus) (models.Ride, error) {
	key := rideKey(id)
	fresh, err := t.lock(ctx, key)
	if err != nil {
		return models.Ride{}, err
	}
	r, ok := t.ride(id)
	if !ok || (len(statuses) > 0 && !containsRideStatus(statuses, r.Status)) {
		if fresh {
			t.unlock(key)
		}
		return models.Ride{}, ErrNotFound
	}
	return cloneRide(r), nil
}

func (t *memTx) LockDriver(ctx context.Context, id string, statuses ...models.DriverStatus) (models.Driver, error) {
	key := driverKey(id)
	fresh, err := t.lock(ctx, key)
	if err != nil {
		return models.Driver{}, err
	}
	d, ok := t.driver(id)
	if !ok || (len(statuses) > 0 && !containsDriverStatus(statuses, d.Status)) {
		if fresh {
			t.unlock(key)
		}
		return models.Driver{}, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (t *memTx) CountRides(ctx context.Context, driverID string, statuses ...models.RideStatus) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	n := 0
	for id, r := range t.store.rides {
		if pending, ok := t.rides[id]; ok {
			r = pending
		}
		if r.DriverID == driverID && containsRideStatus(statuses, r.Status) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SaveRide(ctx context.Context, r models.Ride) error {
	if _, ok := t.ride(r.ID); !ok {
		return ErrNotFound
	}
	t.rides[r.ID] = cloneRide(r)
	return nil
}

func (t *memTx) SaveDriver(ctx context.Context, d models.Driver) error {
	if _, ok := t.driver(d.ID); !ok {
		return ErrNotFound
	}
	t.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (t *memTx) ride(id string) (models.Ride, bool) {
	if r, ok := t.rides[id]; ok {
		return r, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.rides[id]
	return r, ok
}

func (t *memTx) driver(id string) (models.Driver, bool) {
	if d, ok := t.drivers[id]; ok {
		return d, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	d, ok := t.store.drivers[id]
	return d, ok
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, r := range t.rides {
		t.store.rides[id] = r
	}
	for id, d := range t.drivers {
		t.store.drivers[id] = d
	}
}

func (t *memTx) releaseAll() {
	for key := range t.held {
		t.store.release(key)
	}
	t.held = map[string]bool{}
}

func rideKey(id string) string   { return "ride:" + id }
func driverKey(id string) string { return "driver:" + id }

func containsRideStatus(set []models.RideStatus, s models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsDriverStatus(set []models.DriverStatus, s models.DriverStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneRide(r models.Ride) models.Ride {
	if r.EstimatedFare != nil {
		f := *r.EstimatedFare
		r.EstimatedFare = &f
	}
	return r
}

func cloneDriver(d models.Driver) models.Driver {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	return d
}
