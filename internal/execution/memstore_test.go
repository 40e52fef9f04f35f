package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/equityfunk/internal/db"
)

// memStore keeps orders in memory and applies the same transition rules as
// the Postgres store
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[int64]*db.Order
	updates int

	insertErr error
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, orders: make(map[int64]*db.Order)}
}

func (m *memStore) InsertOrder(ctx context.Context, o *db.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return m.insertErr
	}
	now := time.Now().UTC()
	o.ID = m.nextID
	m.nextID++
	o.Status = db.OrderStatusPending
	o.RemainingQuantity = o.Quantity
	o.StatusMessage = "created"
	o.CreatedAt = now
	o.UpdatedAt = now
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

// put stores an order as-is, for seeding
func (m *memStore) put(o db.Order) *db.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == 0 {
		o.ID = m.nextID
	}
	if o.ID >= m.nextID {
		m.nextID = o.ID + 1
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.RemainingQuantity == 0 {
		o.RemainingQuantity = o.Quantity - o.FilledQuantity
	}
	m.orders[o.ID] = &o
	cp := o
	return &cp
}

func (m *memStore) GetOrder(ctx context.Context, id int64) (*db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, db.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) ListReconcilableOrders(ctx context.Context) ([]*db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*db.Order
	for _, o := range m.orders {
		if (o.Status == db.OrderStatusPending || o.Status == db.OrderStatusSubmitted) && o.BrokerOrderID != nil {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListBrokerOrderIDs(ctx context.Context) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[int64]int64)
	for _, o := range m.orders {
		if o.BrokerOrderID != nil {
			ids[*o.BrokerOrderID] = o.ID
		}
	}
	return ids, nil
}

func (m *memStore) MarkOrderSubmitted(ctx context.Context, id, brokerOrderID int64, permID *int64) (*db.Order, error) {
	o, _, err := m.mutate(id, func(o *db.Order, now time.Time) (bool, error) {
		return true, o.MarkSubmitted(brokerOrderID, permID, now)
	})
	return o, err
}

func (m *memStore) MarkOrderError(ctx context.Context, id int64, msg string) (*db.Order, error) {
	o, _, err := m.mutate(id, func(o *db.Order, now time.Time) (bool, error) {
		return true, o.MarkError(msg, now)
	})
	return o, err
}

func (m *memStore) MarkOrderCancelled(ctx context.Context, id int64, msg string) (*db.Order, error) {
	o, _, err := m.mutate(id, func(o *db.Order, now time.Time) (bool, error) {
		return true, o.MarkCancelled(msg, now)
	})
	return o, err
}

func (m *memStore) ApplyOrderFill(ctx context.Context, id int64, fill db.Fill) (*db.Order, bool, error) {
	return m.mutate(id, func(o *db.Order, now time.Time) (bool, error) {
		return o.ApplyFill(fill, now), nil
	})
}

func (m *memStore) mutate(id int64, fn func(o *db.Order, now time.Time) (bool, error)) (*db.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[id]
	if !ok {
		return nil, false, fmt.Errorf("order %d: %w", id, db.ErrNotFound)
	}
	work := *stored
	changed, err := fn(&work, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.orders[id] = &work
		m.updates++
	}
	cp := work
	return &cp, changed, nil
}

func (m *memStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// recordingEvents captures published order events
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) PublishOrder(ctx context.Context, event string, order *db.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%d:%s", order.ID, event))
}

func (r *recordingEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
