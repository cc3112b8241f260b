package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps orders and batches in process memory. It backs the
// "memory" storage driver for local runs and is the fake used by tests.
type MemoryStore struct {
	mu            sync.Mutex
	nextBatchID   int64
	nextOrderID   int64
	nextConfigID  int64
	batches       map[int64]*Batch
	batchesByKey  map[string]int64
	orders        map[int64]*Order
	brokerConfigs map[string]*BrokerConfig
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:       make(map[int64]*Batch),
		batchesByKey:  make(map[string]int64),
		orders:        make(map[int64]*Order),
		brokerConfigs: make(map[string]*BrokerConfig),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateBatch(_ context.Context, batch Batch) (*Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.IdempotencyKey != nil {
		if id, ok := m.batchesByKey[*batch.IdempotencyKey]; ok {
			return cloneBatch(m.batches[id]), false, nil
		}
	}

	m.nextBatchID++
	now := m.now()
	stored := cloneBatch(&batch)
	stored.ID = m.nextBatchID
	if stored.Status == "" {
		stored.Status = BatchStatusPending
	}
	if len(stored.OrdersJSON) == 0 {
		stored.OrdersJSON = json.RawMessage("[]")
	}
	stored.Response = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.batches[stored.ID] = stored
	if stored.IdempotencyKey != nil {
		m.batchesByKey[*stored.IdempotencyKey] = stored.ID
	}
	return cloneBatch(stored), true, nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id int64) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(batch), nil
}

func (m *MemoryStore) GetBatchByIdempotencyKey(_ context.Context, key string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.batchesByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(m.batches[id]), nil
}

func (m *MemoryStore) UpdateBatchStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Status = status
	batch.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SaveBatchResponse(_ context.Context, id int64, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Response = append([]byte(nil), response...)
	batch.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) RefreshBatchStatus(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return "", ErrNotFound
	}
	next := NextBatchStatus(batch.Status, m.ordersByBatchLocked(id))
	if next != batch.Status {
		batch.Status = next
		batch.UpdatedAt = m.now()
	}
	return next, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order Order) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ExtOrderID != nil {
		for _, existing := range m.orders {
			if existing.Broker == order.Broker && existing.ExtOrderID != nil && *existing.ExtOrderID == *order.ExtOrderID {
				return nil, ErrDuplicate
			}
		}
	}

	m.nextOrderID++
	now := m.now()
	stored := order.Clone()
	stored.ID = m.nextOrderID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.orders[stored.ID] = &stored

	out := stored.Clone()
	return &out, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (m *MemoryStore) GetOrderByExtID(_ context.Context, broker, extOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.Broker == broker && order.ExtOrderID != nil && *order.ExtOrderID == extOrderID {
			out := order.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListOrdersByBatch(_ context.Context, batchID int64) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ordersByBatchLocked(batchID), nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, id int64, mutate func(*Order) error) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := order.Clone()
	if err := mutate(&working); err != nil {
		return nil, err
	}
	working.ID = order.ID
	working.CreatedAt = order.CreatedAt
	working.UpdatedAt = m.now()
	m.orders[id] = &working

	out := working.Clone()
	return &out, nil
}

func (m *MemoryStore) ListBrokerConfigs(_ context.Context, activeOnly bool) ([]BrokerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := make([]BrokerConfig, 0, len(m.brokerConfigs))
	for _, cfg := range m.brokerConfigs {
		if activeOnly && !cfg.Active {
			continue
		}
		configs = append(configs, cloneBrokerConfig(cfg))
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

func (m *MemoryStore) UpsertBrokerConfig(_ context.Context, cfg BrokerConfig) (*BrokerConfig, error) {
	name := strings.TrimSpace(cfg.BrokerName)
	if name == "" {
		return nil, fmt.Errorf("broker name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.brokerConfigs[name]
	if !ok {
		m.nextConfigID++
		existing = &BrokerConfig{ID: m.nextConfigID, BrokerName: name, CreatedAt: now}
		m.brokerConfigs[name] = existing
	}
	existing.Config = nonNilConfig(cfg.Config)
	existing.Active = cfg.Active
	existing.UpdatedAt = now

	out := cloneBrokerConfig(existing)
	return &out, nil
}

func (m *MemoryStore) ordersByBatchLocked(batchID int64) []Order {
	orders := make([]Order, 0)
	for _, order := range m.orders {
		if order.BatchID != nil && *order.BatchID == batchID {
			orders = append(orders, order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func cloneBatch(b *Batch) *Batch {
	out := *b
	out.OrdersJSON = append(json.RawMessage(nil), b.OrdersJSON...)
	if b.Response != nil {
		out.Response = append([]byte(nil), b.Response...)
	}
	if b.IdempotencyKey != nil {
		k := *b.IdempotencyKey
		out.IdempotencyKey = &k
	}
	return &out
}

func cloneBrokerConfig(cfg *BrokerConfig) BrokerConfig {
	out := *cfg
	out.Config = make(map[string]any, len(cfg.Config))
	for k, v := range cfg.Config {
		out.Config[k] = v
	}
	return out
}
