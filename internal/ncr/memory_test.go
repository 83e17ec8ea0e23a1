package ncr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// memoryRepo keeps NCRs in maps and applies a transaction's writes on commit.
type memoryRepo struct {
	mu        sync.Mutex
	ncrs      map[int64]NCR
	sequences map[string]int
	nextID    int64
	failNext  error
}

type memoryTx struct {
	ncrs      map[int64]NCR
	sequences map[string]int
	nextID    int64
	failNext  error
}

var locationCodes = map[int64]string{1: "JKT", 2: "SBY"}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{ncrs: make(map[int64]NCR), sequences: make(map[string]int)}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{
		ncrs:      make(map[int64]NCR, len(m.ncrs)),
		sequences: make(map[string]int, len(m.sequences)),
		nextID:    m.nextID,
		failNext:  m.failNext,
	}
	for k, v := range m.ncrs {
		tx.ncrs[k] = v
	}
	for k, v := range m.sequences {
		tx.sequences[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.ncrs, m.sequences, m.nextID = tx.ncrs, tx.sequences, tx.nextID
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.ncrs[id]
	if !ok {
		return NCR{}, fmt.Errorf("%w: ncr", shared.ErrNotFound)
	}
	return n, nil
}

func (m *memoryRepo) ListByDelivery(_ context.Context, deliveryID int64) ([]NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NCR
	for id := int64(1); id <= m.nextID; id++ {
		n, ok := m.ncrs[id]
		if ok && n.DeliveryID != nil && *n.DeliveryID == deliveryID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memoryRepo) all() []NCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NCR, 0, len(m.ncrs))
	for id := int64(1); id <= m.nextID; id++ {
		if n, ok := m.ncrs[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (t *memoryTx) NextSequence(_ context.Context, prefix string, locationID int64, day time.Time) (string, int, error) {
	code, ok := locationCodes[locationID]
	if !ok {
		return "", 0, fmt.Errorf("%w: location %d", shared.ErrNotFound, locationID)
	}
	key := prefix + "|" + code + "|" + day.Format(time.DateOnly)
	t.sequences[key]++
	return code, t.sequences[key], nil
}

func (t *memoryTx) Insert(_ context.Context, n NCR) (int64, error) {
	if t.failNext != nil {
		return 0, t.failNext
	}
	t.nextID++
	n.ID = t.nextID
	t.ncrs[n.ID] = n
	return n.ID, nil
}

func (t *memoryTx) Lock(_ context.Context, id int64) (NCR, error) {
	n, ok := t.ncrs[id]
	if !ok {
		return NCR{}, fmt.Errorf("%w: ncr", shared.ErrNotFound)
	}
	return n, nil
}

func (t *memoryTx) Update(_ context.Context, n NCR) error {
	if _, ok := t.ncrs[n.ID]; !ok {
		return fmt.Errorf("%w: ncr", shared.ErrNotFound)
	}
	t.ncrs[n.ID] = n
	return nil
}

func (t *memoryTx) ExistsForDeliveryLine(_ context.Context, deliveryLineID int64) (bool, error) {
	for _, n := range t.ncrs {
		if n.Type == TypePriceVariance && n.DeliveryLineID != nil && *n.DeliveryLineID == deliveryLineID {
			return true, nil
		}
	}
	return false, nil
}
