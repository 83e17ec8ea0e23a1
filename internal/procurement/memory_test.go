package procurement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// memoryRepo serialises transactions and applies a transaction's writes
// only when it commits.
type memoryRepo struct {
	mu          sync.Mutex
	state       *memoryState
	failReceive error
	txCount     int
}

type memoryState struct {
	prfs       map[int64]PRF
	pos        map[int64]PO
	deliveries map[int64]Delivery
	sequences  map[string]int
	locations  map[int64]string
	balances   map[[2]int64]inventory.Balance
	movements  []inventory.Movement
	nextID     int64
}

type memoryTx struct {
	repo *memoryRepo
	st   *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		prfs:       make(map[int64]PRF),
		pos:        make(map[int64]PO),
		deliveries: make(map[int64]Delivery),
		sequences:  make(map[string]int),
		locations:  map[int64]string{1: "JKT", 2: "SBY"},
		balances:   make(map[[2]int64]inventory.Balance),
	}}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		prfs:       make(map[int64]PRF, len(s.prfs)),
		pos:        make(map[int64]PO, len(s.pos)),
		deliveries: make(map[int64]Delivery, len(s.deliveries)),
		sequences:  make(map[string]int, len(s.sequences)),
		locations:  s.locations,
		balances:   make(map[[2]int64]inventory.Balance, len(s.balances)),
		movements:  append([]inventory.Movement(nil), s.movements...),
		nextID:     s.nextID,
	}
	for k, v := range s.prfs {
		v.Lines = append([]PRFLine(nil), v.Lines...)
		c.prfs[k] = v
	}
	for k, v := range s.pos {
		v.Lines = append([]POLine(nil), v.Lines...)
		c.pos[k] = v
	}
	for k, v := range s.deliveries {
		v.Lines = append([]DeliveryLine(nil), v.Lines...)
		c.deliveries[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	tx := &memoryTx{repo: r, st: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.st
	return nil
}

func (r *memoryRepo) snapshot() *memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memoryRepo) GetPRF(ctx context.Context, id int64) (PRF, error) {
	return r.snapshot().prf(id)
}

func (r *memoryRepo) GetPO(ctx context.Context, id int64) (PO, error) {
	return r.snapshot().po(id)
}

func (r *memoryRepo) ListOpenPOs(ctx context.Context, locationID int64) ([]PO, error) {
	st := r.snapshot()
	var out []PO
	for id := int64(1); id <= st.nextID; id++ {
		po, ok := st.pos[id]
		if ok && po.LocationID == locationID && po.Status == POStatusOpen {
			out = append(out, po)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return r.snapshot().delivery(id)
}

func (r *memoryRepo) ListPendingDeliveries(ctx context.Context, updatedBefore time.Time) ([]Delivery, error) {
	st := r.snapshot()
	var out []Delivery
	for id := int64(1); id <= st.nextID; id++ {
		d, ok := st.deliveries[id]
		if ok && d.PendingApproval && d.Status == DeliveryStatusDraft && !d.OverDeliveryRejected && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memoryState) prf(id int64) (PRF, error) {
	p, ok := s.prfs[id]
	if !ok {
		return PRF{}, fmt.Errorf("%w: requisition", shared.ErrNotFound)
	}
	return p, nil
}

func (s *memoryState) po(id int64) (PO, error) {
	p, ok := s.pos[id]
	if !ok {
		return PO{}, fmt.Errorf("%w: purchase order", shared.ErrNotFound)
	}
	return p, nil
}

func (s *memoryState) delivery(id int64) (Delivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: delivery", shared.ErrNotFound)
	}
	return d, nil
}

func (t *memoryTx) NextSequence(ctx context.Context, prefix string, locationID int64, day time.Time) (string, int, error) {
	code, ok := t.st.locations[locationID]
	if !ok {
		return "", 0, fmt.Errorf("%w: location %d", shared.ErrNotFound, locationID)
	}
	key := prefix + "|" + code + "|" + day.Format("2006-01-02")
	t.st.sequences[key]++
	return code, t.st.sequences[key], nil
}

func (t *memoryTx) IncrementDelivered(ctx context.Context, poLineID int64, qty decimal.Decimal) (decimal.Decimal, error) {
	for id, po := range t.st.pos {
		for i, l := range po.Lines {
			if l.ID == poLineID {
				po.Lines[i].DeliveredQty = l.DeliveredQty.Add(qty)
				t.st.pos[id] = po
				return po.Lines[i].DeliveredQty, nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("%w: po line %d", shared.ErrLineNotFound, poLineID)
}

func (t *memoryTx) InsertPRF(ctx context.Context, prf PRF) (int64, error) {
	prf.ID = t.st.id()
	prf.Lines = nil
	t.st.prfs[prf.ID] = prf
	return prf.ID, nil
}

func (t *memoryTx) ReplacePRFLines(ctx context.Context, prfID int64, lines []PRFLine) ([]PRFLine, error) {
	prf, err := t.st.prf(prfID)
	if err != nil {
		return nil, err
	}
	out := make([]PRFLine, 0, len(lines))
	for _, l := range lines {
		l.ID = t.st.id()
		l.PRFID = prfID
		out = append(out, l)
	}
	prf.Lines = out
	t.st.prfs[prfID] = prf
	return append([]PRFLine(nil), out...), nil
}

func (t *memoryTx) LockPRF(ctx context.Context, id int64) (PRF, error) {
	return t.st.prf(id)
}

func (t *memoryTx) UpdatePRF(ctx context.Context, prf PRF) error {
	cur, err := t.st.prf(prf.ID)
	if err != nil {
		return err
	}
	prf.Lines = cur.Lines
	t.st.prfs[prf.ID] = prf
	return nil
}

func (t *memoryTx) DeletePRF(ctx context.Context, id int64) error {
	delete(t.st.prfs, id)
	return nil
}

func (t *memoryTx) PRFHasPO(ctx context.Context, prfID int64) (bool, error) {
	for _, po := range t.st.pos {
		if po.PRFID != nil && *po.PRFID == prfID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertPO(ctx context.Context, po PO) (int64, error) {
	if po.PRFID != nil {
		if exists, _ := t.PRFHasPO(ctx, *po.PRFID); exists {
			return 0, fmt.Errorf("%w: duplicate po for requisition", shared.ErrInvalidStateTransition)
		}
	}
	po.ID = t.st.id()
	po.Lines = nil
	t.st.pos[po.ID] = po
	return po.ID, nil
}

func (t *memoryTx) InsertPOLines(ctx context.Context, poID int64, lines []POLine) ([]POLine, error) {
	po, err := t.st.po(poID)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		l.ID = t.st.id()
		l.POID = poID
		po.Lines = append(po.Lines, l)
	}
	t.st.pos[poID] = po
	return append([]POLine(nil), po.Lines...), nil
}

func (t *memoryTx) LockPO(ctx context.Context, id int64) (PO, error) {
	po, err := t.st.po(id)
	po.Lines = append([]POLine(nil), po.Lines...)
	return po, err
}

func (t *memoryTx) UpdatePO(ctx context.Context, po PO) error {
	cur, err := t.st.po(po.ID)
	if err != nil {
		return err
	}
	po.Lines = cur.Lines
	t.st.pos[po.ID] = po
	return nil
}

func (t *memoryTx) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	d.ID = t.st.id()
	d.Lines = nil
	t.st.deliveries[d.ID] = d
	return d.ID, nil
}

func (t *memoryTx) ReplaceDeliveryLines(ctx context.Context, deliveryID int64, lines []DeliveryLine) ([]DeliveryLine, error) {
	d, err := t.st.delivery(deliveryID)
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryLine, 0, len(lines))
	for _, l := range lines {
		l.ID = t.st.id()
		l.DeliveryID = deliveryID
		out = append(out, l)
	}
	d.Lines = out
	t.st.deliveries[deliveryID] = d
	return append([]DeliveryLine(nil), out...), nil
}

func (t *memoryTx) LockDelivery(ctx context.Context, id int64) (Delivery, error) {
	d, err := t.st.delivery(id)
	d.Lines = append([]DeliveryLine(nil), d.Lines...)
	return d, err
}

func (t *memoryTx) UpdateDelivery(ctx context.Context, d Delivery) error {
	cur, err := t.st.delivery(d.ID)
	if err != nil {
		return err
	}
	d.Lines = cur.Lines
	t.st.deliveries[d.ID] = d
	return nil
}

func (t *memoryTx) UpdateDeliveryLine(ctx context.Context, line DeliveryLine) error {
	for id, d := range t.st.deliveries {
		for i, l := range d.Lines {
			if l.ID == line.ID {
				d.Lines[i].PeriodPrice = line.PeriodPrice
				d.Lines[i].PriceVariance = line.PriceVariance
				d.Lines[i].OverDeliveryApproved = line.OverDeliveryApproved
				t.st.deliveries[id] = d
				return nil
			}
		}
	}
	return fmt.Errorf("%w: delivery line %d", shared.ErrLineNotFound, line.ID)
}

func (t *memoryTx) DeleteDelivery(ctx context.Context, id int64) error {
	delete(t.st.deliveries, id)
	return nil
}

func (t *memoryTx) ReceiveStock(ctx context.Context, receipt inventory.Receipt, at time.Time) (inventory.Movement, error) {
	if t.repo.failReceive != nil {
		return inventory.Movement{}, t.repo.failReceive
	}
	return inventory.Receive(ctx, memoryStock{st: t.st}, receipt, at)
}

type memoryStock struct {
	st *memoryState
}

func (m memoryStock) GetBalanceForUpdate(ctx context.Context, locationID, itemID int64) (inventory.Balance, error) {
	b, ok := m.st.balances[[2]int64{locationID, itemID}]
	if !ok {
		return inventory.Balance{LocationID: locationID, ItemID: itemID}, inventory.ErrBalanceNotFound
	}
	return b, nil
}

func (m memoryStock) UpsertBalance(ctx context.Context, b inventory.Balance) error {
	m.st.balances[[2]int64{b.LocationID, b.ItemID}] = b
	return nil
}

func (m memoryStock) InsertMovement(ctx context.Context, mv inventory.Movement) (int64, error) {
	mv.ID = m.st.id()
	m.st.movements = append(m.st.movements, mv)
	return mv.ID, nil
}
