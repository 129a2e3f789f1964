// Package labtest provides an in-memory lab.Store for tests. It honors the
// same per-order serialization contract as the Postgres repository, using a
// store-wide mutex instead of row locks.
package labtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinilab/go-lab-orders/internal/lab"
)

type MemStore struct {
	mu sync.Mutex

	tests  map[string]lab.Test
	panels map[string]lab.Panel

	orders    map[string]lab.Order
	items     map[string][]lab.OrderItem // by order id
	specimens map[string][]lab.Specimen  // by order id
	results   map[string][]lab.Result    // by order id
	events    map[string][]lab.SpecimenEvent

	accession int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		tests:     map[string]lab.Test{},
		panels:    map[string]lab.Panel{},
		orders:    map[string]lab.Order{},
		items:     map[string][]lab.OrderItem{},
		specimens: map[string][]lab.Specimen{},
		results:   map[string][]lab.Result{},
		events:    map[string][]lab.SpecimenEvent{},
	}
}

// SeedTest registers a catalog test.
func (m *MemStore) SeedTest(t lab.Test) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.ID] = t
}

// SeedPanel registers a catalog panel; member tests must be seeded too.
func (m *MemStore) SeedPanel(p lab.Panel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panels[p.ID] = p
}

// Events returns the audit trail recorded for a specimen.
func (m *MemStore) Events(specimenID string) []lab.SpecimenEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lab.SpecimenEvent, len(m.events[specimenID]))
	copy(out, m.events[specimenID])
	return out
}

func (m *MemStore) CreateOrder(_ context.Context, o *lab.Order, items []lab.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = *o
	m.items[o.ID] = append([]lab.OrderItem(nil), items...)
	return nil
}

func (m *MemStore) WithOrder(ctx context.Context, orderID string, fn func(tx lab.OrderTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return &lab.Error{Kind: lab.KindNotFound, Message: "order " + orderID + " not found"}
	}
	tx := &memTx{store: m, order: o, shadow: m.snapshot(orderID)}
	if err := fn(tx); err != nil {
		return err // shadow discarded, nothing applied
	}
	tx.shadow.apply(m, orderID)
	return nil
}

// snapshot/apply give the memTx transactional behavior: fn mutates a copy,
// and the copy only replaces the live maps on success.
type orderState struct {
	items     []lab.OrderItem
	specimens []lab.Specimen
	results   []lab.Result
	events    map[string][]lab.SpecimenEvent
	order     *lab.Order
}

func (m *MemStore) snapshot(orderID string) *orderState {
	st := &orderState{
		items:     append([]lab.OrderItem(nil), m.items[orderID]...),
		specimens: append([]lab.Specimen(nil), m.specimens[orderID]...),
		results:   append([]lab.Result(nil), m.results[orderID]...),
		events:    map[string][]lab.SpecimenEvent{},
	}
	return st
}

func (st *orderState) apply(m *MemStore, orderID string) {
	m.items[orderID] = st.items
	m.specimens[orderID] = st.specimens
	m.results[orderID] = st.results
	for spID, evs := range st.events {
		m.events[spID] = append(m.events[spID], evs...)
	}
	if st.order != nil {
		m.orders[orderID] = *st.order
	}
}

func (m *MemStore) OrderIDForItem(_ context.Context, itemID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, items := range m.items {
		for _, it := range items {
			if it.ID == itemID {
				return orderID, nil
			}
		}
	}
	return "", &lab.Error{Kind: lab.KindNotFound, Message: "order item " + itemID + " not found"}
}

func (m *MemStore) OrderIDForSpecimen(_ context.Context, specimenID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, sps := range m.specimens {
		for _, sp := range sps {
			if sp.ID == specimenID {
				return orderID, nil
			}
		}
	}
	return "", &lab.Error{Kind: lab.KindNotFound, Message: "specimen " + specimenID + " not found"}
}

func (m *MemStore) OrderIDForResult(_ context.Context, resultID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, results := range m.results {
		for _, res := range results {
			if res.ID == resultID {
				return orderID, nil
			}
		}
	}
	return "", &lab.Error{Kind: lab.KindNotFound, Message: "result " + resultID + " not found"}
}

func (m *MemStore) TestByID(_ context.Context, id string) (*lab.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tests[id]
	if !ok {
		return nil, &lab.Error{Kind: lab.KindNotFound, Message: "test " + id + " not found"}
	}
	return &t, nil
}

func (m *MemStore) PanelByID(_ context.Context, id string) (*lab.Panel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panels[id]
	if !ok {
		return nil, &lab.Error{Kind: lab.KindNotFound, Message: "panel " + id + " not found"}
	}
	return &p, nil
}

type memTx struct {
	store  *MemStore
	order  lab.Order
	shadow *orderState
}

func (t *memTx) Order() *lab.Order { return &t.order }

func (t *memTx) Items(_ context.Context) ([]lab.OrderItem, error) {
	return append([]lab.OrderItem(nil), t.shadow.items...), nil
}

func (t *memTx) Specimens(_ context.Context) ([]lab.Specimen, error) {
	return append([]lab.Specimen(nil), t.shadow.specimens...), nil
}

func (t *memTx) Results(_ context.Context) ([]lab.Result, error) {
	return append([]lab.Result(nil), t.shadow.results...), nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *lab.Order) error {
	cp := *o
	t.shadow.order = &cp
	t.order = cp
	return nil
}

func (t *memTx) InsertItem(_ context.Context, it *lab.OrderItem) error {
	t.shadow.items = append(t.shadow.items, *it)
	return nil
}

func (t *memTx) UpdateItem(_ context.Context, it *lab.OrderItem) error {
	for i := range t.shadow.items {
		if t.shadow.items[i].ID == it.ID {
			t.shadow.items[i] = *it
			return nil
		}
	}
	return &lab.Error{Kind: lab.KindNotFound, Message: "order item " + it.ID + " not found"}
}

func (t *memTx) DeleteItem(_ context.Context, itemID string) error {
	for i := range t.shadow.items {
		if t.shadow.items[i].ID == itemID {
			t.shadow.items = append(t.shadow.items[:i], t.shadow.items[i+1:]...)
			return nil
		}
	}
	return &lab.Error{Kind: lab.KindNotFound, Message: "order item " + itemID + " not found"}
}

func (t *memTx) InsertSpecimen(_ context.Context, sp *lab.Specimen) error {
	t.shadow.specimens = append(t.shadow.specimens, *sp)
	return nil
}

func (t *memTx) UpdateSpecimen(_ context.Context, sp *lab.Specimen) error {
	for i := range t.shadow.specimens {
		if t.shadow.specimens[i].ID == sp.ID {
			t.shadow.specimens[i] = *sp
			return nil
		}
	}
	return &lab.Error{Kind: lab.KindNotFound, Message: "specimen " + sp.ID + " not found"}
}

func (t *memTx) AppendEvent(_ context.Context, ev *lab.SpecimenEvent) error {
	t.shadow.events[ev.SpecimenID] = append(t.shadow.events[ev.SpecimenID], *ev)
	return nil
}

func (t *memTx) InsertResult(_ context.Context, res *lab.Result) error {
	t.shadow.results = append(t.shadow.results, *res)
	return nil
}

func (t *memTx) UpdateResult(_ context.Context, res *lab.Result) error {
	for i := range t.shadow.results {
		if t.shadow.results[i].ID == res.ID {
			t.shadow.results[i] = *res
			return nil
		}
	}
	return &lab.Error{Kind: lab.KindNotFound, Message: "result " + res.ID + " not found"}
}

func (t *memTx) NextAccession(_ context.Context) (string, error) {
	t.store.accession++
	return fmt.Sprintf("ACC-%09d", t.store.accession), nil
}
