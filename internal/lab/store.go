package lab

import "context"

// Store is the persistence collaborator injected into the lifecycle Service.
// Implementations: the pgx repository (Repo) and labtest.MemStore.
type Store interface {
	// CreateOrder persists a new order with its initial items as one unit.
	CreateOrder(ctx context.Context, o *Order, items []OrderItem) error

	// WithOrder runs fn inside a unit of work that serializes all mutations
	// of one order: concurrent calls for the same order id must not observe
	// each other's partial writes (row lock or equivalent). Returning an
	// error from fn discards every write made through the OrderTx.
	WithOrder(ctx context.Context, orderID string, fn func(tx OrderTx) error) error

	// Owner resolution for operations addressed by child id.
	OrderIDForItem(ctx context.Context, itemID string) (string, error)
	OrderIDForSpecimen(ctx context.Context, specimenID string) (string, error)
	OrderIDForResult(ctx context.Context, resultID string) (string, error)

	// Catalog lookups. Not order-scoped, no lock needed.
	TestByID(ctx context.Context, id string) (*Test, error)
	PanelByID(ctx context.Context, id string) (*Panel, error)
}

// OrderTx is the order-scoped unit of work handed to WithOrder callbacks.
// Order() is the locked snapshot; child reads always go back to the store so
// cascade recomputation never trusts in-memory counters.
type OrderTx interface {
	Order() *Order

	Items(ctx context.Context) ([]OrderItem, error)
	Specimens(ctx context.Context) ([]Specimen, error)
	Results(ctx context.Context) ([]Result, error)

	UpdateOrder(ctx context.Context, o *Order) error
	InsertItem(ctx context.Context, it *OrderItem) error
	UpdateItem(ctx context.Context, it *OrderItem) error
	DeleteItem(ctx context.Context, itemID string) error
	InsertSpecimen(ctx context.Context, sp *Specimen) error
	UpdateSpecimen(ctx context.Context, sp *Specimen) error
	AppendEvent(ctx context.Context, ev *SpecimenEvent) error
	InsertResult(ctx context.Context, res *Result) error
	UpdateResult(ctx context.Context, res *Result) error

	// NextAccession draws the next accession number from the store's
	// sequence. Numbers are globally unique and never reused.
	NextAccession(ctx context.Context) (string, error)
}
