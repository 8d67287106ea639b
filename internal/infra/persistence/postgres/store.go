package postgres

import (
	"github.com/coachpo/orbit/internal/infra/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store exposes the PostgreSQL-backed event and order repositories.
type Store struct {
	*persistence.Store
	Events *EventStore
	Orders *OrderStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:  persistence.NewStore(pool),
		Events: NewEventStore(pool),
		Orders: NewOrderStore(pool),
	}
}
