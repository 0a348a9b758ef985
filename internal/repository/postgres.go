package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/leadflow/funnel-server-go/internal/database"
)

type postgresStore struct {
	db       *database.DB
	sessions SessionRepository
	jobs     JobRepository
}

// NewPostgresStore wires the Postgres-backed repositories into a Store.
func NewPostgresStore(db *database.DB) Store {
	return &postgresStore{
		db:       db,
		sessions: NewSessionRepository(db.DB),
		jobs:     NewJobRepository(db.DB),
	}
}

func (s *postgresStore) Sessions() SessionRepository { return s.sessions }
func (s *postgresStore) Jobs() JobRepository         { return s.jobs }

func (s *postgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&txStore{
			sessions: s.sessions.WithTx(tx),
			jobs:     s.jobs.WithTx(tx),
		})
	})
}

// txStore is a Store view bound to one open transaction.
type txStore struct {
	sessions SessionRepository
	jobs     JobRepository
}

func (s *txStore) Sessions() SessionRepository { return s.sessions }
func (s *txStore) Jobs() JobRepository         { return s.jobs }

// InTx on an already-transactional store just runs fn in the same
// transaction.
func (s *txStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}
