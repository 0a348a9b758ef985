package repository

import "context"

// Store is the single storage abstraction every component mutates through.
// The Postgres implementation is authoritative in production; the memory
// implementation backs no-database development and tests.
type Store interface {
	Sessions() SessionRepository
	Jobs() JobRepository

	// InTx runs fn against a Store whose repositories share one
	// transaction. fn returning an error rolls everything back.
	InTx(ctx context.Context, fn func(Store) error) error
}
