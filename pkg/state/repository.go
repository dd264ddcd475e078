package state

import "context"

// Repository persists the session journal.
type Repository interface {
	// Load retrieves the journal. Returns an empty State and nil error if none exists.
	Load(ctx context.Context) (State, error)

	// Save replaces the journal atomically.
	Save(ctx context.Context, state State) error

	// Update applies fn to the current journal and saves the result.
	Update(ctx context.Context, fn func(*State)) error
}
