package gen

import (
	"github.com/google/uuid"
)

// UUIDGenerator produces identifiers for processing runs. A nil generator yields uuid.Nil.
type UUIDGenerator func() uuid.UUID

func UUID() UUIDGenerator {
	return func() uuid.UUID {
		return uuid.Must(uuid.NewRandom())
	}
}

// Fixed returns a generator that always yields id.
func Fixed(id uuid.UUID) UUIDGenerator {
	return func() uuid.UUID {
		return id
	}
}

func (g UUIDGenerator) Next() uuid.UUID {
	if g == nil {
		return uuid.Nil
	}

	return g()
}
