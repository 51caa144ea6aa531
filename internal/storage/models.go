package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InsertOutcome reports what an insert-if-absent did.
type InsertOutcome int

const (
	// Inserted means the record was new and is now stored.
	Inserted InsertOutcome = iota
	// AlreadyExists means a record with the same content hash was already stored.
	AlreadyExists
)

func (o InsertOutcome) String() string {
	if o == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// CycleRecord is the persisted summary of one ingestion cycle.
type CycleRecord struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Accepted   int
	Report     json.RawMessage
}
