package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"exploitwatch/internal/incident"
)

var (
	_ IncidentStore  = (*MemoryStore)(nil)
	_ CycleStore     = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)

// MemoryStore keeps incidents in process. It backs replay runs without a
// database and the pipeline tests.
type MemoryStore struct {
	mu         sync.Mutex
	incidents  map[string]incident.Incident
	provenance map[string][]incident.Provenance
	cycles     []CycleRecord
	locked     bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:  make(map[string]incident.Incident),
		provenance: make(map[string][]incident.Provenance),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) FindByHash(_ context.Context, hash string) (incident.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[hash]
	if !ok {
		return incident.Incident{}, ErrNotFound
	}
	return cloneIncident(inc), nil
}

func (m *MemoryStore) Insert(_ context.Context, inc incident.Incident, prov incident.Provenance) (InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[inc.ContentHash]; ok {
		return AlreadyExists, nil
	}
	inc = cloneIncident(inc)
	if len(inc.Sources) == 0 {
		inc.Sources = []string{inc.SourceName}
	}
	m.incidents[inc.ContentHash] = inc
	m.provenance[inc.ContentHash] = append(m.provenance[inc.ContentHash], prov)
	return Inserted, nil
}

func (m *MemoryStore) MergeUpdate(_ context.Context, hash string, merge MergeFunc) (incident.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[hash]
	if !ok {
		return incident.Incident{}, ErrNotFound
	}
	fields, prov, write := merge(cloneIncident(inc))
	if !write {
		return cloneIncident(inc), nil
	}
	inc = fields.Apply(cloneIncident(inc))
	if !slices.Contains(inc.Sources, prov.SourceName) {
		inc.Sources = append(inc.Sources, prov.SourceName)
	}
	m.incidents[hash] = inc
	m.provenance[hash] = append(m.provenance[hash], prov)
	return cloneIncident(inc), nil
}

func (m *MemoryStore) ListProvenance(_ context.Context, hash string) ([]incident.Provenance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.provenance[hash]), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]incident.Incident, error) {
	all := m.sorted()
	slices.Reverse(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListBetween(_ context.Context, from, to time.Time) ([]incident.Incident, error) {
	var out []incident.Incident
	for _, inc := range m.sorted() {
		if !inc.OccurredAt.Before(from) && inc.OccurredAt.Before(to) {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordCycle(_ context.Context, rec CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cycles {
		if m.cycles[i].ID == rec.ID {
			m.cycles[i] = rec
			return nil
		}
	}
	m.cycles = append(m.cycles, rec)
	return nil
}

func (m *MemoryStore) ListRecentCycles(_ context.Context, limit int) ([]CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.cycles)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TryAdvisoryLock emulates a single process-wide lock.
func (m *MemoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, false, nil
	}
	m.locked = true
	return func() {
		m.mu.Lock()
		m.locked = false
		m.mu.Unlock()
	}, true, nil
}

// Len reports the number of stored incidents.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incidents)
}

func (m *MemoryStore) sorted() []incident.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]incident.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ContentHash < out[j].ContentHash
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

func cloneIncident(inc incident.Incident) incident.Incident {
	inc.Sources = slices.Clone(inc.Sources)
	return inc
}
