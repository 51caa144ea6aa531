// Package dedup decides whether a canonical incident is new, a repeat, or a
// refinement of one already stored.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exploitwatch/internal/incident"
	"exploitwatch/internal/storage"
)

// Decision is the outcome of Decide.
type Decision int

const (
	New Decision = iota
	Duplicate
	ConflictingUpdate
)

func (d Decision) String() string {
	switch d {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case ConflictingUpdate:
		return "merged"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// CacheLayer names which part of the seen cache short-circuited a decision.
type CacheLayer string

const (
	LayerNone  CacheLayer = ""
	LayerLRU   CacheLayer = "lru"
	LayerBloom CacheLayer = "bloom"
)

// Result describes what Decide did.
type Result struct {
	Decision Decision
	// Stored is the record as persisted after the decision.
	Stored  incident.Incident
	Changed []string
	Cache   CacheLayer
}

// Store is the part of the incident repository the deduplicator uses.
type Store interface {
	Insert(ctx context.Context, inc incident.Incident, prov incident.Provenance) (storage.InsertOutcome, error)
	MergeUpdate(ctx context.Context, hash string, merge storage.MergeFunc) (incident.Incident, error)
}

// Deduplicator classifies and persists canonical incidents.
type Deduplicator struct {
	store   Store
	cache   *SeenCache
	policy  MergePolicy
	nowFunc func() time.Time
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the provenance timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.nowFunc = now }
}

// NewDeduplicator builds a Deduplicator.
func NewDeduplicator(store Store, cache *SeenCache, policy MergePolicy, opts ...Option) *Deduplicator {
	d := &Deduplicator{store: store, cache: cache, policy: policy, nowFunc: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide persists inc as needed and reports the outcome. The store's
// insert-if-absent is the authority; the cache only avoids round trips.
func (d *Deduplicator) Decide(ctx context.Context, inc incident.Incident) (Result, error) {
	if inc.ContentHash == "" {
		return Result{}, errors.New("dedup: incident has no content hash")
	}

	if d.cache.Confirms(inc) {
		return Result{Decision: Duplicate, Stored: inc, Cache: LayerLRU}, nil
	}

	layer := LayerNone
	if !d.cache.MaybeSeen(inc.ContentHash) {
		layer = LayerBloom
		res, inserted, err := d.insert(ctx, inc)
		if err != nil || inserted {
			res.Cache = layer
			return res, err
		}
	}

	res, err := d.reconcile(ctx, inc)
	if errors.Is(err, storage.ErrNotFound) {
		var inserted bool
		res, inserted, err = d.insert(ctx, inc)
		if err != nil || inserted {
			return res, err
		}
		// lost an insert race; merge into the winner
		res, err = d.reconcile(ctx, inc)
	}
	if err != nil {
		return Result{}, err
	}
	res.Cache = layer
	return res, nil
}

func (d *Deduplicator) insert(ctx context.Context, inc incident.Incident) (Result, bool, error) {
	if len(inc.Sources) == 0 {
		inc.Sources = []string{inc.SourceName}
	}
	outcome, err := d.store.Insert(ctx, inc, incident.Provenance{
		SourceName: inc.SourceName,
		SourceRef:  inc.SourceRef,
		Action:     incident.ActionCreated,
		ObservedAt: d.now(),
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("insert %s: %w", inc.ContentHash, err)
	}
	if outcome == storage.AlreadyExists {
		return Result{}, false, nil
	}
	d.cache.Remember(inc)
	return Result{Decision: New, Stored: inc}, true, nil
}

// reconcile applies the merge policy to the stored record while the store
// holds it, so concurrent writers never merge against a stale copy.
func (d *Deduplicator) reconcile(ctx context.Context, inc incident.Incident) (Result, error) {
	var res Result
	updated, err := d.store.MergeUpdate(ctx, inc.ContentHash, func(current incident.Incident) (incident.MergeFields, incident.Provenance, bool) {
		fields := d.policy.Merge(current, inc)
		if fields.Empty() {
			res = Result{Decision: Duplicate}
			if current.HasSource(inc.SourceName) {
				return fields, incident.Provenance{}, false
			}
			return fields, d.provenance(inc, incident.ActionConfirmed, nil), true
		}
		res = Result{Decision: ConflictingUpdate, Changed: fields.Changed()}
		return fields, d.provenance(inc, incident.ActionMerged, res.Changed), true
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge %s: %w", inc.ContentHash, err)
	}
	d.cache.Remember(updated)
	res.Stored = updated
	return res, nil
}

func (d *Deduplicator) provenance(inc incident.Incident, action incident.ProvenanceAction, changed []string) incident.Provenance {
	return incident.Provenance{
		SourceName: inc.SourceName,
		SourceRef:  inc.SourceRef,
		Action:     action,
		Changed:    changed,
		ObservedAt: d.now(),
	}
}

func (d *Deduplicator) now() time.Time {
	return d.nowFunc().UTC()
}
