// Package ingest runs ingestion cycles: fetch every source through its
// breaker, canonicalize, deduplicate, and report.
package ingest

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"exploitwatch/internal/breaker"
	"exploitwatch/internal/dedup"
	"exploitwatch/internal/incident"
	"exploitwatch/internal/metrics"
	"exploitwatch/internal/source"
	"exploitwatch/internal/storage"
)

// ErrNoSourceCompleted is returned when the cycle deadline passed before any
// source returned.
var ErrNoSourceCompleted = errors.New("cycle deadline reached with no source completed")

// Entry registers a source with its scheduling parameters.
type Entry struct {
	Source source.Source
	Tier   int
	// Timeout overrides Options.FetchTimeout when positive.
	Timeout time.Duration
}

// Canonicalizer turns raw candidates into canonical incidents.
type Canonicalizer interface {
	Canonicalize(raw incident.RawCandidate) (incident.Incident, error)
}

// Decider classifies and persists canonical incidents.
type Decider interface {
	Decide(ctx context.Context, inc incident.Incident) (dedup.Result, error)
}

// Pinger checks store reachability before a cycle starts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sink receives the records accepted by a cycle.
type Sink interface {
	Name() string
	Publish(ctx context.Context, records iter.Seq[incident.Incident]) error
}

// Options tune a cycle.
type Options struct {
	Workers       int
	FetchTimeout  time.Duration
	CycleDeadline time.Duration
	StoreTimeout  time.Duration
	CancelGrace   time.Duration // wait for partial results after a fetch is cancelled
	LockKey       int64
}

// Deps bundles the collaborators of an Orchestrator. Store, Cycles, Locker,
// Sinks and Metrics are optional.
type Deps struct {
	Breakers *breaker.Registry
	Canon    Canonicalizer
	Dedup    Decider
	Store    Pinger
	Cycles   storage.CycleStore
	Locker   storage.AdvisoryLocker
	Sinks    []Sink
	Metrics  *metrics.Recorder
}

// Orchestrator runs one cycle at a time over the registered sources.
type Orchestrator struct {
	entries []Entry
	deps    Deps
	opts    Options
	logger  zerolog.Logger
	nowFunc func() time.Time

	running chan struct{}
}

// New constructs an orchestrator.
func New(entries []Entry, deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.CycleDeadline <= 0 {
		opts.CycleDeadline = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 250 * time.Millisecond
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	return &Orchestrator{
		entries: slices.Clone(entries),
		deps:    deps,
		opts:    opts,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		nowFunc: time.Now,
		running: make(chan struct{}, 1),
	}
}

// RunCycle executes one cycle. It waits for a cycle already in progress to
// finish first. The returned error is non-nil when the cycle failed; the
// cycle itself is still returned for reporting.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Cycle, error) {
	select {
	case o.running <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.running }()

	started := o.nowFunc().UTC()
	cycle := &Cycle{Report: Report{ID: uuid.New(), StartedAt: started}}
	log := o.logger.With().Str("cycle_id", cycle.Report.ID.String()).Logger()

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return o.finish(ctx, cycle, err, log)
	}
	if !proceed {
		log.Info().Msg("skip cycle because advisory lock held elsewhere")
		cycle.Report.Status = CycleSkipped
		cycle.Report.FinishedAt = o.nowFunc().UTC()
		return cycle, nil
	}
	if unlock != nil {
		defer unlock()
	}

	if o.deps.Store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		err := o.deps.Store.Ping(pingCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, incident.ErrStoreUnavailable) {
				err = fmt.Errorf("%w: ping: %w", incident.ErrStoreUnavailable, err)
			}
			cycle.Report.Sources = o.pendingReports(o.runOrder())
			return o.finish(ctx, cycle, err, log)
		}
	}

	err = o.execute(ctx, cycle, log)
	return o.finish(ctx, cycle, err, log)
}

func (o *Orchestrator) execute(ctx context.Context, cycle *Cycle, log zerolog.Logger) error {
	cycleCtx, cancel := context.WithTimeout(ctx, o.opts.CycleDeadline)
	defer cancel()

	order := o.runOrder()
	reports := o.pendingReports(order)
	cycle.Report.Sources = reports

	jobs := make(chan int, len(order))
	for i := range order {
		jobs <- i
	}
	close(jobs)

	var (
		acceptedMu sync.Mutex
		aborted    atomic.Bool
	)
	accept := func(inc incident.Incident) {
		acceptedMu.Lock()
		cycle.accepted = append(cycle.accepted, inc)
		acceptedMu.Unlock()
	}

	g, gctx := errgroup.WithContext(cycleCtx)
	for w := 0; w < min(o.opts.Workers, len(order)); w++ {
		g.Go(func() error {
			for i := range jobs {
				if aborted.Load() {
					return nil
				}
				entry, rep := order[i], &reports[i]
				if err := gctx.Err(); err != nil {
					rep.Error = err.Error()
					continue
				}
				cands := o.fetch(gctx, entry, rep)
				if err := o.process(gctx, cands, rep, accept, &aborted); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	deadlineHit := errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	if deadlineHit && len(order) > 0 && cycle.Report.completed() == 0 {
		return ErrNoSourceCompleted
	}
	if deadlineHit {
		log.Warn().Msg("cycle deadline reached; unfinished sources cancelled")
	}
	return nil
}

// fetch calls the source once through its breaker and fills the fetch side
// of rep. Candidates returned alongside an error are kept.
func (o *Orchestrator) fetch(ctx context.Context, entry Entry, rep *SourceReport) []incident.RawCandidate {
	name := entry.Source.Name()
	b := o.deps.Breakers.Get(name)
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = o.opts.FetchTimeout
	}

	start := o.nowFunc()
	cands, err := breaker.Do(ctx, b, func(ctx context.Context) ([]incident.RawCandidate, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fetchBounded(fetchCtx, entry.Source, o.opts.CancelGrace)
	})
	rep.DurationMS = o.nowFunc().Sub(start).Milliseconds()
	rep.BreakerState = b.State().String()
	rep.CandidatesReturned = len(cands)

	log := o.logger.With().Str("source", name).Logger()
	switch {
	case err == nil:
		rep.Attempted, rep.Succeeded = true, true
		rep.Status = StatusSucceeded
	case errors.Is(err, incident.ErrSourceUnavailable):
		rep.Status = StatusSkippedBreakerOpen
		log.Debug().Msg("skipped: breaker open")
	case ctx.Err() != nil:
		rep.Attempted = true
		rep.Status = StatusCancelled
		rep.Error = err.Error()
		log.Warn().Err(err).Msg("fetch cancelled at cycle deadline")
	case errors.Is(err, incident.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		rep.Attempted = true
		rep.Status = StatusTimeout
		rep.Error = err.Error()
		log.Warn().Err(err).Dur("timeout", timeout).Msg("fetch timed out")
	default:
		rep.Attempted = true
		rep.Status = StatusFailed
		rep.Error = err.Error()
		log.Warn().Err(err).Int("partial", len(cands)).Msg("fetch failed")
	}
	o.deps.Metrics.SourceOutcome(name, string(rep.Status))
	return cands
}

// fetchBounded returns when src.Fetch does, or at most grace after ctx ends.
// An answer arriving later is dropped.
func fetchBounded(ctx context.Context, src source.Source, grace time.Duration) ([]incident.RawCandidate, error) {
	type result struct {
		cands []incident.RawCandidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cands, err := src.Fetch(ctx)
		done <- result{cands: cands, err: err}
	}()

	select {
	case r := <-done:
		return r.cands, r.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.cands, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s ignored cancellation: %w", incident.ErrFetchTimeout, src.Name(), ctx.Err())
	}
}

// process canonicalizes and deduplicates cands in order. Store work is
// detached from the cycle deadline so data already fetched is not lost to a
// cancellation. A store outage aborts the cycle.
func (o *Orchestrator) process(ctx context.Context, cands []incident.RawCandidate, rep *SourceReport, accept func(incident.Incident), aborted *atomic.Bool) error {
	if len(cands) == 0 {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	log := o.logger.With().Str("source", rep.Source).Logger()

	for _, raw := range cands {
		if aborted.Load() {
			return nil
		}
		if raw.Source == "" {
			raw.Source = rep.Source
		}

		inc, err := o.deps.Canon.Canonicalize(raw)
		if err != nil {
			reason, ok := incident.RejectionReason(err)
			if !ok {
				reason = incident.ReasonUnsupportedPayload
			}
			rep.Rejected++
			if rep.RejectReasons == nil {
				rep.RejectReasons = make(map[incident.RejectReason]int)
			}
			rep.RejectReasons[reason]++
			o.deps.Metrics.Rejection(rep.Source, string(reason))
			log.Debug().Str("reason", string(reason)).Str("ref", raw.Ref).Msg("candidate rejected")
			continue
		}

		storeCtx, cancel := context.WithTimeout(detached, o.opts.StoreTimeout)
		res, err := o.deps.Dedup.Decide(storeCtx, inc)
		cancel()
		if err != nil {
			if errors.Is(err, incident.ErrStoreUnavailable) {
				aborted.Store(true)
				return err
			}
			rep.ProcessingErrors++
			log.Error().Err(err).Str("hash", inc.ContentHash).Msg("dedup failed")
			continue
		}

		o.deps.Metrics.Candidate(rep.Source, res.Decision.String())
		o.deps.Metrics.CacheHit(string(res.Cache))
		switch res.Decision {
		case dedup.New:
			rep.AcceptedNew++
			accept(res.Stored)
		case dedup.Duplicate:
			rep.Duplicates++
		case dedup.ConflictingUpdate:
			rep.Merged++
			log.Info().Str("hash", inc.ContentHash).Strs("changed", res.Changed).Msg("incident merged")
		}
	}
	return nil
}

// finish stamps the report, publishes accepted records and persists the
// cycle. Reporting side effects run even when ctx is already done.
func (o *Orchestrator) finish(ctx context.Context, cycle *Cycle, cycleErr error, log zerolog.Logger) (*Cycle, error) {
	rep := &cycle.Report
	rep.FinishedAt = o.nowFunc().UTC()
	rep.summarize()
	rep.Status = CycleCompleted
	if cycleErr != nil {
		rep.Status = CycleFailed
		rep.Error = cycleErr.Error()
	}

	detached := context.WithoutCancel(ctx)
	if len(cycle.accepted) > 0 {
		for _, sink := range o.deps.Sinks {
			pubCtx, cancel := context.WithTimeout(detached, o.opts.StoreTimeout)
			if err := sink.Publish(pubCtx, cycle.Accepted()); err != nil {
				log.Error().Err(err).Str("sink", sink.Name()).Msg("failed to publish accepted incidents")
			}
			cancel()
		}
	}

	if o.deps.Cycles != nil {
		payload, err := json.Marshal(rep)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode cycle report")
		} else {
			recCtx, cancel := context.WithTimeout(detached, o.opts.StoreTimeout)
			err = o.deps.Cycles.RecordCycle(recCtx, storage.CycleRecord{
				ID:         rep.ID,
				StartedAt:  rep.StartedAt,
				FinishedAt: rep.FinishedAt,
				Status:     string(rep.Status),
				Accepted:   len(cycle.accepted),
				Report:     payload,
			})
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("failed to record cycle")
			}
		}
	}

	o.deps.Metrics.ObserveCycle(string(rep.Status), rep.FinishedAt.Sub(rep.StartedAt))

	event := log.Info()
	if cycleErr != nil {
		event = log.Error().Err(cycleErr)
	}
	event.Str("status", string(rep.Status)).
		Int("succeeded", rep.Summary.Succeeded).
		Int("failed", rep.Summary.Failed).
		Int("skipped", rep.Summary.SkippedBreakerOpen).
		Int("accepted_new", rep.Summary.AcceptedNew).
		Int("merged", rep.Summary.Merged).
		Int("rejected", rep.Summary.Rejected).
		Msg("cycle finished")

	if cycleErr != nil {
		return cycle, fmt.Errorf("cycle %s: %w", rep.ID, cycleErr)
	}
	return cycle, nil
}

// runOrder sorts by tier, then by staleness: sources that have gone longest
// without a successful fetch run first.
func (o *Orchestrator) runOrder() []Entry {
	type ranked struct {
		entry       Entry
		lastSuccess time.Time
	}
	list := make([]ranked, 0, len(o.entries))
	for _, e := range o.entries {
		h := o.deps.Breakers.Get(e.Source.Name()).Health()
		list = append(list, ranked{entry: e, lastSuccess: h.LastSuccess})
	}
	slices.SortStableFunc(list, func(a, b ranked) int {
		if c := cmp.Compare(a.entry.Tier, b.entry.Tier); c != 0 {
			return c
		}
		return a.lastSuccess.Compare(b.lastSuccess)
	})
	out := make([]Entry, len(list))
	for i, r := range list {
		out[i] = r.entry
	}
	return out
}

func (o *Orchestrator) pendingReports(order []Entry) []SourceReport {
	reports := make([]SourceReport, len(order))
	for i, e := range order {
		reports[i] = SourceReport{
			Source:       e.Source.Name(),
			Tier:         e.Tier,
			Status:       StatusNotAttempted,
			BreakerState: o.deps.Breakers.Get(e.Source.Name()).State().String(),
		}
	}
	return reports
}

// RunOrder returns source names in the order the next cycle would start them.
func (o *Orchestrator) RunOrder() []string {
	order := o.runOrder()
	names := make([]string, len(order))
	for i, e := range order {
		names[i] = e.Source.Name()
	}
	return names
}

// Health returns the breaker view of every registered source.
func (o *Orchestrator) Health() []breaker.Health {
	return o.deps.Breakers.Snapshots()
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.LockKey == 0 || o.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.deps.Locker.TryAdvisoryLock(ctx, o.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
