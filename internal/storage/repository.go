package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"exploitwatch/internal/incident"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when no incident has the requested hash.
	ErrNotFound = errors.New("storage: incident not found")
	// ErrInvalidRecord marks one record the database refused for its
	// content. The store itself is healthy.
	ErrInvalidRecord = errors.New("storage: record rejected")
)

const incidentColumns = `content_hash,
        chain,
        unmapped_chain,
        protocol,
        tx_hash,
        amount_usd,
        occurred_at,
        category,
        description,
        source_name,
        source_ref,
        amount_source,
        category_source,
        occurred_at_source,
        sources,
        first_seen_at`

const (
	insertIncidentSQL = `INSERT INTO incidents (` + incidentColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (content_hash) DO NOTHING;`

	findIncidentSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE content_hash = $1;`

	lockIncidentSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE content_hash = $1
    FOR UPDATE;`

	mergeIncidentSQL = `UPDATE incidents
    SET
        amount_usd         = COALESCE($2::numeric, amount_usd),
        amount_source      = CASE WHEN $2::numeric IS NULL THEN amount_source ELSE $3 END,
        category           = COALESCE(NULLIF($4, ''), category),
        category_source    = CASE WHEN $4 = '' THEN category_source ELSE $5 END,
        occurred_at        = COALESCE($6::timestamptz, occurred_at),
        occurred_at_source = CASE WHEN $6::timestamptz IS NULL THEN occurred_at_source ELSE $7 END,
        sources            = CASE WHEN $8 = ANY(sources) THEN sources ELSE array_append(sources, $8) END,
        updated_at         = now()
    WHERE content_hash = $1
    RETURNING ` + incidentColumns + `;`

	insertProvenanceSQL = `INSERT INTO incident_provenance (
        content_hash,
        source_name,
        source_ref,
        action,
        changed,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listProvenanceSQL = `SELECT
        source_name,
        source_ref,
        action,
        changed,
        observed_at
    FROM incident_provenance
    WHERE content_hash = $1
    ORDER BY observed_at, id;`

	listRecentIncidentsSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    ORDER BY occurred_at DESC
    LIMIT $1;`

	listIncidentsBetweenSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE occurred_at >= $1
      AND occurred_at < $2
    ORDER BY occurred_at;`

	insertCycleSQL = `INSERT INTO cycle_runs (
        cycle_id,
        started_at,
        finished_at,
        status,
        accepted,
        report
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (cycle_id) DO UPDATE
    SET finished_at = EXCLUDED.finished_at,
        status      = EXCLUDED.status,
        accepted    = EXCLUDED.accepted,
        report      = EXCLUDED.report;`

	listRecentCyclesSQL = `SELECT
        cycle_id,
        started_at,
        finished_at,
        status,
        accepted,
        report
    FROM cycle_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Pool is the subset of *pgxpool.Pool the repository needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type connAcquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// IncidentStore is the authoritative incident repository.
type IncidentStore interface {
	Ping(ctx context.Context) error
	FindByHash(ctx context.Context, hash string) (incident.Incident, error)
	Insert(ctx context.Context, inc incident.Incident, prov incident.Provenance) (InsertOutcome, error)
	MergeUpdate(ctx context.Context, hash string, merge MergeFunc) (incident.Incident, error)
	ListRecent(ctx context.Context, limit int) ([]incident.Incident, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]incident.Incident, error)
	ListProvenance(ctx context.Context, hash string) ([]incident.Provenance, error)
}

// MergeFunc decides, against the current stored record, which fields change
// and which provenance entry to append. The store holds the record exclusively
// while it runs. write=false leaves the record untouched.
type MergeFunc func(current incident.Incident) (fields incident.MergeFields, prov incident.Provenance, write bool)

// CycleStore persists cycle summaries.
type CycleStore interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ IncidentStore  = (*Store)(nil)
	_ CycleStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Store is the PostgreSQL implementation of the incident and cycle stores.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", incident.ErrStoreUnavailable, op, err)
}

// writeError classifies a failed write. Data exceptions (class 22) and
// integrity violations (class 23) reject the record only.
func writeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, op, err)
	}
	return unavailable(op, err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}
	acquirer, ok := pool.(connAcquirer)
	if !ok {
		return nil, false, fmt.Errorf("advisory lock: pool %T cannot pin a connection", pool)
	}

	conn, err := acquirer.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock goes away with the connection anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// FindByHash loads one incident.
func (s *Store) FindByHash(ctx context.Context, hash string) (incident.Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return incident.Incident{}, unavailable("find incident", err)
	}
	inc, err := scanIncident(pool.QueryRow(ctx, findIncidentSQL, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.Incident{}, ErrNotFound
	}
	if err != nil {
		return incident.Incident{}, unavailable("find incident", err)
	}
	return inc, nil
}

// Insert stores inc unless its content hash already exists. The created
// provenance entry is written in the same transaction.
func (s *Store) Insert(ctx context.Context, inc incident.Incident, prov incident.Provenance) (InsertOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, unavailable("insert incident", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin insert", err)
	}

	sources := inc.Sources
	if len(sources) == 0 {
		sources = []string{inc.SourceName}
	}

	tag, err := tx.Exec(ctx, insertIncidentSQL,
		inc.ContentHash,
		inc.Chain,
		inc.UnmappedChain,
		inc.Protocol,
		inc.TxHash,
		inc.AmountUSD,
		inc.OccurredAt,
		inc.Category,
		inc.Description,
		inc.SourceName,
		inc.SourceRef,
		inc.FieldSources.Amount,
		inc.FieldSources.Category,
		inc.FieldSources.OccurredAt,
		sources,
		inc.FirstSeenAt,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, writeError("insert incident", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return AlreadyExists, nil
	}

	if err := insertProvenance(ctx, tx, inc.ContentHash, prov); err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit insert", err)
	}
	return Inserted, nil
}

// MergeUpdate locks the stored record, asks merge what to change, writes the
// set members of fields, adds the provenance source to the source list and
// appends the provenance entry. Empty fields only record the confirmation.
func (s *Store) MergeUpdate(ctx context.Context, hash string, merge MergeFunc) (incident.Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return incident.Incident{}, unavailable("merge incident", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return incident.Incident{}, unavailable("begin merge", err)
	}

	current, err := scanIncident(tx.QueryRow(ctx, lockIncidentSQL, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return incident.Incident{}, ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return incident.Incident{}, unavailable("lock incident", err)
	}

	fields, prov, write := merge(current)
	if !write {
		_ = tx.Rollback(ctx)
		return current, nil
	}

	var occurred any
	if !fields.OccurredAt.IsZero() {
		occurred = fields.OccurredAt
	}

	updated, err := scanIncident(tx.QueryRow(ctx, mergeIncidentSQL,
		hash,
		fields.AmountUSD,
		fields.AmountSource,
		fields.Category,
		fields.CategorySource,
		occurred,
		fields.OccurredAtSource,
		prov.SourceName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return incident.Incident{}, ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return incident.Incident{}, writeError("merge incident", err)
	}

	if err := insertProvenance(ctx, tx, hash, prov); err != nil {
		_ = tx.Rollback(ctx)
		return incident.Incident{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return incident.Incident{}, unavailable("commit merge", err)
	}
	return updated, nil
}

func insertProvenance(ctx context.Context, tx pgx.Tx, hash string, prov incident.Provenance) error {
	changed := prov.Changed
	if changed == nil {
		changed = []string{}
	}
	if _, err := tx.Exec(ctx, insertProvenanceSQL,
		hash,
		prov.SourceName,
		prov.SourceRef,
		string(prov.Action),
		changed,
		prov.ObservedAt,
	); err != nil {
		return writeError("insert provenance", err)
	}
	return nil
}

// ListProvenance lists the provenance trail of one incident, oldest first.
func (s *Store) ListProvenance(ctx context.Context, hash string) ([]incident.Provenance, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProvenanceSQL, hash)
	if queryErr != nil {
		return nil, fmt.Errorf("list provenance: %w", queryErr)
	}
	defer rows.Close()

	var entries []incident.Provenance
	for rows.Next() {
		var (
			p      incident.Provenance
			action string
		)
		if err := rows.Scan(&p.SourceName, &p.SourceRef, &action, &p.Changed, &p.ObservedAt); err != nil {
			return nil, err
		}
		p.Action = incident.ProvenanceAction(action)
		entries = append(entries, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// ListRecent lists the most recent incidents by occurrence time.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]incident.Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIncidentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent incidents: %w", queryErr)
	}
	return collectIncidents(rows, limit)
}

// ListBetween lists incidents that occurred within [from, to).
func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]incident.Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listIncidentsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list incidents between: %w", queryErr)
	}
	return collectIncidents(rows, 0)
}

// RecordCycle persists a cycle summary.
func (s *Store) RecordCycle(ctx context.Context, rec CycleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertCycleSQL,
		rec.ID,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Status,
		rec.Accepted,
		[]byte(rec.Report),
	); execErr != nil {
		return fmt.Errorf("record cycle: %w", execErr)
	}
	return nil
}

// ListRecentCycles lists the latest cycle summaries.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	cycles := make([]CycleRecord, 0, limit)
	for rows.Next() {
		var (
			rec    CycleRecord
			report []byte
		)
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Status, &rec.Accepted, &report); err != nil {
			return nil, err
		}
		rec.Report = report
		cycles = append(cycles, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

func collectIncidents(rows pgx.Rows, capacity int) ([]incident.Incident, error) {
	defer rows.Close()

	incidents := make([]incident.Incident, 0, capacity)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return incidents, nil
}

func scanIncident(row pgx.Row) (incident.Incident, error) {
	var (
		inc    incident.Incident
		amount decimal.NullDecimal
	)
	if err := row.Scan(
		&inc.ContentHash,
		&inc.Chain,
		&inc.UnmappedChain,
		&inc.Protocol,
		&inc.TxHash,
		&amount,
		&inc.OccurredAt,
		&inc.Category,
		&inc.Description,
		&inc.SourceName,
		&inc.SourceRef,
		&inc.FieldSources.Amount,
		&inc.FieldSources.Category,
		&inc.FieldSources.OccurredAt,
		&inc.Sources,
		&inc.FirstSeenAt,
	); err != nil {
		return incident.Incident{}, err
	}
	inc.AmountUSD = amount
	inc.OccurredAt = inc.OccurredAt.UTC()
	inc.FirstSeenAt = inc.FirstSeenAt.UTC()
	return inc, nil
}
