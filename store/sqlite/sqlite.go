/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Production Ledger Store. Every invariant the engine relies on for
  correctness under concurrency is a database constraint here, not an
  application-level check.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_events
  - No DELETE statements on ledger_events
  - Corrections are new points_adjustment events

KEY TABLES:
  members:           Running totals + current tier (one row per member)
  ledger_events:     Immutable ledger of every accounting action
  benefit_types:     Coupon catalog
  benefit_instances: One row per redeemable unit, status driven

INDEXES:
  - idx_ledger_events_member_ref: UNIQUE (member_id, external_ref).
    The idempotency guarantee under concurrent retries.
  - idx_benefit_instances_active_hold: UNIQUE (member_id, benefit_type_id)
    WHERE status='assigned' AND exclusive=1. At most one active hold
    of an exclusive benefit per member.
  - idx_benefit_instances_supply: Hot path for claims and supply counts.

CONCURRENCY:
  No in-process lock. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate), so the write lock is taken up front and two
  writers never both read-then-upgrade. A writer that cannot get the lock
  within the busy timeout fails with SQLITE_BUSY, which is mapped to
  loyalty.ErrTransientConflict and retried by the engine.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer and see the last committed state
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  proc := loyalty.NewProcessor(store, loyalty.DefaultTierPolicy())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: The interfaces implemented here
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultBusyTimeout is how long a writer waits for the write lock before
// the attempt is reported as a transient conflict.
const DefaultBusyTimeout = 5 * time.Second

// Store implements loyalty.Store using SQLite.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ loyalty.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithTimeout(dbPath, DefaultBusyTimeout)
}

// NewWithTimeout is New with an explicit busy timeout.
func NewWithTimeout(dbPath string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members (one aggregate row per member)
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		nights INTEGER NOT NULL DEFAULT 0 CHECK (nights >= 0),
		tier_id TEXT NOT NULL,
		tier_updated_at TEXT NOT NULL,
		points_updated_at TEXT,
		retired INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Ledger events (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL REFERENCES members(id),
		kind TEXT NOT NULL,
		nights_delta INTEGER NOT NULL DEFAULT 0 CHECK (nights_delta >= 0),
		points_delta INTEGER NOT NULL DEFAULT 0,
		external_ref TEXT,
		prior_tier TEXT,
		new_tier TEXT,
		nights_after INTEGER NOT NULL,
		points_after INTEGER NOT NULL,
		tier_after TEXT NOT NULL,
		tier_changed INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: Idempotency. A (member, external ref) pair is recorded once.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_events_member_ref
		ON ledger_events(member_id, external_ref)
		WHERE external_ref IS NOT NULL;

	-- History reads (newest first)
	CREATE INDEX IF NOT EXISTS idx_ledger_events_member_seq
		ON ledger_events(member_id, seq DESC);

	-- Benefit catalog
	CREATE TABLE IF NOT EXISTS benefit_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		allow_multiple INTEGER NOT NULL DEFAULT 0,
		eligible_tiers_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Benefit instances
	CREATE TABLE IF NOT EXISTS benefit_instances (
		id TEXT PRIMARY KEY,
		benefit_type_id TEXT NOT NULL REFERENCES benefit_types(id),
		member_id TEXT REFERENCES members(id),
		status TEXT NOT NULL DEFAULT 'available',
		exclusive INTEGER NOT NULL DEFAULT 0,
		redemption_code TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		assigned_at TEXT,
		assigned_by TEXT,
		note TEXT,
		expires_at TEXT,
		terminal_at TEXT
	);

	-- CRITICAL: At most one active hold of an exclusive benefit per member.
	-- Redeemed / expired / revoked rows fall out of the index, so history
	-- never blocks a new assignment.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_benefit_instances_active_hold
		ON benefit_instances(member_id, benefit_type_id)
		WHERE status = 'assigned' AND exclusive = 1;

	-- Claims and supply counts (hot path)
	CREATE INDEX IF NOT EXISTS idx_benefit_instances_supply
		ON benefit_instances(benefit_type_id, status);

	CREATE INDEX IF NOT EXISTS idx_benefit_instances_member
		ON benefit_instances(member_id) WHERE member_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears every table. Used by the demo scenario loader only.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx loyalty.Tx) error {
		q := tx.(*txStore).q
		for _, table := range []string{"benefit_instances", "benefit_types", "ledger_events", "members"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return classify("reset "+table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	if s.closed.Load() {
		return loyalty.ErrStoreUnavailable
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	q querier
}

func (ts *txStore) CreateMember(ctx context.Context, m loyalty.Member) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO members (id, points, nights, tier_id, tier_updated_at, points_updated_at, retired, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Points, m.Nights, m.TierID,
		formatTime(m.TierUpdatedAt), nullTime(m.PointsUpdatedAt), m.Retired, formatTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return loyalty.ErrMemberExists
	}
	return classify("create member", err)
}

func (ts *txStore) LoadMember(ctx context.Context, id loyalty.MemberID) (loyalty.Member, error) {
	return loadMember(ctx, ts.q, id)
}

func (ts *txStore) SaveMember(ctx context.Context, m loyalty.Member) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE members
		SET points = ?, nights = ?, tier_id = ?, tier_updated_at = ?, points_updated_at = ?, retired = ?
		WHERE id = ?
	`, m.Points, m.Nights, m.TierID, formatTime(m.TierUpdatedAt), nullTime(m.PointsUpdatedAt), m.Retired, m.ID)
	if isCheckViolation(err) {
		return fmt.Errorf("%w: store rejected totals for %s", loyalty.ErrInvalidAdjustment, m.ID)
	}
	if err != nil {
		return classify("save member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrMemberNotFound
	}
	return nil
}

func (ts *txStore) AppendEvent(ctx context.Context, e loyalty.LedgerEvent) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledger_events
		(id, member_id, kind, nights_delta, points_delta, external_ref, prior_tier, new_tier,
		 nights_after, points_after, tier_after, tier_changed, source, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.MemberID, e.Kind, e.NightsDelta, e.PointsDelta,
		nullString(e.ExternalRef), nullString(string(e.PriorTier)), nullString(string(e.NewTier)),
		e.NightsAfter, e.PointsAfter, e.TierAfter, e.TierChanged,
		nullString(e.Source), nullString(e.Reason), formatTime(e.At),
	)
	if isUniqueViolation(err) && strings.Contains(err.Error(), "external_ref") {
		return loyalty.ErrDuplicateReference
	}
	return classify("append event", err)
}

func (ts *txStore) LoadEvents(ctx context.Context, id loyalty.MemberID) ([]loyalty.LedgerEvent, error) {
	return queryEvents(ctx, ts.q, eventColumns+` WHERE member_id = ? ORDER BY seq ASC`, id)
}

func (ts *txStore) FindEventByRef(ctx context.Context, id loyalty.MemberID, ref string) (*loyalty.LedgerEvent, error) {
	events, err := queryEvents(ctx, ts.q,
		eventColumns+` WHERE member_id = ? AND external_ref = ? AND kind IN ('stay_recorded', 'points_adjustment')`,
		id, ref)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (ts *txStore) SaveBenefitType(ctx context.Context, bt loyalty.BenefitType) error {
	var tiersJSON sql.NullString
	if len(bt.EligibleTiers) > 0 {
		b, err := json.Marshal(bt.EligibleTiers)
		if err != nil {
			return fmt.Errorf("encode eligible tiers: %w", err)
		}
		tiersJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO benefit_types (id, name, allow_multiple, eligible_tiers_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			allow_multiple = excluded.allow_multiple,
			eligible_tiers_json = excluded.eligible_tiers_json
	`, bt.ID, bt.Name, bt.AllowMultiple, tiersJSON, formatTime(bt.CreatedAt))
	return classify("save benefit type", err)
}

func (ts *txStore) LoadBenefitType(ctx context.Context, id loyalty.BenefitTypeID) (loyalty.BenefitType, error) {
	return loadBenefitType(ctx, ts.q, id)
}

func (ts *txStore) IssueBenefits(ctx context.Context, instances []loyalty.BenefitInstance) error {
	for _, bi := range instances {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO benefit_instances (id, benefit_type_id, status, redemption_code, issued_at, expires_at)
			VALUES (?, ?, 'available', ?, ?, ?)
		`, bi.ID, bi.TypeID, bi.RedemptionCode, formatTime(bi.IssuedAt), nullTimePtr(bi.ExpiresAt))
		if isForeignKeyViolation(err) {
			return loyalty.ErrBenefitTypeNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: benefit instance %s already exists", loyalty.ErrInvalidInput, bi.ID)
		}
		if err != nil {
			return classify("issue benefit", err)
		}
	}
	return nil
}

func (ts *txStore) ActiveHold(ctx context.Context, member loyalty.MemberID, typeID loyalty.BenefitTypeID) (*loyalty.BenefitInstance, error) {
	list, err := queryInstances(ctx, ts.q,
		instanceColumns+` WHERE member_id = ? AND benefit_type_id = ? AND status = 'assigned' LIMIT 1`,
		member, typeID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ClaimBenefit is the single conditional write that hands out an instance.
// The subquery and the update run as one statement, so two claims can never
// both see the same available row.
func (ts *txStore) ClaimBenefit(ctx context.Context, claim loyalty.BenefitClaim) (loyalty.BenefitInstance, error) {
	row := ts.q.QueryRowContext(ctx, `
		UPDATE benefit_instances
		SET status = 'assigned', member_id = ?, exclusive = ?, assigned_at = ?, assigned_by = ?, note = ?
		WHERE id = (
			SELECT id FROM benefit_instances
			WHERE benefit_type_id = ? AND status = 'available'
			ORDER BY rowid
			LIMIT 1
		)
		RETURNING `+instanceFields,
		claim.MemberID, claim.Exclusive, formatTime(claim.At), nullString(claim.AssignedBy), nullString(claim.Note),
		claim.TypeID,
	)
	bi, err := scanInstance(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return loyalty.BenefitInstance{}, loyalty.ErrNoBenefitAvailable
	case isUniqueViolation(err):
		return loyalty.BenefitInstance{}, &loyalty.AlreadyAssignedError{MemberID: claim.MemberID, TypeID: claim.TypeID}
	case err != nil:
		return loyalty.BenefitInstance{}, classify("claim benefit", err)
	}
	return bi, nil
}

func (ts *txStore) LoadBenefit(ctx context.Context, id loyalty.BenefitInstanceID) (loyalty.BenefitInstance, error) {
	bi, err := scanInstance(ts.q.QueryRowContext(ctx, instanceColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.BenefitInstance{}, loyalty.ErrBenefitNotFound
	}
	if err != nil {
		return loyalty.BenefitInstance{}, classify("load benefit", err)
	}
	return bi, nil
}

func (ts *txStore) TransitionBenefit(ctx context.Context, id loyalty.BenefitInstanceID, from, to loyalty.BenefitStatus, at time.Time) error {
	var terminalAt sql.NullString
	if to.IsTerminal() {
		terminalAt = nullTime(at)
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE benefit_instances SET status = ?, terminal_at = COALESCE(?, terminal_at)
		WHERE id = ? AND status = ?
	`, to, terminalAt, id, from)
	if err != nil {
		return classify("transition benefit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := ts.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM benefit_instances WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return classify("transition benefit", err)
		}
		if exists == 0 {
			return loyalty.ErrBenefitNotFound
		}
		return loyalty.ErrInvalidTransition
	}
	return nil
}

// =============================================================================
// READS - Outside any transaction, last committed state
// =============================================================================

func (s *Store) Member(ctx context.Context, id loyalty.MemberID) (loyalty.Member, error) {
	if s.closed.Load() {
		return loyalty.Member{}, loyalty.ErrStoreUnavailable
	}
	return loadMember(ctx, s.db, id)
}

func (s *Store) Events(ctx context.Context, id loyalty.MemberID, page loyalty.EventPage) ([]loyalty.LedgerEvent, error) {
	if s.closed.Load() {
		return nil, loyalty.ErrStoreUnavailable
	}
	page = page.Normalize()
	return queryEvents(ctx, s.db,
		eventColumns+` WHERE member_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
		id, page.Limit, page.Offset)
}

func (s *Store) MemberIDs(ctx context.Context) ([]loyalty.MemberID, error) {
	if s.closed.Load() {
		return nil, loyalty.ErrStoreUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM members ORDER BY id`)
	if err != nil {
		return nil, classify("list members", err)
	}
	defer rows.Close()

	var ids []loyalty.MemberID
	for rows.Next() {
		var id loyalty.MemberID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) BenefitType(ctx context.Context, id loyalty.BenefitTypeID) (loyalty.BenefitType, error) {
	if s.closed.Load() {
		return loyalty.BenefitType{}, loyalty.ErrStoreUnavailable
	}
	return loadBenefitType(ctx, s.db, id)
}

func (s *Store) BenefitTypes(ctx context.Context) ([]loyalty.BenefitType, error) {
	if s.closed.Load() {
		return nil, loyalty.ErrStoreUnavailable
	}
	rows, err := s.db.QueryContext(ctx, benefitTypeColumns+` ORDER BY id`)
	if err != nil {
		return nil, classify("list benefit types", err)
	}
	defer rows.Close()

	var out []loyalty.BenefitType
	for rows.Next() {
		bt, err := scanBenefitType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bt)
	}
	return out, rows.Err()
}

func (s *Store) BenefitInstances(ctx context.Context, filter loyalty.BenefitFilter) ([]loyalty.BenefitInstance, error) {
	if s.closed.Load() {
		return nil, loyalty.ErrStoreUnavailable
	}

	var (
		where []string
		args  []any
	)
	if filter.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.TypeID != "" {
		where = append(where, "benefit_type_id = ?")
		args = append(args, filter.TypeID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := instanceColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"
	return queryInstances(ctx, s.db, query, args...)
}

func (s *Store) Supply(ctx context.Context, id loyalty.BenefitTypeID) (int, error) {
	if s.closed.Load() {
		return 0, loyalty.ErrStoreUnavailable
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM benefit_instances WHERE benefit_type_id = ? AND status = 'available'`, id,
	).Scan(&n)
	if err != nil {
		return 0, classify("count supply", err)
	}
	return n, nil
}

// Ping reports ErrStoreUnavailable when the database cannot be reached.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return loyalty.ErrStoreUnavailable
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", loyalty.ErrStoreUnavailable, err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func loadMember(ctx context.Context, q querier, id loyalty.MemberID) (loyalty.Member, error) {
	var (
		m               loyalty.Member
		tierUpdatedAt   string
		pointsUpdatedAt sql.NullString
		createdAt       string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, points, nights, tier_id, tier_updated_at, points_updated_at, retired, created_at
		FROM members WHERE id = ?
	`, id).Scan(&m.ID, &m.Points, &m.Nights, &m.TierID, &tierUpdatedAt, &pointsUpdatedAt, &m.Retired, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Member{}, loyalty.ErrMemberNotFound
	}
	if err != nil {
		return loyalty.Member{}, classify("load member", err)
	}
	m.TierUpdatedAt = parseTime(tierUpdatedAt)
	m.PointsUpdatedAt = parseTime(pointsUpdatedAt.String)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

const eventColumns = `
	SELECT id, member_id, kind, nights_delta, points_delta, external_ref, prior_tier, new_tier,
	       nights_after, points_after, tier_after, tier_changed, source, reason, created_at
	FROM ledger_events`

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]loyalty.LedgerEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query events", err)
	}
	defer rows.Close()

	var events []loyalty.LedgerEvent
	for rows.Next() {
		var (
			e                   loyalty.LedgerEvent
			ref, prior, newTier sql.NullString
			source, reason      sql.NullString
			createdAt           string
		)
		if err := rows.Scan(
			&e.ID, &e.MemberID, &e.Kind, &e.NightsDelta, &e.PointsDelta, &ref, &prior, &newTier,
			&e.NightsAfter, &e.PointsAfter, &e.TierAfter, &e.TierChanged, &source, &reason, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ExternalRef = ref.String
		e.PriorTier = loyalty.TierID(prior.String)
		e.NewTier = loyalty.TierID(newTier.String)
		e.Source = source.String
		e.Reason = reason.String
		e.At = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

const benefitTypeColumns = `SELECT id, name, allow_multiple, eligible_tiers_json, created_at FROM benefit_types`

type scanner interface {
	Scan(dest ...any) error
}

func scanBenefitType(row scanner) (loyalty.BenefitType, error) {
	var (
		bt        loyalty.BenefitType
		tiersJSON sql.NullString
		createdAt string
	)
	if err := row.Scan(&bt.ID, &bt.Name, &bt.AllowMultiple, &tiersJSON, &createdAt); err != nil {
		return bt, err
	}
	if tiersJSON.Valid && tiersJSON.String != "" {
		if err := json.Unmarshal([]byte(tiersJSON.String), &bt.EligibleTiers); err != nil {
			return bt, fmt.Errorf("decode eligible tiers of %s: %w", bt.ID, err)
		}
	}
	bt.CreatedAt = parseTime(createdAt)
	return bt, nil
}

func loadBenefitType(ctx context.Context, q querier, id loyalty.BenefitTypeID) (loyalty.BenefitType, error) {
	bt, err := scanBenefitType(q.QueryRowContext(ctx, benefitTypeColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.BenefitType{}, loyalty.ErrBenefitTypeNotFound
	}
	if err != nil {
		return loyalty.BenefitType{}, classify("load benefit type", err)
	}
	return bt, nil
}

const instanceFields = `id, benefit_type_id, member_id, status, redemption_code,
	issued_at, assigned_at, assigned_by, note, expires_at, terminal_at`

const instanceColumns = `SELECT ` + instanceFields + ` FROM benefit_instances`

func scanInstance(row scanner) (loyalty.BenefitInstance, error) {
	var (
		bi                                loyalty.BenefitInstance
		member, assignedBy, note          sql.NullString
		issuedAt                          string
		assignedAt, expiresAt, terminalAt sql.NullString
	)
	err := row.Scan(&bi.ID, &bi.TypeID, &member, &bi.Status, &bi.RedemptionCode,
		&issuedAt, &assignedAt, &assignedBy, &note, &expiresAt, &terminalAt)
	if err != nil {
		return bi, err
	}
	bi.MemberID = loyalty.MemberID(member.String)
	bi.AssignedBy = assignedBy.String
	bi.Note = note.String
	bi.IssuedAt = parseTime(issuedAt)
	bi.AssignedAt = parseTimePtr(assignedAt)
	bi.ExpiresAt = parseTimePtr(expiresAt)
	bi.TerminalAt = parseTimePtr(terminalAt)
	return bi, nil
}

func queryInstances(ctx context.Context, q querier, query string, args ...any) ([]loyalty.BenefitInstance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query benefit instances", err)
	}
	defer rows.Close()

	var out []loyalty.BenefitInstance
	for rows.Next() {
		bi, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan benefit instance: %w", err)
		}
		out = append(out, bi)
	}
	return out, rows.Err()
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// classify maps driver errors onto the loyalty error contract.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %v", op, loyalty.ErrTransientConflict, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func constraintCode(err error) sqlite3.ErrNoExtended {
	var se sqlite3.Error
	if err == nil || !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return 0
	}
	return se.ExtendedCode
}

func isUniqueViolation(err error) bool {
	c := constraintCode(err)
	return c == sqlite3.ErrConstraintUnique || c == sqlite3.ErrConstraintPrimaryKey
}

func isCheckViolation(err error) bool {
	return constraintCode(err) == sqlite3.ErrConstraintCheck
}

func isForeignKeyViolation(err error) bool {
	return constraintCode(err) == sqlite3.ErrConstraintForeignKey
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
