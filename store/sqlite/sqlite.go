/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store (ledger records), generic.MemberDirectory and
  generic.PlanRegistry using SQLite via mattn/go-sqlite3.

KEY TABLES:
  members:        Member directory (normalized national id is UNIQUE)
  plans:          Plan definitions
  ledger_records: One row per (member, plan, slot)

INDEXES:
  - idx_ledger_unique_month:       UNIQUE (member, plan, year, month) for monthly slots
  - idx_ledger_unique_installment: UNIQUE (member, plan, installment) for ordinal slots
  - idx_members_national_id_norm:  UNIQUE normalized national id

  The two partial UNIQUE indexes are the only guard against two writers
  recording the same slot concurrently. A violation is reported as a
  *generic.DuplicateSlotError, never as a store failure.

TAGGED UNION:
  A CHECK constraint on ledger_records requires slot_kind to agree with
  exactly one populated address (year+month, or installment_number).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store, generic.SystemClock{})

MIGRATION:
  Schema is versioned under migrations/ and applied on New() with
  golang-migrate.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/generic"
)

// timeLayout keeps a fixed fraction width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reset removes every row. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_records", "plans", "members"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return &generic.StoreError{Op: "reset " + table, Err: err}
		}
	}
	return nil
}

// =============================================================================
// LEDGER RECORDS (generic.Store interface)
// =============================================================================

const recordColumns = `id, member_id, plan_id, slot_kind, slot_year, slot_month, installment_number,
	amount_charged, currency, status, evidence_ref, note, created_by, reviewed_by, created_at, updated_at`

// Insert adds a record. Slot collisions come back as *generic.DuplicateSlotError.
func (s *Store) Insert(ctx context.Context, rec generic.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	year, month, number := slotColumns(rec.Slot)
	amount, currency := amountColumns(rec.AmountCharged)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MemberID, rec.PlanID, string(rec.Slot.Kind()), year, month, number,
		amount, currency, string(rec.Status), string(rec.Evidence), rec.Note,
		rec.CreatedBy, rec.ReviewedBy, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isSlotUniquenessError(err) {
			return s.duplicateSlot(ctx, rec)
		}
		return &generic.StoreError{Op: "insert record", Err: err}
	}
	return nil
}

// Update rewrites the mutable fields and the slot of a record.
func (s *Store) Update(ctx context.Context, rec generic.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	year, month, number := slotColumns(rec.Slot)
	amount, currency := amountColumns(rec.AmountCharged)

	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_records
		SET slot_kind = ?, slot_year = ?, slot_month = ?, installment_number = ?,
		    amount_charged = ?, currency = ?, status = ?, evidence_ref = ?, note = ?,
		    reviewed_by = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Slot.Kind()), year, month, number,
		amount, currency, string(rec.Status), string(rec.Evidence), rec.Note,
		rec.ReviewedBy, formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		if isSlotUniquenessError(err) {
			return s.duplicateSlot(ctx, rec)
		}
		return &generic.StoreError{Op: "update record", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Entity: "record", ID: string(rec.ID)}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id generic.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM ledger_records WHERE id = ?", id)
	if err != nil {
		return &generic.StoreError{Op: "delete record", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Entity: "record", ID: string(id)}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id generic.RecordID) (generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryRecords(ctx, "SELECT "+recordColumns+" FROM ledger_records WHERE id = ?", id)
	if err != nil {
		return generic.Record{}, err
	}
	if len(recs) == 0 {
		return generic.Record{}, &generic.NotFoundError{Entity: "record", ID: string(id)}
	}
	return recs[0], nil
}

// Load returns all records for member+plan ordered by slot.
func (s *Store) Load(ctx context.Context, memberID generic.MemberID, planID generic.PlanID) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadLocked(ctx, memberID, planID)
}

func (s *Store) loadLocked(ctx context.Context, memberID generic.MemberID, planID generic.PlanID) ([]generic.Record, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM ledger_records
		WHERE member_id = ? AND plan_id = ?
		ORDER BY slot_kind ASC, slot_year ASC, slot_month ASC, installment_number ASC`,
		memberID, planID)
}

func (s *Store) FindSlots(ctx context.Context, memberID generic.MemberID, planID generic.PlanID, slots []generic.Slot) (map[string]generic.RecordID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findSlotsLocked(ctx, memberID, planID, slots)
}

func (s *Store) findSlotsLocked(ctx context.Context, memberID generic.MemberID, planID generic.PlanID, slots []generic.Slot) (map[string]generic.RecordID, error) {
	found := make(map[string]generic.RecordID)
	if len(slots) == 0 {
		return found, nil
	}
	existing, err := s.loadLocked(ctx, memberID, planID)
	if err != nil {
		return nil, err
	}
	for _, want := range slots {
		for _, rec := range existing {
			if generic.SameSlot(rec.Slot, want) {
				found[want.Key()] = rec.ID
				break
			}
		}
	}
	return found, nil
}

// Query returns records matching the filter ordered by creation time.
func (s *Store) Query(ctx context.Context, filter generic.RecordFilter) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.MemberID != nil {
		where = append(where, "member_id = ?")
		args = append(args, *filter.MemberID)
	}
	if filter.PlanID != nil {
		where = append(where, "plan_id = ?")
		args = append(args, *filter.PlanID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Year != nil {
		// ordinal records are bucketed by creation year
		where = append(where, "((slot_kind = 'monthly' AND slot_year = ?) OR (slot_kind = 'ordinal' AND substr(created_at, 1, 4) = ?))")
		args = append(args, *filter.Year, fmt.Sprintf("%04d", *filter.Year))
	}

	query := "SELECT " + recordColumns + " FROM ledger_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	recs, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if filter.Month == nil {
		return recs, nil
	}
	result := recs[:0]
	for _, rec := range recs {
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]generic.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &generic.StoreError{Op: "query records", Err: err}
	}
	defer rows.Close()

	var records []generic.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &generic.StoreError{Op: "scan record", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &generic.StoreError{Op: "query records", Err: err}
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (generic.Record, error) {
	var (
		rec       generic.Record
		kind      string
		year      sql.NullInt64
		month     sql.NullInt64
		number    sql.NullInt64
		amount    sql.NullString
		currency  sql.NullString
		status    string
		evidence  string
		createdAt string
		updatedAt string
	)

	err := rows.Scan(
		&rec.ID, &rec.MemberID, &rec.PlanID, &kind, &year, &month, &number,
		&amount, &currency, &status, &evidence, &rec.Note, &rec.CreatedBy, &rec.ReviewedBy,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	switch generic.SlotKind(kind) {
	case generic.SlotMonthly:
		rec.Slot = generic.MonthlySlot{Year: int(year.Int64), Month: time.Month(month.Int64)}
	case generic.SlotOrdinal:
		rec.Slot = generic.OrdinalSlot{Number: int(number.Int64)}
	default:
		return rec, fmt.Errorf("unknown slot kind %q", kind)
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return rec, fmt.Errorf("bad amount %q: %w", amount.String, err)
		}
		rec.AmountCharged = &generic.Amount{Value: d, Currency: generic.Currency(currency.String)}
	}
	rec.Status = generic.Status(status)
	rec.Evidence = generic.EvidenceRef(evidence)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// duplicateSlot builds the error for a lost uniqueness race, looking up the
// record that won. Caller holds s.mu.
func (s *Store) duplicateSlot(ctx context.Context, rec generic.Record) error {
	dup := &generic.DuplicateSlotError{MemberID: rec.MemberID, PlanID: rec.PlanID, Slot: rec.Slot}
	if found, err := s.findSlotsLocked(ctx, rec.MemberID, rec.PlanID, []generic.Slot{rec.Slot}); err == nil {
		dup.ExistingID = found[rec.Slot.Key()]
	}
	return dup
}

// =============================================================================
// MEMBER DIRECTORY (generic.MemberDirectory interface)
// =============================================================================

const memberColumns = `id, national_id, name, email, enrollment_date, active, created_at`

func (s *Store) CreateMember(ctx context.Context, m generic.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enrollment sql.NullString
	if m.EnrollmentDate != nil {
		enrollment = nullString(m.EnrollmentDate.Format("2006-01-02"))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, national_id, national_id_norm, name, email, enrollment_date, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.NationalID, m.NormalizedNationalID(), m.Name, m.Email, enrollment, m.Active, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isNationalIDUniquenessError(err) {
			return fmt.Errorf("member %s: %w", m.NationalID, generic.ErrDuplicateNationalID)
		}
		return &generic.StoreError{Op: "create member", Err: err}
	}
	return nil
}

func (s *Store) UpdateMember(ctx context.Context, m generic.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enrollment sql.NullString
	if m.EnrollmentDate != nil {
		enrollment = nullString(m.EnrollmentDate.Format("2006-01-02"))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET national_id = ?, national_id_norm = ?, name = ?, email = ?, enrollment_date = ?, active = ?
		WHERE id = ?`,
		m.NationalID, m.NormalizedNationalID(), m.Name, m.Email, enrollment, m.Active, m.ID,
	)
	if err != nil {
		if isNationalIDUniquenessError(err) {
			return fmt.Errorf("member %s: %w", m.NationalID, generic.ErrDuplicateNationalID)
		}
		return &generic.StoreError{Op: "update member", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Entity: "member", ID: string(m.ID)}
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, err := s.queryMembers(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id)
	if err != nil {
		return generic.Member{}, err
	}
	if len(members) == 0 {
		return generic.Member{}, &generic.NotFoundError{Entity: "member", ID: string(id)}
	}
	return members[0], nil
}

func (s *Store) FindMemberByNationalID(ctx context.Context, nationalID string) (generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, err := s.queryMembers(ctx, "SELECT "+memberColumns+" FROM members WHERE national_id_norm = ?",
		generic.NormalizeNationalID(nationalID))
	if err != nil {
		return generic.Member{}, err
	}
	if len(members) == 0 {
		return generic.Member{}, &generic.NotFoundError{Entity: "member", ID: nationalID}
	}
	return members[0], nil
}

// ListMembers searches by name, email or normalized national id substring.
func (s *Store) ListMembers(ctx context.Context, filter generic.MemberFilter) ([]generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + memberColumns + " FROM members WHERE 1 = 1"
	var args []any
	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		norm := generic.NormalizeNationalID(search)
		query += " AND (lower(name) LIKE ? OR lower(email) LIKE ?"
		args = append(args, like, like)
		if norm != "" {
			query += " OR national_id_norm LIKE ?"
			args = append(args, "%"+norm+"%")
		}
		query += ")"
	}
	query += " ORDER BY lower(name) ASC"

	return s.queryMembers(ctx, query, args...)
}

func (s *Store) queryMembers(ctx context.Context, query string, args ...any) ([]generic.Member, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &generic.StoreError{Op: "query members", Err: err}
	}
	defer rows.Close()

	var members []generic.Member
	for rows.Next() {
		var (
			m          generic.Member
			enrollment sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&m.ID, &m.NationalID, &m.Name, &m.Email, &enrollment, &m.Active, &createdAt); err != nil {
			return nil, &generic.StoreError{Op: "scan member", Err: err}
		}
		if enrollment.Valid {
			if t, err := time.Parse("2006-01-02", enrollment.String); err == nil {
				m.EnrollmentDate = &t
			}
		}
		m.CreatedAt = parseTime(createdAt)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &generic.StoreError{Op: "query members", Err: err}
	}
	return members, nil
}

// =============================================================================
// PLAN REGISTRY (generic.PlanRegistry interface)
// =============================================================================

const planColumns = `id, concept, display_name, unit_amount, currency, installment_count, active, created_at, updated_at`

func (s *Store) CreatePlan(ctx context.Context, p generic.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Concept, p.DisplayName, p.UnitAmount.Value.String(), string(p.UnitAmount.Currency),
		p.InstallmentCount, p.Active, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return &generic.StoreError{Op: "create plan", Err: err}
	}
	return nil
}

func (s *Store) UpdatePlan(ctx context.Context, p generic.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE plans
		SET concept = ?, display_name = ?, unit_amount = ?, currency = ?,
		    installment_count = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		p.Concept, p.DisplayName, p.UnitAmount.Value.String(), string(p.UnitAmount.Currency),
		p.InstallmentCount, p.Active, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return &generic.StoreError{Op: "update plan", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Entity: "plan", ID: string(p.ID)}
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id generic.PlanID) (generic.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans, err := s.queryPlans(ctx, "SELECT "+planColumns+" FROM plans WHERE id = ?", id)
	if err != nil {
		return generic.Plan{}, err
	}
	if len(plans) == 0 {
		return generic.Plan{}, &generic.NotFoundError{Entity: "plan", ID: string(id)}
	}
	return plans[0], nil
}

func (s *Store) ListPlans(ctx context.Context, activeOnly bool) ([]generic.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + planColumns + " FROM plans"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryPlans(ctx, query)
}

func (s *Store) queryPlans(ctx context.Context, query string, args ...any) ([]generic.Plan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &generic.StoreError{Op: "query plans", Err: err}
	}
	defer rows.Close()

	var plans []generic.Plan
	for rows.Next() {
		var (
			p                    generic.Plan
			amount, currency     string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Concept, &p.DisplayName, &amount, &currency,
			&p.InstallmentCount, &p.Active, &createdAt, &updatedAt); err != nil {
			return nil, &generic.StoreError{Op: "scan plan", Err: err}
		}
		p.UnitAmount = generic.Amount{Value: generic.MustParseDecimal(amount), Currency: generic.Currency(currency)}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &generic.StoreError{Op: "query plans", Err: err}
	}
	return plans, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func slotColumns(slot generic.Slot) (year, month, number sql.NullInt64) {
	switch s := slot.(type) {
	case generic.MonthlySlot:
		year = sql.NullInt64{Int64: int64(s.Year), Valid: true}
		month = sql.NullInt64{Int64: int64(s.Month), Valid: true}
	case generic.OrdinalSlot:
		number = sql.NullInt64{Int64: int64(s.Number), Valid: true}
	}
	return year, month, number
}

func amountColumns(a *generic.Amount) (value, currency sql.NullString) {
	if a == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(a.Value.String()), nullString(string(a.Currency))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSlotUniquenessError matches the two partial slot indexes, not the primary key.
func isSlotUniquenessError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "ledger_records.member_id")
}

func isNationalIDUniquenessError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "members.national_id_norm")
}

var (
	_ generic.Store           = (*Store)(nil)
	_ generic.MemberDirectory = (*Store)(nil)
	_ generic.PlanRegistry    = (*Store)(nil)
)
