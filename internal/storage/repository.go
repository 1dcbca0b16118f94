// Package storage persists users, debt sources, monthly records and settings
// in SQLite. Every query is scoped to one owner; nothing here ever crosses
// user boundaries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"debttrack/internal/core"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateUser  = errors.New("username already taken")
	ErrDuplicateMonth = errors.New("record for this month already exists")
)

// User is an account that owns debt sources, records and settings.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// DefaultFlatPricePerM2 seeds settings on first access.
const DefaultFlatPricePerM2 = 10000

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// The pragma goes in the DSN: SQLite pragmas are per-connection, and a
	// one-shot Exec would only reach whichever pooled connection served it.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Timestamps round-trip as RFC 3339 text so they stay readable in the file
// and independent of driver-specific time handling.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- users ---

func (r *SQLiteRepository) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, fmtTime(u.CreatedAt))
	if err != nil {
		if isUniqueConstraint(err) {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}

	slog.InfoContext(ctx, "User created", "user_id", u.ID, "username", u.Username)
	return u, nil
}

func (r *SQLiteRepository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	var created string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// --- debt sources ---

func (r *SQLiteRepository) CreateDebtSource(ctx context.Context, ds core.DebtSource) (core.DebtSource, error) {
	ds.ID = uuid.NewString()
	now := time.Now().UTC()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO debt_sources
		 (id, user_id, name, type, initial_amount, interest_rate, min_monthly_payment,
		  can_overpay, account_limit, is_active, color, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.UserID, ds.Name, string(ds.Type), ds.InitialAmount, ds.InterestRate,
		ds.MinMonthlyPayment, ds.CanOverpay, ds.AccountLimit, ds.IsActive,
		ds.Color, ds.Notes, fmtTime(ds.CreatedAt), fmtTime(ds.UpdatedAt))
	if err != nil {
		return core.DebtSource{}, fmt.Errorf("create debt source: %w", err)
	}

	slog.InfoContext(ctx, "Debt source created",
		"debt_source_id", ds.ID,
		"user_id", ds.UserID,
		"type", ds.Type,
		"initial_amount", ds.InitialAmount)
	return ds, nil
}

func scanDebtSource(scan func(...any) error) (core.DebtSource, error) {
	var ds core.DebtSource
	var typ, created, updated string
	err := scan(&ds.ID, &ds.UserID, &ds.Name, &typ, &ds.InitialAmount, &ds.InterestRate,
		&ds.MinMonthlyPayment, &ds.CanOverpay, &ds.AccountLimit, &ds.IsActive,
		&ds.Color, &ds.Notes, &created, &updated)
	if err != nil {
		return core.DebtSource{}, err
	}
	ds.Type = core.DebtType(typ)
	ds.CreatedAt = parseTime(created)
	ds.UpdatedAt = parseTime(updated)
	return ds, nil
}

const debtSourceColumns = `id, user_id, name, type, initial_amount, interest_rate,
	min_monthly_payment, can_overpay, account_limit, is_active, color, notes,
	created_at, updated_at`

// ListDebtSources returns every debt source of the user, archived ones
// included. The replay engine needs archived sources to keep resolving old
// record references; presentation decides what to hide.
func (r *SQLiteRepository) ListDebtSources(ctx context.Context, userID string) ([]core.DebtSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+debtSourceColumns+` FROM debt_sources WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list debt sources: %w", err)
	}
	defer rows.Close()

	var sources []core.DebtSource
	for rows.Next() {
		ds, err := scanDebtSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan debt source: %w", err)
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

func (r *SQLiteRepository) GetDebtSource(ctx context.Context, userID, id string) (core.DebtSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+debtSourceColumns+` FROM debt_sources WHERE id = ? AND user_id = ?`,
		id, userID)
	ds, err := scanDebtSource(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DebtSource{}, ErrNotFound
	}
	if err != nil {
		return core.DebtSource{}, fmt.Errorf("get debt source: %w", err)
	}
	return ds, nil
}

// UpdateDebtSource replaces every mutable field of the source.
func (r *SQLiteRepository) UpdateDebtSource(ctx context.Context, ds core.DebtSource) (core.DebtSource, error) {
	ds.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE debt_sources SET
		   name = ?, type = ?, initial_amount = ?, interest_rate = ?,
		   min_monthly_payment = ?, can_overpay = ?, account_limit = ?,
		   is_active = ?, color = ?, notes = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		ds.Name, string(ds.Type), ds.InitialAmount, ds.InterestRate,
		ds.MinMonthlyPayment, ds.CanOverpay, ds.AccountLimit,
		ds.IsActive, ds.Color, ds.Notes, fmtTime(ds.UpdatedAt),
		ds.ID, ds.UserID)
	if err != nil {
		return core.DebtSource{}, fmt.Errorf("update debt source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.DebtSource{}, ErrNotFound
	}
	return r.GetDebtSource(ctx, ds.UserID, ds.ID)
}

// ArchiveDebtSource soft-deletes a source. Records referencing it stay valid
// and its balance keeps folding into totals.
func (r *SQLiteRepository) ArchiveDebtSource(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE debt_sources SET is_active = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		fmtTime(time.Now().UTC()), id, userID)
	if err != nil {
		return fmt.Errorf("archive debt source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	slog.InfoContext(ctx, "Debt source archived", "debt_source_id", id, "user_id", userID)
	return nil
}

// --- records ---

// CreateRecord inserts a monthly record and its debt entries in one
// transaction. The UNIQUE (user_id, month) constraint is the atomic guard
// against two concurrent inserts for the same month.
func (r *SQLiteRepository) CreateRecord(ctx context.Context, rec core.Record) (core.Record, error) {
	rec.ID = uuid.NewString()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, user_id, month, assets, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.Month), rec.Assets, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueConstraint(err) {
			return core.Record{}, ErrDuplicateMonth
		}
		return core.Record{}, fmt.Errorf("insert record: %w", err)
	}

	if err := insertRecordDebts(ctx, tx, rec.ID, rec.Debts); err != nil {
		return core.Record{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.Record{}, fmt.Errorf("commit record: %w", err)
	}

	slog.InfoContext(ctx, "Record created",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"month", rec.Month,
		"debt_entries", len(rec.Debts))
	return rec, nil
}

func insertRecordDebts(ctx context.Context, tx *sql.Tx, recordID string, debts []core.DebtEntry) error {
	for i, d := range debts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO record_debts (record_id, position, debt_source_id, payment)
			 VALUES (?, ?, ?, ?)`,
			recordID, i, d.DebtSourceID, d.Payment)
		if err != nil {
			return fmt.Errorf("insert record debt entry: %w", err)
		}
	}
	return nil
}

// ListRecords returns the user's records newest-first with their debt
// entries attached.
func (r *SQLiteRepository) ListRecords(ctx context.Context, userID string) ([]core.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, month, assets, created_at, updated_at
		 FROM records WHERE user_id = ? ORDER BY month DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []core.Record
	byID := make(map[string]int)
	for rows.Next() {
		var rec core.Record
		var month, created, updated string
		if err := rows.Scan(&rec.ID, &rec.UserID, &month, &rec.Assets, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Month = core.Month(month)
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(updated)
		byID[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	debtRows, err := r.db.QueryContext(ctx,
		`SELECT rd.record_id, rd.debt_source_id, rd.payment
		 FROM record_debts rd
		 JOIN records rec ON rec.id = rd.record_id
		 WHERE rec.user_id = ?
		 ORDER BY rd.record_id, rd.position`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list record debts: %w", err)
	}
	defer debtRows.Close()

	for debtRows.Next() {
		var recordID string
		var entry core.DebtEntry
		if err := debtRows.Scan(&recordID, &entry.DebtSourceID, &entry.Payment); err != nil {
			return nil, fmt.Errorf("scan record debt entry: %w", err)
		}
		if idx, ok := byID[recordID]; ok {
			records[idx].Debts = append(records[idx].Debts, entry)
		}
	}
	return records, debtRows.Err()
}

func (r *SQLiteRepository) GetRecord(ctx context.Context, userID, id string) (core.Record, error) {
	var rec core.Record
	var month, created, updated string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, month, assets, created_at, updated_at
		 FROM records WHERE id = ? AND user_id = ?`,
		id, userID).Scan(&rec.ID, &rec.UserID, &month, &rec.Assets, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, ErrNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("get record: %w", err)
	}
	rec.Month = core.Month(month)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)

	rows, err := r.db.QueryContext(ctx,
		`SELECT debt_source_id, payment FROM record_debts WHERE record_id = ? ORDER BY position`,
		rec.ID)
	if err != nil {
		return core.Record{}, fmt.Errorf("get record debts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry core.DebtEntry
		if err := rows.Scan(&entry.DebtSourceID, &entry.Payment); err != nil {
			return core.Record{}, fmt.Errorf("scan record debt entry: %w", err)
		}
		rec.Debts = append(rec.Debts, entry)
	}
	return rec, rows.Err()
}

// UpdateRecord replaces a record's month, assets and debt entries.
func (r *SQLiteRepository) UpdateRecord(ctx context.Context, rec core.Record) (core.Record, error) {
	rec.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET month = ?, assets = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		string(rec.Month), rec.Assets, fmtTime(rec.UpdatedAt), rec.ID, rec.UserID)
	if err != nil {
		if isUniqueConstraint(err) {
			return core.Record{}, ErrDuplicateMonth
		}
		return core.Record{}, fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Record{}, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_debts WHERE record_id = ?`, rec.ID); err != nil {
		return core.Record{}, fmt.Errorf("clear record debts: %w", err)
	}
	if err := insertRecordDebts(ctx, tx, rec.ID, rec.Debts); err != nil {
		return core.Record{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.Record{}, fmt.Errorf("commit record update: %w", err)
	}
	return r.GetRecord(ctx, rec.UserID, rec.ID)
}

// DeleteRecord removes a record for good. Unlike debt sources this is a hard
// delete: derived totals are recomputed from scratch on every read, so no
// stored state depends on the row. Debt entries are removed in the same
// transaction rather than left to the cascade.
func (r *SQLiteRepository) DeleteRecord(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_debts WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete record debts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record delete: %w", err)
	}

	slog.InfoContext(ctx, "Record deleted", "record_id", id, "user_id", userID)
	return nil
}

// --- settings ---

// GetOrCreateSettings returns the user's settings, creating the default row
// on first access.
func (r *SQLiteRepository) GetOrCreateSettings(ctx context.Context, userID string) (core.Settings, error) {
	var s core.Settings
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, flat_price_per_m2 FROM settings WHERE user_id = ?`,
		userID).Scan(&s.UserID, &s.FlatPricePerM2)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Settings{}, fmt.Errorf("get settings: %w", err)
	}

	s = core.Settings{UserID: userID, FlatPricePerM2: DefaultFlatPricePerM2}
	now := fmtTime(time.Now().UTC())
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, flat_price_per_m2, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		s.UserID, s.FlatPricePerM2, now, now)
	if err != nil {
		return core.Settings{}, fmt.Errorf("create default settings: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) UpsertSettings(ctx context.Context, s core.Settings) (core.Settings, error) {
	now := fmtTime(time.Now().UTC())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, flat_price_per_m2, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET flat_price_per_m2 = excluded.flat_price_per_m2, updated_at = excluded.updated_at`,
		s.UserID, s.FlatPricePerM2, now, now)
	if err != nil {
		return core.Settings{}, fmt.Errorf("upsert settings: %w", err)
	}
	return s, nil
}
