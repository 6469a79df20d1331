package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// Store is the backing store for the members and admins tables.
// Get methods return ErrNotFound when the row does not exist; every other
// failure wraps ErrBackingStore.
type Store interface {
	GetAdmin(ctx context.Context, userID string) (*AdminRecord, error)
	GetMember(ctx context.Context, userID string) (*MemberRecord, error)
	InsertAdmin(ctx context.Context, admin *AdminRecord) error
	DeleteAdmin(ctx context.Context, userID string) error
	InsertMember(ctx context.Context, member *MemberRecord) error
	DeleteMember(ctx context.Context, userID string) error
	UpdateAdminPermissions(ctx context.Context, userID string, perms AdminPermissions) error
	ListAdmins(ctx context.Context) ([]*AdminRecord, error)
	ListMembers(ctx context.Context) ([]*MemberRecord, error)
	// FindOverlaps lists identifiers present in both tables
	FindOverlaps(ctx context.Context) ([]Overlap, error)
}

// Transactor is implemented by stores that can run several mutations atomically
type Transactor interface {
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements Store and Transactor on Postgres
type PostgresStore struct {
	db      *sql.DB
	q       querier
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPostgresStore creates a store. metrics may be nil.
func NewPostgresStore(db *sql.DB, metrics *observability.Metrics) *PostgresStore {
	return &PostgresStore{db: db, q: db, metrics: metrics, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackingStore, err)
}

func (s *PostgresStore) observe(table, op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreOperationsTotal.WithLabelValues(table, op).Inc()
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.metrics.StoreErrorsTotal.WithLabelValues(table, op).Inc()
	}
}

const adminColumns = `id, email, display_name, permissions, is_super_admin, created_by, created_at, updated_at`
const memberColumns = `id, email, display_name, role, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAdmin(row rowScanner) (*AdminRecord, error) {
	var a AdminRecord
	var displayName, createdBy sql.NullString
	if err := row.Scan(&a.ID, &a.Email, &displayName, &a.Permissions, &a.IsSuperAdmin, &createdBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DisplayName = nullableString(displayName)
	a.CreatedBy = nullableString(createdBy)
	return &a, nil
}

func scanMember(row rowScanner) (*MemberRecord, error) {
	var m MemberRecord
	var displayName sql.NullString
	var role string
	if err := row.Scan(&m.ID, &m.Email, &displayName, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.DisplayName = nullableString(displayName)
	m.Role = NormalizeStoredRole(role)
	return &m, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// GetAdmin fetches the admin record for userID
func (s *PostgresStore) GetAdmin(ctx context.Context, userID string) (admin *AdminRecord, err error) {
	defer func() { s.observe("admins", "get", err) }()

	admin, err = scanAdmin(s.q.QueryRowContext(ctx,
		`SELECT `+adminColumns+` FROM admins WHERE id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get admin", err)
	}
	return admin, nil
}

// GetMember fetches the member record for userID
func (s *PostgresStore) GetMember(ctx context.Context, userID string) (member *MemberRecord, err error) {
	defer func() { s.observe("members", "get", err) }()

	member, err = scanMember(s.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get member", err)
	}
	return member, nil
}

// InsertAdmin creates an admin record, stamping its timestamps
func (s *PostgresStore) InsertAdmin(ctx context.Context, admin *AdminRecord) (err error) {
	defer func() { s.observe("admins", "insert", err) }()

	now := s.now().UTC()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO admins (id, email, display_name, permissions, is_super_admin, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		admin.ID, admin.Email, admin.DisplayName, admin.Permissions, admin.IsSuperAdmin, admin.CreatedBy, now, now)
	if err != nil {
		return storeErr("insert admin", err)
	}
	admin.CreatedAt, admin.UpdatedAt = now, now
	return nil
}

// DeleteAdmin removes the admin record; ErrNotFound when nothing was deleted
func (s *PostgresStore) DeleteAdmin(ctx context.Context, userID string) (err error) {
	defer func() { s.observe("admins", "delete", err) }()
	return s.deleteByID(ctx, "delete admin", `DELETE FROM admins WHERE id = $1`, userID)
}

// InsertMember creates a member record, stamping its timestamps
func (s *PostgresStore) InsertMember(ctx context.Context, member *MemberRecord) (err error) {
	defer func() { s.observe("members", "insert", err) }()

	now := s.now().UTC()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO members (id, email, display_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		member.ID, member.Email, member.DisplayName, string(member.Role), now, now)
	if err != nil {
		return storeErr("insert member", err)
	}
	member.CreatedAt, member.UpdatedAt = now, now
	return nil
}

// DeleteMember removes the member record; ErrNotFound when nothing was deleted
func (s *PostgresStore) DeleteMember(ctx context.Context, userID string) (err error) {
	defer func() { s.observe("members", "delete", err) }()
	return s.deleteByID(ctx, "delete member", `DELETE FROM members WHERE id = $1`, userID)
}

func (s *PostgresStore) deleteByID(ctx context.Context, op, query, userID string) error {
	res, err := s.q.ExecContext(ctx, query, userID)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAdminPermissions replaces the permission set of a non-super admin.
// The super flag is re-checked in the WHERE clause.
func (s *PostgresStore) UpdateAdminPermissions(ctx context.Context, userID string, perms AdminPermissions) (err error) {
	defer func() { s.observe("admins", "update", err) }()

	res, err := s.q.ExecContext(ctx, `
		UPDATE admins SET permissions = $2, updated_at = $3
		WHERE id = $1 AND is_super_admin = FALSE`,
		userID, perms, s.now().UTC())
	if err != nil {
		return storeErr("update admin permissions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update admin permissions", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAdmins returns every admin, oldest first
func (s *PostgresStore) ListAdmins(ctx context.Context) (admins []*AdminRecord, err error) {
	defer func() { s.observe("admins", "list", err) }()

	rows, err := s.q.QueryContext(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("list admins", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, storeErr("scan admin", err)
		}
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list admins", err)
	}
	return admins, nil
}

// ListMembers returns every member, oldest first
func (s *PostgresStore) ListMembers(ctx context.Context) (members []*MemberRecord, err error) {
	defer func() { s.observe("members", "list", err) }()

	rows, err := s.q.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("list members", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, storeErr("scan member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list members", err)
	}
	return members, nil
}

// FindOverlaps joins the two tables on id
func (s *PostgresStore) FindOverlaps(ctx context.Context) (overlaps []Overlap, err error) {
	defer func() { s.observe("admins", "overlap", err) }()

	rows, err := s.q.QueryContext(ctx, `
		SELECT a.id, a.email, a.display_name, a.permissions, a.is_super_admin, a.created_by, a.created_at, a.updated_at,
		       m.id, m.email, m.display_name, m.role, m.created_at, m.updated_at
		FROM admins a
		JOIN members m ON m.id = a.id
		ORDER BY a.id`)
	if err != nil {
		return nil, storeErr("find overlaps", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AdminRecord
		var m MemberRecord
		var aName, aCreatedBy, mName sql.NullString
		var role string
		if err := rows.Scan(
			&a.ID, &a.Email, &aName, &a.Permissions, &a.IsSuperAdmin, &aCreatedBy, &a.CreatedAt, &a.UpdatedAt,
			&m.ID, &m.Email, &mName, &role, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, storeErr("scan overlap", err)
		}
		a.DisplayName = nullableString(aName)
		a.CreatedBy = nullableString(aCreatedBy)
		m.DisplayName = nullableString(mName)
		m.Role = NormalizeStoredRole(role)
		overlaps = append(overlaps, Overlap{Admin: &a, Member: &m})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find overlaps", err)
	}
	return overlaps, nil
}

// RunInTx runs fn against a store bound to one transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txStore := &PostgresStore{q: tx, metrics: s.metrics, now: s.now}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, storeErr("rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}
