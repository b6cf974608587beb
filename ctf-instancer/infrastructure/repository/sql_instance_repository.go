package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

const mysqlErrDuplicateEntry = 1062

const instanceColumns = `id, owner_id, challenge_id, state, endpoint_kind, endpoint_host, endpoint_port,
	sandbox_ref, ingress_port, stop_reason, attempts, retry_at, created_at, updated_at, expires_at`

// SQLInstanceRepository stores instances in MySQL or SQLite. Uniqueness of
// live instances is enforced by the schema's unique indexes, so it holds
// across replicas sharing one database.
type SQLInstanceRepository struct {
	db     *sql.DB
	driver string
}

func NewSQLInstanceRepository(db *sql.DB, driver string) *SQLInstanceRepository {
	return &SQLInstanceRepository{
		db:     db,
		driver: driver,
	}
}

func (r *SQLInstanceRepository) Create(ctx context.Context, instance *domain.Instance) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO instances (` + instanceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, instanceArgs(instance)...)
	if err != nil {
		if r.isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	return nil
}

func (r *SQLInstanceRepository) FindByID(ctx context.Context, id string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *SQLInstanceRepository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE owner_id = ? ORDER BY created_at, id`
	return r.query(ctx, query, ownerID)
}

func (r *SQLInstanceRepository) FindByState(ctx context.Context, state domain.State) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE state = ? ORDER BY created_at, id`
	return r.query(ctx, query, string(state))
}

func (r *SQLInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE state = ? AND expires_at <= ? AND retry_at <= ?
		ORDER BY expires_at, id`
	ms := toMillis(now)
	return r.query(ctx, query, string(domain.StateRunning), ms, ms)
}

func (r *SQLInstanceRepository) FindTerminalBefore(ctx context.Context, before time.Time) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE state IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at, id`
	return r.query(ctx, query,
		string(domain.StateStopped),
		string(domain.StateExpired),
		string(domain.StateFailed),
		toMillis(before),
	)
}

func (r *SQLInstanceRepository) CountLive(ctx context.Context, ownerID string) (int, error) {
	query := `SELECT COUNT(*) FROM instances WHERE state IN (?, ?, ?) AND (? = '' OR owner_id = ?)`

	var n int
	err := r.db.QueryRowContext(ctx, query,
		string(domain.StateProvisioning),
		string(domain.StateRunning),
		string(domain.StateStopping),
		ownerID, ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}

	return n, nil
}

func (r *SQLInstanceRepository) Transition(ctx context.Context, id string, from, to domain.State, apply func(*domain.Instance)) (*domain.Instance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`
	if r.driver == DriverMySQL {
		selectQuery += ` FOR UPDATE`
	}

	current, err := scanInstance(tx.QueryRowContext(ctx, selectQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}

	next, err := current.Transitioned(from, to, apply)
	if err != nil {
		return nil, err
	}

	updateQuery := `
		UPDATE instances
		SET state = ?, endpoint_kind = ?, endpoint_host = ?, endpoint_port = ?, sandbox_ref = ?,
			ingress_port = ?, stop_reason = ?, attempts = ?, retry_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`

	kind, host, port := endpointColumns(next.Endpoint)
	result, err := tx.ExecContext(ctx, updateQuery,
		string(next.State),
		kind, host, port,
		next.SandboxRef,
		next.IngressPort,
		string(next.StopReason),
		next.Attempts,
		toMillis(next.RetryAt),
		toMillis(next.UpdatedAt),
		id,
		string(from),
	)
	if err != nil {
		if r.isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: instance %s left %s", domain.ErrConflict, id, from)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return next, nil
}

func (r *SQLInstanceRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM instances WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return domain.ErrInstanceNotFound
	}

	return nil
}

func (r *SQLInstanceRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*domain.Instance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (r *SQLInstanceRepository) isUniqueViolation(err error) bool {
	switch r.driver {
	case DriverMySQL:
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
	case DriverSQLite:
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var (
		instance                          domain.Instance
		state, kind, host, stopReason     string
		port                              int
		retryAt, createdAt, updatedAt, ex int64
	)

	err := row.Scan(
		&instance.ID,
		&instance.OwnerID,
		&instance.ChallengeID,
		&state,
		&kind,
		&host,
		&port,
		&instance.SandboxRef,
		&instance.IngressPort,
		&stopReason,
		&instance.Attempts,
		&retryAt,
		&createdAt,
		&updatedAt,
		&ex,
	)
	if err != nil {
		return nil, err
	}

	instance.State = domain.State(state)
	instance.StopReason = domain.StopReason(stopReason)
	if kind != "" {
		instance.Endpoint = &domain.Endpoint{Kind: domain.EndpointKind(kind), Host: host, Port: port}
	}
	instance.RetryAt = fromMillis(retryAt)
	instance.CreatedAt = fromMillis(createdAt)
	instance.UpdatedAt = fromMillis(updatedAt)
	instance.ExpiresAt = fromMillis(ex)
	instance.Normalize()

	return &instance, nil
}

func instanceArgs(i *domain.Instance) []any {
	kind, host, port := endpointColumns(i.Endpoint)
	return []any{
		i.ID,
		i.OwnerID,
		i.ChallengeID,
		string(i.State),
		kind, host, port,
		i.SandboxRef,
		i.IngressPort,
		string(i.StopReason),
		i.Attempts,
		toMillis(i.RetryAt),
		toMillis(i.CreatedAt),
		toMillis(i.UpdatedAt),
		toMillis(i.ExpiresAt),
	}
}

func endpointColumns(e *domain.Endpoint) (string, string, int) {
	if e == nil {
		return "", "", 0
	}
	return string(e.Kind), e.Host, e.Port
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
