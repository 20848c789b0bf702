package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// retry runs fn and retries it exactly once when the failure was transient:
// either pgx reports the request was never sent, or the connection itself
// failed. A second failure surfaces to the caller.
func (s *Store) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !transient(err) {
		return err
	}
	return fn(ctx)
}

func transient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, "("+strings.ToLower(field)+")")
}

// Users.

func (s *Store) CreateUser(ctx context.Context, u storage.UserRecord) (int64, error) {
	var id int64
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
INSERT INTO users (first_name, last_name, email, password_hash, temp_password_hash, public_key, role, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING user_id
`, u.FirstName, u.LastName, u.Email, u.PasswordHash, u.TempPasswordHash, u.PublicKey, u.Role, u.Status).Scan(&id)
	})
	if err != nil {
		if isUniqueViolationFor(err, "email") {
			return 0, storage.ErrDuplicateEmail
		}
		return 0, err
	}
	return id, nil
}

const userColumns = `user_id, first_name, last_name, email, password_hash, temp_password_hash, public_key, role, status, created_at`

func scanUser(row pgx.Row) (storage.UserRecord, error) {
	var u storage.UserRecord
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.PasswordHash,
		&u.TempPasswordHash, &u.PublicKey, &u.Role, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, storage.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (storage.UserRecord, error) {
	var u storage.UserRecord
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		u, err = scanUser(s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
		return err
	})
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.UserRecord, error) {
	var u storage.UserRecord
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		u, err = scanUser(s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
		return err
	})
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]storage.UserRecord, error) {
	var out []storage.UserRecord
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM users ORDER BY user_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) UpdateUserProfile(ctx context.Context, id int64, firstName, lastName string) error {
	return s.update(ctx, `UPDATE users SET first_name = $2, last_name = $3 WHERE user_id = $1`,
		id, firstName, lastName)
}

func (s *Store) UpdateUserStatus(ctx context.Context, id int64, status protocol.UserStatus) error {
	return s.update(ctx, `UPDATE users SET status = $2 WHERE user_id = $1`, id, status)
}

func (s *Store) UpdateUserPassword(ctx context.Context, id int64, hash []byte) error {
	return s.update(ctx, `UPDATE users SET password_hash = $2, temp_password_hash = NULL WHERE user_id = $1`,
		id, hash)
}

func (s *Store) SetTempPassword(ctx context.Context, id int64, hash []byte) error {
	return s.update(ctx, `UPDATE users SET temp_password_hash = $2 WHERE user_id = $1`, id, hash)
}

func (s *Store) UpdateUserPublicKey(ctx context.Context, id int64, publicKey []byte) error {
	return s.update(ctx, `UPDATE users SET public_key = $2 WHERE user_id = $1`, id, publicKey)
}

// update executes a statement that must touch exactly one existing row.
func (s *Store) update(ctx context.Context, sql string, args ...any) error {
	return s.retry(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}
