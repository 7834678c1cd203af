// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package postgres implements thread.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mikelane/terracotta/internal/thread"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	email               TEXT NOT NULL UNIQUE,
	first_name          TEXT NOT NULL DEFAULT '',
	last_name           TEXT NOT NULL DEFAULT '',
	github_access_token TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS installations (
	installation_id BIGINT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS threads (
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	repo_id    BIGINT NOT NULL,
	branch     TEXT NOT NULL DEFAULT '',
	pr_number  INTEGER NOT NULL,
	thread_id  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, repo_id, branch, pr_number)
);
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is a thread.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ thread.Store = (*Store)(nil)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateUser implements thread.Store. Installation ids are unique across
// users; a taken id yields thread.ErrDuplicateInstallation.
func (s *Store) CreateUser(ctx context.Context, u *thread.User) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, email, first_name, last_name, github_access_token) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.FirstName, u.LastName, u.GitHubAccessToken,
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	for _, id := range u.Installations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO installations (installation_id, user_id) VALUES ($1, $2)`, id, u.ID,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("failed to attribute installation %d: %w", id, thread.ErrDuplicateInstallation)
			}
			return fmt.Errorf("failed to insert installation %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit user: %w", err)
	}
	return nil
}

// FindUserByInstallation implements thread.Store.
func (s *Store) FindUserByInstallation(ctx context.Context, installationID int64) (*thread.User, error) {
	var u thread.User
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.first_name, u.last_name, u.github_access_token
		FROM installations i JOIN users u ON u.id = i.user_id
		WHERE i.installation_id = $1`, installationID,
	).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.GitHubAccessToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, thread.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by installation: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT installation_id FROM installations WHERE user_id = $1 ORDER BY installation_id`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	u.Installations, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan installations: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT repo_id, branch, pr_number, thread_id, created_at
		FROM threads WHERE user_id = $1 ORDER BY created_at`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	u.Threads, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Thread, error) {
		return scanThread(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan threads: %w", err)
	}
	return &u, nil
}

// FindThread implements thread.Store.
func (s *Store) FindThread(ctx context.Context, userID string, key thread.Key) (thread.Thread, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT repo_id, branch, pr_number, thread_id, created_at
		FROM threads
		WHERE user_id = $1 AND repo_id = $2 AND branch = $3 AND pr_number = $4`,
		userID, key.RepoID, key.Branch, key.PRNumber)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return thread.Thread{}, false, nil
	}
	if err != nil {
		return thread.Thread{}, false, fmt.Errorf("failed to find thread: %w", err)
	}
	return t, true, nil
}

// InsertThreadIfAbsent implements thread.Store with a single statement. The
// insert's row is not visible to the outer SELECT of the same statement, so
// exactly one branch of the UNION yields a row.
func (s *Store) InsertThreadIfAbsent(ctx context.Context, userID string, t thread.Thread) (thread.Thread, bool, error) {
	var stored thread.Thread
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO threads (user_id, repo_id, branch, pr_number, thread_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, repo_id, branch, pr_number) DO NOTHING
			RETURNING repo_id, branch, pr_number, thread_id, created_at
		)
		SELECT repo_id, branch, pr_number, thread_id, created_at, true FROM ins
		UNION ALL
		SELECT repo_id, branch, pr_number, thread_id, created_at, false FROM threads
		WHERE user_id = $1 AND repo_id = $2 AND branch = $3 AND pr_number = $4
		LIMIT 1`,
		userID, t.RepoID, t.Branch, t.PRNumber, t.ThreadID,
	).Scan(&stored.RepoID, &stored.Branch, &stored.PRNumber, &stored.ThreadID, &stored.CreatedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot was
		// taken. A fresh statement sees it.
		existing, found, findErr := s.FindThread(ctx, userID, t.Key())
		if findErr != nil {
			return thread.Thread{}, false, findErr
		}
		if !found {
			return thread.Thread{}, false, fmt.Errorf("failed to insert thread %s: conflicting row not visible", t.Key())
		}
		return existing, false, nil
	}
	if err != nil {
		return thread.Thread{}, false, fmt.Errorf("failed to insert thread: %w", err)
	}
	return stored, inserted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (thread.Thread, error) {
	var t thread.Thread
	err := row.Scan(&t.RepoID, &t.Branch, &t.PRNumber, &t.ThreadID, &t.CreatedAt)
	return t, err
}
