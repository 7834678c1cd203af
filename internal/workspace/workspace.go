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

package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"net/url"
	"path/filepath"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Request identifies the branch to check out
type Request struct {
	Owner          string
	Repo           string
	Branch         string
	CloneURL       string
	InstallationID int64
}

// TokenSource issues clone credentials for an installation
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// Cloner materializes a branch into dir
type Cloner interface {
	Clone(ctx context.Context, dir string, req Request, token string) error
}

// Manager owns the working directories under a root. A directory is held
// under its lock from Checkout until the caller releases it.
type Manager struct {
	root   string
	tokens TokenSource
	cloner Cloner
	locks  *Locks
	now    func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithCloner replaces the go-git cloner
func WithCloner(c Cloner) Option {
	return func(m *Manager) { m.cloner = c }
}

// WithLocks shares a lock set between managers and janitors
func WithLocks(l *Locks) Option {
	return func(m *Manager) { m.locks = l }
}

// NewManager creates a Manager rooted at root. tokens may be nil for public
// repositories.
func NewManager(root string, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		tokens: tokens,
		cloner: NewGitCloner(),
		locks:  NewLocks(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the directory all checkouts live under
func (m *Manager) Root() string {
	return m.root
}

// Locks returns the lock set guarding the working directories
func (m *Manager) Locks() *Locks {
	return m.locks
}

// Path returns root/<owner>/<repo>/<branch>. Each part is escaped
// reversibly on its own level, so distinct keys never share a directory.
func (m *Manager) Path(req Request) string {
	return filepath.Join(m.root, escape(req.Owner), escape(req.Repo), escape(req.Branch))
}

// escape path-escapes s. The empty string and the dot names, which would
// collapse in filepath.Join, get encodings that url.PathEscape never emits
// for any other input.
func escape(s string) string {
	switch s {
	case "":
		return "%"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// Checkout locks the working directory for req and makes sure it holds a
// clone of the branch. An existing clone is reused unless forceRefresh is
// set, in which case it is removed and cloned again. The caller must call
// release when done with the directory.
func (m *Manager) Checkout(ctx context.Context, req Request, forceRefresh bool) (dir string, release func(), err error) {
	logger := log.FromContext(ctx).WithValues("owner", req.Owner, "repo", req.Repo, "branch", req.Branch)

	dir = m.Path(req)
	unlock, err := m.locks.Lock(ctx, dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to lock working directory: %w", err)
	}
	defer func() {
		if err != nil {
			unlock()
		}
	}()

	_, statErr := os.Stat(dir)
	switch {
	case statErr == nil && !forceRefresh:
		logger.V(1).Info("Reusing existing clone", "dir", dir)
		now := m.now()
		if err := os.Chtimes(dir, now, now); err != nil {
			logger.Error(err, "Failed to touch working directory", "dir", dir)
		}
		return dir, unlock, nil
	case statErr == nil:
		logger.Info("Removing stale clone", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", nil, fmt.Errorf("failed to remove stale clone: %w", err)
		}
	case !errors.Is(statErr, fs.ErrNotExist):
		return "", nil, fmt.Errorf("failed to stat working directory: %w", statErr)
	}

	var token string
	if m.tokens != nil && req.InstallationID != 0 {
		token, err = m.tokens.Token(ctx, req.InstallationID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to get clone token: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	start := m.now()
	if err := m.cloner.Clone(ctx, dir, req, token); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to clone %s/%s@%s: %w", req.Owner, req.Repo, req.Branch, err)
	}
	logger.Info("Cloned repository", "dir", dir, "duration", m.now().Sub(start))

	return dir, unlock, nil
}
