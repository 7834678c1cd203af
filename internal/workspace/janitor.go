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
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Janitor removes working directories that have not been used for longer
// than a TTL. Directories locked by a running task are skipped.
type Janitor struct {
	manager  *Manager
	ttl      time.Duration
	interval time.Duration
}

// NewJanitor creates a janitor for the directories of manager. It sweeps
// every interval and removes clones idle for longer than ttl.
func NewJanitor(manager *Manager, ttl, interval time.Duration) *Janitor {
	return &Janitor{
		manager:  manager,
		ttl:      ttl,
		interval: interval,
	}
}

// Start sweeps periodically until the context is canceled
func (j *Janitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("janitor")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := j.sweep(ctx)
			if err != nil {
				logger.Error(err, "Workspace sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info("Removed idle working directories", "count", removed)
			}
		}
	}
}

// sweep removes every root/<owner>/<repo>/<branch> whose modification time is older
// than the TTL and that can be locked without waiting.
func (j *Janitor) sweep(ctx context.Context) (int, error) {
	dirs, err := filepath.Glob(filepath.Join(j.manager.root, "*", "*", "*"))
	if err != nil {
		return 0, err
	}

	cutoff := j.manager.now().Add(-j.ttl)
	removed := 0
	var errs []error
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}

		release, err := j.manager.locks.TryLock(dir)
		if errors.Is(err, ErrBusy) {
			log.FromContext(ctx).V(1).Info("Skipping busy working directory", "dir", dir)
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		} else {
			removed++
		}
		release()
	}

	return removed, errors.Join(errs...)
}
