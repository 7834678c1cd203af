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
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by TryLock when another task holds the directory
var ErrBusy = errors.New("plan already in progress")

// Locks serializes work on working directories. Each key gets a weight-one
// semaphore so waiting respects context cancellation. A key's entry lives
// only while someone holds or waits for it.
type Locks struct {
	mu   sync.Mutex
	sems map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocks creates an empty lock set
func NewLocks() *Locks {
	return &Locks{sems: make(map[string]*lockEntry)}
}

func (l *Locks) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sems[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.sems[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 && l.sems[key] == e {
		delete(l.sems, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, err
	}
	return l.releaser(key, e), nil
}

// TryLock takes key without waiting, or returns ErrBusy
func (l *Locks) TryLock(key string) (func(), error) {
	e := l.ref(key)
	if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, ErrBusy
	}
	return l.releaser(key, e), nil
}

// Held reports whether key is currently locked
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sems[key]
	if !ok {
		return false
	}
	if e.sem.TryAcquire(1) {
		e.sem.Release(1)
		return false
	}
	return true
}

func (l *Locks) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}
}
