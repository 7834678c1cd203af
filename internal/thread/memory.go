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

package thread

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It backs local development
// and tests; state is lost on restart.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]*User
	installations map[int64]string
	now           func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		installations: make(map[int64]string),
		now:           time.Now,
	}
}

// CreateUser implements Store.
func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		return fmt.Errorf("failed to create user: empty id")
	}
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("failed to create user %s: already exists", u.ID)
	}
	for _, id := range u.Installations {
		if owner, taken := s.installations[id]; taken {
			return fmt.Errorf("failed to create user %s: installation %d owned by %s: %w", u.ID, id, owner, ErrDuplicateInstallation)
		}
	}

	stored := *u
	stored.Installations = append([]int64(nil), u.Installations...)
	stored.Threads = append([]Thread(nil), u.Threads...)
	s.users[u.ID] = &stored
	for _, id := range u.Installations {
		s.installations[id] = u.ID
	}
	return nil
}

// FindUserByInstallation implements Store. The returned user is a copy.
func (s *MemoryStore) FindUserByInstallation(_ context.Context, installationID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.installations[installationID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *s.users[userID]
	u.Installations = append([]int64(nil), u.Installations...)
	u.Threads = append([]Thread(nil), u.Threads...)
	return &u, nil
}

// FindThread implements Store.
func (s *MemoryStore) FindThread(_ context.Context, userID string, key Key) (Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return Thread{}, false, ErrUserNotFound
	}
	t, found := u.FindThread(key)
	return t, found, nil
}

// InsertThreadIfAbsent implements Store.
func (s *MemoryStore) InsertThreadIfAbsent(_ context.Context, userID string, t Thread) (Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return Thread{}, false, ErrUserNotFound
	}
	if existing, found := u.FindThread(t.Key()); found {
		return existing, false, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	u.Threads = append(u.Threads, t)
	return t, true, nil
}

// ThreadCount returns how many threads the user holds for key.
func (s *MemoryStore) ThreadCount(userID string, key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range u.Threads {
		if t.Key() == key {
			n++
		}
	}
	return n
}
