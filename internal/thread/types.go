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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserNotFound is returned when no user owns an installation.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateInstallation is returned when an installation is already
	// attributed to another user.
	ErrDuplicateInstallation = errors.New("installation already belongs to a user")
)

// Key identifies a conversation. An empty Branch is a valid key of its own.
type Key struct {
	RepoID   int64
	Branch   string
	PRNumber int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s#%d", k.RepoID, k.Branch, k.PRNumber)
}

// Thread correlates a Key with an assistant conversation handle.
type Thread struct {
	RepoID    int64
	Branch    string
	PRNumber  int
	ThreadID  string
	CreatedAt time.Time
}

// Key returns the triple the thread is stored under.
func (t Thread) Key() Key {
	return Key{RepoID: t.RepoID, Branch: t.Branch, PRNumber: t.PRNumber}
}

// User owns threads and the GitHub installations that attribute webhooks to it.
type User struct {
	ID                string
	Email             string
	FirstName         string
	LastName          string
	GitHubAccessToken string
	Installations     []int64
	Threads           []Thread
}

// FindThread returns the user's thread for key, matching the triple exactly.
func (u *User) FindThread(key Key) (Thread, bool) {
	for _, t := range u.Threads {
		if t.Key() == key {
			return t, true
		}
	}
	return Thread{}, false
}

// Store persists users and their threads.
type Store interface {
	// FindUserByInstallation returns ErrUserNotFound when nobody owns the installation.
	FindUserByInstallation(ctx context.Context, installationID int64) (*User, error)
	// FindThread looks up a thread by exact key.
	FindThread(ctx context.Context, userID string, key Key) (Thread, bool, error)
	// InsertThreadIfAbsent appends t to the user's threads unless a thread with
	// the same key exists, as a single atomic step. It returns the thread that
	// is stored after the call and whether t was the one inserted.
	InsertThreadIfAbsent(ctx context.Context, userID string, t Thread) (Thread, bool, error)
	// CreateUser stores a new user together with its installations.
	CreateUser(ctx context.Context, u *User) error
}

// ConversationCreator opens new assistant conversations.
type ConversationCreator interface {
	CreateConversation(ctx context.Context) (string, error)
}
