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

	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Resolver maps (repoId, branch, prNumber) to a conversation handle,
// creating the conversation the first time a key is seen.
type Resolver struct {
	store         Store
	conversations ConversationCreator

	group singleflight.Group

	// pending holds conversation ids that were created but could not be
	// saved, so a later Resolve reuses them instead of opening another one.
	mu      sync.Mutex
	pending map[string]string

	saveAttempts int
	saveBackoff  time.Duration

	// OnCreate, when set, is called after a new thread has been stored.
	OnCreate func(Thread)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSaveRetry sets how many times a thread save is attempted and the pause
// between attempts.
func WithSaveRetry(attempts int, backoff time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.saveAttempts = attempts
		}
		r.saveBackoff = backoff
	}
}

// NewResolver returns a Resolver backed by store and conversations.
func NewResolver(store Store, conversations ConversationCreator, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:         store,
		conversations: conversations,
		pending:       make(map[string]string),
		saveAttempts:  3,
		saveBackoff:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the conversation handle for key, creating and persisting
// one if the user has none. Concurrent calls for the same user and key share
// a single creation.
func (r *Resolver) Resolve(ctx context.Context, user *User, key Key) (string, error) {
	logger := log.FromContext(ctx).WithValues("thread", key.String())

	if t, found, err := r.store.FindThread(ctx, user.ID, key); err != nil {
		return "", fmt.Errorf("failed to look up thread: %w", err)
	} else if found {
		logger.V(1).Info("Thread found", "threadId", t.ThreadID)
		return t.ThreadID, nil
	}

	flightKey := user.ID + "|" + key.String()
	v, err, shared := r.group.Do(flightKey, func() (any, error) {
		return r.create(ctx, user.ID, key, flightKey)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.V(1).Info("Joined in-flight thread creation")
	}
	return v.(string), nil
}

func (r *Resolver) create(ctx context.Context, userID string, key Key, flightKey string) (string, error) {
	logger := log.FromContext(ctx).WithValues("thread", key.String())

	// Another flight may have finished between the lookup and this call.
	if t, found, err := r.store.FindThread(ctx, userID, key); err != nil {
		return "", fmt.Errorf("failed to look up thread: %w", err)
	} else if found {
		return t.ThreadID, nil
	}

	r.mu.Lock()
	conversationID, reused := r.pending[flightKey]
	r.mu.Unlock()

	if !reused {
		id, err := r.conversations.CreateConversation(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to create conversation: %w", err)
		}
		conversationID = id
		logger.Info("Created conversation", "threadId", conversationID)
	} else {
		logger.Info("Reusing unsaved conversation", "threadId", conversationID)
	}

	candidate := Thread{
		RepoID:   key.RepoID,
		Branch:   key.Branch,
		PRNumber: key.PRNumber,
		ThreadID: conversationID,
	}

	stored, inserted, err := r.save(ctx, userID, candidate)
	if err != nil {
		r.mu.Lock()
		r.pending[flightKey] = conversationID
		r.mu.Unlock()
		logger.Error(err, "Failed to persist thread, keeping conversation for reuse", "threadId", conversationID)
		return "", fmt.Errorf("failed to persist thread %s: %w", key, err)
	}

	r.mu.Lock()
	delete(r.pending, flightKey)
	r.mu.Unlock()

	if inserted {
		logger.Info("Thread created", "threadId", stored.ThreadID)
		if r.OnCreate != nil {
			r.OnCreate(stored)
		}
	} else {
		logger.Info("Thread created concurrently elsewhere, using stored handle",
			"threadId", stored.ThreadID, "discarded", conversationID)
	}
	return stored.ThreadID, nil
}

func (r *Resolver) save(ctx context.Context, userID string, t Thread) (Thread, bool, error) {
	var lastErr error
	for attempt := 0; attempt < r.saveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Thread{}, false, ctx.Err()
			case <-time.After(r.saveBackoff):
			}
		}
		stored, inserted, err := r.store.InsertThreadIfAbsent(ctx, userID, t)
		if err == nil {
			return stored, inserted, nil
		}
		lastErr = err
		log.FromContext(ctx).Error(err, "Thread save failed", "attempt", attempt+1, "maxAttempts", r.saveAttempts)
	}
	return Thread{}, false, lastErr
}
