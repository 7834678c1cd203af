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

package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/terracotta/internal/metrics"
)

// Task is a unit of background work. Describe returns key/value pairs that
// identify the task in logs, including when it panics.
type Task interface {
	Run(ctx context.Context)
	Describe() []any
}

type queued struct {
	ctx  context.Context
	task Task
}

// TaskPool runs tasks on at most workers goroutines, holding up to
// queueSize tasks that are waiting for a worker.
type TaskPool struct {
	queue   chan queued
	sem     *semaphore.Weighted
	workers int64

	mu      sync.Mutex
	stopped bool
}

// NewTaskPool creates a pool. Tasks submitted before Start wait in the queue.
func NewTaskPool(workers, queueSize int) *TaskPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &TaskPool{
		queue:   make(chan queued, queueSize),
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
	}
}

// Submit enqueues task without blocking. It returns false when the queue is
// full or the pool has stopped.
func (p *TaskPool) Submit(ctx context.Context, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	select {
	case p.queue <- queued{ctx: ctx, task: task}:
		return true
	default:
		return false
	}
}

// Start runs queued tasks until ctx is done, then waits for running tasks to
// finish. Tasks still queued at that point are dropped.
func (p *TaskPool) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)
	logger.Info("Starting task pool", "workers", p.workers, "queueSize", cap(p.queue))

	for {
		select {
		case <-ctx.Done():
			return p.drain(ctx)
		case q := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				log.FromContext(q.ctx).Info("Dropping task on shutdown", q.task.Describe()...)
				return p.drain(ctx)
			}
			go func() {
				defer p.sem.Release(1)
				p.run(q)
			}()
		}
	}
}

func (p *TaskPool) drain(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	logger := log.FromContext(ctx)
	for dropped := 0; ; dropped++ {
		select {
		case q := <-p.queue:
			log.FromContext(q.ctx).Info("Dropping task on shutdown", q.task.Describe()...)
		default:
			// Wait for running tasks to hand back their slots.
			if err := p.sem.Acquire(context.WithoutCancel(ctx), p.workers); err != nil {
				return fmt.Errorf("failed to wait for running tasks: %w", err)
			}
			p.sem.Release(p.workers)
			logger.Info("Task pool stopped", "dropped", dropped)
			return nil
		}
	}
}

func (p *TaskPool) run(q queued) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskPanics.Inc()
			log.FromContext(q.ctx).Error(fmt.Errorf("panic: %v", r), "Task panicked",
				append(q.task.Describe(), "stack", string(debug.Stack()))...)
		}
	}()
	q.task.Run(q.ctx)
}
