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

// Package metrics holds the Prometheus collectors Terracotta exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhookEvents counts webhook deliveries by event type and outcome
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terracotta_webhook_events_total",
			Help: "Webhook deliveries by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// PipelineRuns counts terraform pipeline runs by last step and result
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terracotta_pipeline_runs_total",
			Help: "Terraform pipeline runs by last attempted step and result",
		},
		[]string{"step", "result"},
	)

	// PipelineDuration observes how long init plus plan took
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "terracotta_pipeline_duration_seconds",
			Help:    "Wall time of terraform init and plan",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// CommentsPosted counts pull request comments by result
	CommentsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terracotta_comments_posted_total",
			Help: "Pull request comments posted, by result",
		},
		[]string{"result"},
	)

	// ThreadsCreated counts new assistant conversations bound to a pull request
	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terracotta_threads_created_total",
			Help: "Assistant conversations created for pull requests",
		},
	)

	// TaskPanics counts background tasks that panicked
	TaskPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terracotta_task_panics_total",
			Help: "Background tasks that panicked and were recovered",
		},
	)
)

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
