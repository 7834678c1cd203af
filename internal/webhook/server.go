// Copyright 2025 The Terracotta Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/terracotta/internal/metrics"
)

// maxPayloadBytes is GitHub's documented webhook payload cap
const maxPayloadBytes = 25 << 20

// Config configures the webhook server
type Config struct {
	Addr string
	// Secret verifies X-Hub-Signature-256. It is required unless
	// SkipSignature is set.
	Secret        string
	SkipSignature bool
	// RateLimit is the sustained deliveries per second allowed per
	// repository; the burst equals the rate.
	RateLimit float64
}

// Server handles GitHub webhook requests
type Server struct {
	cfg         Config
	dispatcher  Dispatcher
	server      *http.Server
	rateLimiter *RateLimiter
}

// RateLimiter provides per-repository rate limiting. Limiters idle for
// longer than idleTTL are dropped; by then their bucket has refilled, so a
// fresh limiter behaves the same.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer creates a new webhook server
func NewServer(cfg Config, dispatcher Dispatcher) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	return &Server{
		cfg:         cfg,
		dispatcher:  dispatcher,
		rateLimiter: NewRateLimiter(cfg.RateLimit, max(1, int(cfg.RateLimit))),
	}
}

// NewRateLimiter creates a rate limiter allowing perSecond sustained
// requests per key with the given burst
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	idle := time.Minute
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  idle,
		now:      time.Now,
	}
}

// Allow checks if a request from the given repository should be allowed
func (rl *RateLimiter) Allow(repo string) bool {
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		rl.sweep(now)
	}
	e, exists := rl.limiters[repo]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[repo] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// sweep drops idle limiters. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for repo, e := range rl.limiters {
		if now.Sub(e.lastSeen) >= rl.idleTTL {
			delete(rl.limiters, repo)
		}
	}
	rl.lastSweep = now
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/v1/github/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/{$}", s.handleRoot)
	return mux
}

// Start starts the webhook server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting webhook server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.FromContext(ctx).Info("Shutting down webhook server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("Hello, Terracotta!"))
}

// handleWebhook verifies, classifies and dispatches one delivery. Work
// beyond attribution and command gating happens after the response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	logger := log.FromContext(r.Context()).WithValues("delivery", deliveryID, "event", eventType)

	// Only accept POST requests
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		logger.Error(err, "Failed to read request body")
		s.respond(w, eventType, StatusIgnored, "unreadable payload")
		return
	}
	defer r.Body.Close()

	// Validate signature
	if !s.cfg.SkipSignature {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !ValidateSignature(payload, signature, s.cfg.Secret) {
			logger.Info("Invalid webhook signature")
			s.reject(w, eventType, "invalid_signature", "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	ev, err := Classify(eventType, payload)
	switch {
	case errors.Is(err, ErrMissingInstallation):
		logger.Info("Rejecting webhook without installation", "repository", ev.FullName())
		s.reject(w, eventType, "unattributed", "Unknown installation", http.StatusUnauthorized)
		return
	case err != nil:
		logger.Info("Ignoring malformed webhook payload", "error", err.Error())
		s.respond(w, eventType, StatusIgnored, "malformed payload")
		return
	}
	ev.DeliveryID = deliveryID

	if ev.Kind == KindUnhandled {
		logger.V(1).Info("Ignoring webhook", "action", ev.Action)
		s.respond(w, eventType, StatusIgnored, "received but ignored")
		return
	}

	logger = logger.WithValues("repository", ev.FullName(), "pr", ev.PRNumber)

	// Rate limiting check
	if !s.rateLimiter.Allow(ev.FullName()) {
		logger.Info("Rate limit exceeded")
		s.reject(w, eventType, "rate_limited", "Too many requests", http.StatusTooManyRequests)
		return
	}

	ctx := log.IntoContext(r.Context(), logger)
	status, err := s.dispatcher.Dispatch(ctx, ev)
	switch {
	case errors.Is(err, ErrUnattributed):
		logger.Info("Rejecting webhook from unattributed installation", "installation", ev.InstallationID)
		s.reject(w, eventType, "unattributed", "Unknown installation", http.StatusUnauthorized)
	case errors.Is(err, ErrSaturated):
		logger.Info("Rejecting webhook, task queue is full")
		s.reject(w, eventType, "saturated", "Busy, retry later", http.StatusServiceUnavailable)
	case err != nil:
		logger.Error(err, "Failed to dispatch webhook")
		s.reject(w, eventType, "error", "Internal error", http.StatusInternalServerError)
	default:
		s.respond(w, eventType, status, fmt.Sprintf("%s %s", ev.Kind, status))
	}
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) respond(w http.ResponseWriter, eventType string, status Status, msg string) {
	metrics.WebhookEvents.WithLabelValues(eventType, string(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{Status: string(status), Message: msg})
}

func (s *Server) reject(w http.ResponseWriter, eventType, outcome, msg string, code int) {
	metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	http.Error(w, msg, code)
}
