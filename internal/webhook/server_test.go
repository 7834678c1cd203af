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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testSecret = "test-webhook-secret"

// recordingDispatcher records events and answers with a fixed result
type recordingDispatcher struct {
	mu     sync.Mutex
	events []EventContext
	status Status
	err    error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev EventContext) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.status, d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func setupTest(t *testing.T) (*Server, *recordingDispatcher) {
	t.Helper()

	dispatcher := &recordingDispatcher{status: StatusAccepted}
	server := NewServer(Config{Addr: "localhost:0", Secret: testSecret, RateLimit: 10}, dispatcher)
	return server, dispatcher
}

const commentPayload = `{
  "action": "created",
  "issue": {"number": 42, "pull_request": {"url": "https://api.github.com/repos/acme/infra/pulls/42"}},
  "comment": {"id": 1, "body": "tc:plan", "user": {"login": "octocat"}},
  "repository": {"id": 1001, "name": "infra", "full_name": "acme/infra", "clone_url": "https://github.com/acme/infra.git", "owner": {"login": "acme"}},
  "installation": {"id": 77}
}`

func deliver(server *Server, event string, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/github/webhook", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTest(t)

	for _, path := range []string{"/healthz", "/v1/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK || w.Body.String() != "OK" {
			t.Errorf("%s returns %d %q, expected 200 OK", path, w.Code, w.Body.String())
		}
	}
}

func TestHandleRootAndMetrics(t *testing.T) {
	server, _ := setupTest(t)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Body.String() != "Hello, Terracotta!" {
		t.Errorf("root body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics returns %d", w.Code)
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	server, _ := setupTest(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()

	server.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("handleWebhook with GET returns %d, expected %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleWebhook_Signature(t *testing.T) {
	payload := []byte(commentPayload)

	tests := []struct {
		name      string
		signature string
		wantCode  int
		wantCalls int
	}{
		{name: "valid", signature: Sign(payload, testSecret), wantCode: http.StatusOK, wantCalls: 1},
		{name: "missing", signature: "", wantCode: http.StatusUnauthorized},
		{name: "wrong secret", signature: Sign(payload, "nope"), wantCode: http.StatusUnauthorized},
		{name: "garbage", signature: "sha256=invalid", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, dispatcher := setupTest(t)

			w := deliver(server, "issue_comment", payload, tt.signature)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, expected %d", w.Code, tt.wantCode)
			}
			if got := dispatcher.count(); got != tt.wantCalls {
				t.Errorf("dispatcher called %d times, expected %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHandleWebhook_SkipSignature(t *testing.T) {
	dispatcher := &recordingDispatcher{status: StatusAccepted}
	server := NewServer(Config{SkipSignature: true}, dispatcher)

	w := deliver(server, "issue_comment", []byte(commentPayload), "")

	if w.Code != http.StatusOK || dispatcher.count() != 1 {
		t.Errorf("status = %d, calls = %d; expected unsigned delivery to be accepted", w.Code, dispatcher.count())
	}
}

func TestHandleWebhook_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		event      string
		payload    string
		status     Status
		err        error
		wantCode   int
		wantStatus string
		wantCalls  int
	}{
		{
			name:       "accepted comment",
			event:      "issue_comment",
			payload:    commentPayload,
			status:     StatusAccepted,
			wantCode:   http.StatusOK,
			wantStatus: "accepted",
			wantCalls:  1,
		},
		{
			name:       "comment without command",
			event:      "issue_comment",
			payload:    commentPayload,
			status:     StatusIgnored,
			wantCode:   http.StatusOK,
			wantStatus: "ignored",
			wantCalls:  1,
		},
		{
			name:       "push event is ignored without dispatch",
			event:      "push",
			payload:    `{"ref":"refs/heads/main","repository":{"id":1,"name":"infra","owner":{"login":"acme"}}}`,
			wantCode:   http.StatusOK,
			wantStatus: "ignored",
		},
		{
			name:       "closed pull request is ignored",
			event:      "pull_request",
			payload:    `{"action":"closed","pull_request":{"number":1,"head":{"ref":"x"}},"repository":{"id":1,"name":"infra","owner":{"login":"acme"}},"installation":{"id":7}}`,
			wantCode:   http.StatusOK,
			wantStatus: "ignored",
		},
		{
			name:      "unattributed installation",
			event:     "issue_comment",
			payload:   commentPayload,
			err:       ErrUnattributed,
			wantCode:  http.StatusUnauthorized,
			wantCalls: 1,
		},
		{
			name:      "saturated queue",
			event:     "issue_comment",
			payload:   commentPayload,
			err:       ErrSaturated,
			wantCode:  http.StatusServiceUnavailable,
			wantCalls: 1,
		},
		{
			name:      "dispatch failure",
			event:     "issue_comment",
			payload:   commentPayload,
			err:       errors.New("database down"),
			wantCode:  http.StatusInternalServerError,
			wantCalls: 1,
		},
		{
			name:     "handled event without installation",
			event:    "issue_comment",
			payload:  `{"action":"created","issue":{"number":1,"pull_request":{"url":"u"}},"comment":{"body":"tc:help","user":{"login":"a"}},"repository":{"id":1,"name":"infra","owner":{"login":"acme"}}}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "plan command without installation",
			event:    "issue_comment",
			payload:  `{"action":"created","issue":{"number":3,"pull_request":{"url":"u"}},"comment":{"body":"tc:plan","user":{"login":"a"}},"repository":{"id":1,"name":"infra","owner":{"login":"acme"}}}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:       "invalid json",
			event:      "pull_request",
			payload:    `{"action":`,
			wantCode:   http.StatusOK,
			wantStatus: "ignored",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &recordingDispatcher{status: tt.status, err: tt.err}
			server := NewServer(Config{Secret: testSecret}, dispatcher)
			payload := []byte(tt.payload)

			w := deliver(server, tt.event, payload, Sign(payload, testSecret))

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, expected %d (body %q)", w.Code, tt.wantCode, w.Body.String())
			}
			if got := dispatcher.count(); got != tt.wantCalls {
				t.Errorf("dispatcher called %d times, expected %d", got, tt.wantCalls)
			}
			if tt.wantStatus != "" {
				var resp response
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if resp.Status != tt.wantStatus {
					t.Errorf("response status = %q, expected %q", resp.Status, tt.wantStatus)
				}
			}
		})
	}
}

func TestHandleWebhook_RateLimit(t *testing.T) {
	dispatcher := &recordingDispatcher{status: StatusAccepted}
	server := NewServer(Config{Secret: testSecret, RateLimit: 2}, dispatcher)
	payload := []byte(commentPayload)
	signature := Sign(payload, testSecret)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = deliver(server, "issue_comment", payload, signature).Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two deliveries = %v, expected 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third delivery = %d, expected %d", codes[2], http.StatusTooManyRequests)
	}
}

func TestRateLimiter_isolates_repositories(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	if !rl.Allow("acme/infra") {
		t.Fatal("first request for acme/infra rejected")
	}
	if rl.Allow("acme/infra") {
		t.Error("second immediate request for acme/infra allowed")
	}
	if !rl.Allow("acme/site") {
		t.Error("acme/site limited by acme/infra traffic")
	}
}

func TestRateLimiter_drops_idle_repositories(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("acme/repo-%d", i))
	}
	if rl.Allow("acme/repo-0") {
		t.Error("second immediate request for acme/repo-0 allowed")
	}

	now = now.Add(rl.idleTTL)
	if !rl.Allow("acme/infra") {
		t.Error("first request for acme/infra rejected")
	}

	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	if n != 1 {
		t.Errorf("rate limiter tracks %d repositories after idle sweep, expected 1", n)
	}
	if !rl.Allow("acme/repo-0") {
		t.Error("request after idle period rejected")
	}
}

func TestServer_Start_and_shutdown(t *testing.T) {
	server, _ := setupTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Start() returned %v after cancellation", err)
	}
}
