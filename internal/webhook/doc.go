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

// Package webhook provides GitHub webhook handling for Terracotta.
//
// This package implements the HTTP server that receives GitHub App webhook
// deliveries, verifies them and hands classified events to a Dispatcher.
//
// Key features:
//   - Validates GitHub webhook signatures using HMAC-SHA256
//   - Classifies pull_request (opened, reopened) and issue_comment (created
//     on a pull request) deliveries; everything else is acknowledged and
//     ignored
//   - Provides per-repository rate limiting
//   - Health check and metrics endpoints
//
// Webhook Security:
//
// Requests must include a valid X-Hub-Signature-256 header containing an
// HMAC-SHA256 signature computed with the webhook secret. Requests with
// invalid or missing signatures are rejected with HTTP 401. Verification can
// only be turned off explicitly with Config.SkipSignature.
//
// Responses:
//   - 200 with {"status":"accepted"} when work was queued
//   - 200 with {"status":"ignored"} for unhandled events, comments that
//     carry no command and payloads that cannot be decoded
//   - 401 for bad signatures, handled events without an installation and
//     installations no user owns
//   - 429 when a repository exceeds the rate limit
//   - 503 when the task queue is full
//
// Rate Limiting:
//
// Requests are rate-limited per repository using a token bucket from
// golang.org/x/time/rate. The default limit is 10 requests per second per
// repository.
package webhook
