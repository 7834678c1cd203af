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

// Package github provides GitHub API integration for Terracotta.
//
// The Client interface covers what the bot does on GitHub: read pull request
// metadata and changed files, post comments, open issues and list the
// repositories a user can see.
//
// Authentication:
//
// Webhook-driven work runs as the GitHub App installation that delivered the
// event. AppClients exchanges the App's private key for short-lived
// installation tokens and hands out a Client per installation:
//
//	apps, err := github.NewAppClients(appID, privateKey)
//	client, err := apps.ForInstallation(ctx, installationID)
//	err = client.CreateComment(ctx, "owner", "repo", 42, "hello")
//
// NewClient builds a Client from a personal or OAuth access token, which the
// CLI uses to list a user's repositories.
//
// Retry Logic:
//
// Reads are retried with exponential backoff and ±20% jitter:
//   - Initial backoff: 100 milliseconds
//   - Maximum backoff: 30 seconds
//   - Maximum retries: 3
//
// Retries are performed for transient errors (network timeouts, rate limits,
// 5xx errors). Client errors (4xx except 429) are not retried. Writes such as
// CreateComment are attempted once.
package github
