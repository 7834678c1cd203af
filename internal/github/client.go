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

package github

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// RetryConfig configures retry behavior for read calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the retry settings used by NewClient
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// githubClient implements Client using the go-github library
type githubClient struct {
	client      *github.Client
	retryConfig *RetryConfig
}

// NewClient creates a new GitHub client authenticated with a personal or
// OAuth access token. An empty token creates an unauthenticated client.
func NewClient(token string) (Client, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = github.NewClient(nil).Client()
		httpClient.Transport = &github.BasicAuthTransport{
			Username: "token",
			Password: token,
		}
	}

	return newClient(httpClient), nil
}

func newClient(httpClient *http.Client) *githubClient {
	return &githubClient{
		client:      github.NewClient(httpClient),
		retryConfig: DefaultRetryConfig(),
	}
}

// GetPullRequest fetches pull request metadata
func (c *githubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr *github.PullRequest
	var err error

	err = c.executeWithRetry(ctx, func() error {
		pr, _, err = c.client.PullRequests.Get(ctx, owner, repo, number)
		return err
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get pull request: %w", err)
	}

	return c.convertPullRequest(pr), nil
}

// GetPRFiles lists every file of a pull request, following pagination
func (c *githubClient) GetPRFiles(ctx context.Context, owner, repo string, number int) ([]*File, error) {
	allFiles := []*File{}
	opts := &github.ListOptions{
		PerPage: 100,
	}

	for {
		var files []*github.CommitFile
		var resp *github.Response
		var err error

		err = c.executeWithRetry(ctx, func() error {
			files, resp, err = c.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
			return err
		})

		if err != nil {
			return nil, fmt.Errorf("failed to list PR files: %w", err)
		}

		for _, file := range files {
			allFiles = append(allFiles, c.convertFile(file))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allFiles, nil
}

// CreateComment posts body on an issue or pull request. Writes are not
// retried here; callers decide whether a duplicate comment is acceptable.
func (c *githubClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// CreateIssue opens an issue and returns its number
func (c *githubClient) CreateIssue(ctx context.Context, owner, repo, title, body string) (int, error) {
	issue, _, err := c.client.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create issue: %w", err)
	}
	return issue.GetNumber(), nil
}

// ListUserRepos lists the authenticated user's repositories, 100 per page
func (c *githubClient) ListUserRepos(ctx context.Context) ([]*Repository, error) {
	all := []*Repository{}
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		var repos []*github.Repository
		var resp *github.Response
		var err error

		err = c.executeWithRetry(ctx, func() error {
			repos, resp, err = c.client.Repositories.ListByAuthenticatedUser(ctx, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}

		for _, r := range repos {
			all = append(all, c.convertRepository(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// executeWithRetry executes an operation with exponential backoff retry logic
func (c *githubClient) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		// Check if context is cancelled before attempting
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()

		if lastErr == nil {
			return nil
		}

		if !c.isRetryableError(lastErr) {
			return lastErr
		}

		if attempt == c.retryConfig.MaxRetries {
			break
		}

		backoff := c.calculateBackoff(attempt)
		if wait, limited := c.rateLimitWait(lastErr); limited && wait > backoff {
			backoff = min(wait, c.retryConfig.MaxBackoff)
		}

		log.FromContext(ctx).V(1).Info("Retrying GitHub call",
			"attempt", attempt+1, "maxRetries", c.retryConfig.MaxRetries, "backoff", backoff, "error", lastErr.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
}

// isRetryableError determines if an error should trigger a retry
func (c *githubClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Check if it's a rate limit error
			if ghErr.Message == "API rate limit exceeded" {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// rateLimitWait returns how long GitHub asked us to wait, if it did
func (c *githubClient) rateLimitWait(err error) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		if wait := time.Until(rateErr.Rate.Reset.Time); wait > 0 {
			return wait, true
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) && abuseErr.RetryAfter != nil {
		return *abuseErr.RetryAfter, true
	}

	return 0, false
}

// calculateBackoff calculates the backoff duration with jitter
func (c *githubClient) calculateBackoff(attempt int) time.Duration {
	multiplier := 1 << uint(attempt) // 2^attempt
	base := float64(c.retryConfig.InitialBackoff) * float64(multiplier)

	// Add jitter (±20%)
	jitter := (rand.Float64() * 0.4) - 0.2
	backoff := time.Duration(base * (1 + jitter))

	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	return backoff
}

func (c *githubClient) convertPullRequest(pr *github.PullRequest) *PullRequest {
	if pr == nil {
		return nil
	}

	result := &PullRequest{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		State:       pr.GetState(),
		CreatedAt:   pr.GetCreatedAt().Time,
		UpdatedAt:   pr.GetUpdatedAt().Time,
	}

	if pr.Head != nil {
		result.HeadSHA = pr.Head.GetSHA()
		result.HeadBranch = pr.Head.GetRef()
	}

	if pr.Base != nil {
		result.BaseBranch = pr.Base.GetRef()
	}

	if pr.User != nil {
		result.Author = pr.User.GetLogin()
	}

	for _, label := range pr.Labels {
		if label != nil {
			result.Labels = append(result.Labels, label.GetName())
		}
	}

	return result
}

func (c *githubClient) convertFile(file *github.CommitFile) *File {
	if file == nil {
		return nil
	}

	return &File{
		Filename:  file.GetFilename(),
		Status:    file.GetStatus(),
		Additions: file.GetAdditions(),
		Deletions: file.GetDeletions(),
		Changes:   file.GetChanges(),
		Patch:     file.GetPatch(),
	}
}

func (c *githubClient) convertRepository(r *github.Repository) *Repository {
	return &Repository{
		ID:       r.GetID(),
		Name:     r.GetName(),
		Owner:    r.GetOwner().GetLogin(),
		HTMLURL:  r.GetHTMLURL(),
		PushedAt: r.GetPushedAt().Time,
		Private:  r.GetPrivate(),
	}
}
