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
	"time"
)

// Client is the source-control surface the bot needs, scoped to one set of
// credentials (an installation token or a user access token).
type Client interface {
	// GetPullRequest retrieves metadata about a pull request
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	// GetPRFiles retrieves the list of files changed in a pull request
	GetPRFiles(ctx context.Context, owner, repo string, number int) ([]*File, error)
	// CreateComment posts a comment on an issue or pull request
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	// CreateIssue opens an issue and returns its number
	CreateIssue(ctx context.Context, owner, repo, title, body string) (int, error)
	// ListUserRepos lists every repository visible to the authenticated user
	ListUserRepos(ctx context.Context) ([]*Repository, error)
}

// PullRequest represents the pull request fields the bot reads
type PullRequest struct {
	Number      int
	Title       string
	Description string
	HeadSHA     string
	BaseBranch  string
	HeadBranch  string
	Author      string
	State       string // open, closed
	Labels      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// File represents a file changed in a pull request
type File struct {
	Filename  string
	Status    string // added, removed, modified, renamed
	Additions int
	Deletions int
	Changes   int
	Patch     string
}

// Repository is a repository trimmed to what listings need
type Repository struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Owner    string    `json:"owner"`
	HTMLURL  string    `json:"htmlUrl"`
	PushedAt time.Time `json:"pushedAt"`
	Private  bool      `json:"private"`
}
