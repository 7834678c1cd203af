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
	"errors"
)

// Event is the subset of a GitHub webhook payload Terracotta reads. The
// same shape covers pull_request and issue_comment deliveries.
type Event struct {
	Action       string        `json:"action"`
	Number       int           `json:"number"`
	PullRequest  *PullRequest  `json:"pull_request"`
	Issue        *Issue        `json:"issue"`
	Comment      *Comment      `json:"comment"`
	Repository   Repository    `json:"repository"`
	Installation *Installation `json:"installation"`
}

// PullRequest contains PR metadata
type PullRequest struct {
	Number int    `json:"number"`
	Head   Ref    `json:"head"`
	Base   Ref    `json:"base"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// Ref represents a git reference (branch)
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Issue is an issue or, when PullRequest is set, a pull request seen
// through the issues API
type Issue struct {
	Number      int           `json:"number"`
	Title       string        `json:"title"`
	PullRequest *IssuePRLinks `json:"pull_request"`
}

// IssuePRLinks marks an issue that is a pull request
type IssuePRLinks struct {
	URL string `json:"url"`
}

// Comment is an issue comment
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// User is a GitHub account
type User struct {
	Login string `json:"login"`
}

// Repository contains repository metadata
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
	Owner    User   `json:"owner"`
}

// Installation is the GitHub App installation that delivered the event
type Installation struct {
	ID int64 `json:"id"`
}

// Kind is what Terracotta does with a delivery
type Kind int

const (
	// KindUnhandled deliveries are acknowledged and dropped
	KindUnhandled Kind = iota
	// KindPROpened is a pull request being opened or reopened
	KindPROpened
	// KindComment is a new comment on a pull request
	KindComment
)

func (k Kind) String() string {
	switch k {
	case KindPROpened:
		return "pr_opened"
	case KindComment:
		return "comment"
	default:
		return "unhandled"
	}
}

// EventContext is a classified delivery. For comments the branch is not in
// the payload; BranchResolved is false until someone looks it up.
type EventContext struct {
	Kind       Kind
	EventType  string
	Action     string
	DeliveryID string

	RepoID         int64
	Owner          string
	Repo           string
	CloneURL       string
	HTMLURL        string
	Branch         string
	BranchResolved bool
	PRNumber       int
	InstallationID int64

	CommentBody   string
	CommentAuthor string
}

// FullName returns owner/repo
func (e EventContext) FullName() string {
	return e.Owner + "/" + e.Repo
}

// Status is the answer given to GitHub for an accepted delivery
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusIgnored  Status = "ignored"
)

var (
	// ErrUnattributed means no user owns the delivering installation
	ErrUnattributed = errors.New("installation is not attributed to a user")

	// ErrSaturated means the work queue is full
	ErrSaturated = errors.New("task queue is full")
)

// Dispatcher decides what to do with a classified delivery. It must return
// quickly; long-running work belongs on a background task.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev EventContext) (Status, error)
}
