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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mikelane/terracotta/internal/github"
	"github.com/mikelane/terracotta/internal/terraform"
	"github.com/mikelane/terracotta/internal/workspace"
)

type postedComment struct {
	Owner  string
	Repo   string
	Number int
	Body   string
}

// fakeGitHub is an in-memory github.Client
type fakeGitHub struct {
	mu           sync.Mutex
	pulls        map[int]*github.PullRequest
	files        []*github.File
	comments     []postedComment
	getPRCalls   int
	commentCalls int
	failComments int
	filesErr     error
}

var _ github.Client = (*fakeGitHub)(nil)

func (f *fakeGitHub) GetPullRequest(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getPRCalls++
	pr, ok := f.pulls[number]
	if !ok {
		return nil, errors.New("not found")
	}
	return pr, nil
}

func (f *fakeGitHub) GetPRFiles(context.Context, string, string, int) ([]*github.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files, f.filesErr
}

func (f *fakeGitHub) CreateComment(_ context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentCalls++
	if f.failComments > 0 {
		f.failComments--
		return errors.New("502 bad gateway")
	}
	f.comments = append(f.comments, postedComment{Owner: owner, Repo: repo, Number: number, Body: body})
	return nil
}

func (f *fakeGitHub) CreateIssue(context.Context, string, string, string, string) (int, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeGitHub) ListUserRepos(context.Context) ([]*github.Repository, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGitHub) Comments() []postedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedComment(nil), f.comments...)
}

func (f *fakeGitHub) GetPRCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getPRCalls
}

func (f *fakeGitHub) CommentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commentCalls
}

type fakeClients struct {
	gh *fakeGitHub
}

func (f fakeClients) ForInstallation(context.Context, int64) (github.Client, error) {
	return f.gh, nil
}

// fakeConversations records messages and answers every run with reply
type fakeConversations struct {
	mu       sync.Mutex
	created  int
	appended []string
	runs     int
	reply    string
	runErr   error
}

func (f *fakeConversations) CreateConversation(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("thread_%d", f.created), nil
}

func (f *fakeConversations) Append(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, text)
	return nil
}

func (f *fakeConversations) Run(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.reply, f.runErr
}

func (f *fakeConversations) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeConversations) Appended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.appended...)
}

// fakeCompleter answers every prompt through respond
type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.respond == nil {
		return "", errors.New("no completer configured")
	}
	return f.respond(prompt)
}

func (f *fakeCompleter) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// fakeCLI scripts terraform. When gate is set, plan blocks until it is
// closed so tests can observe overlapping runs.
type fakeCLI struct {
	initExec terraform.Execution
	planExec terraform.Execution
	gate     chan struct{}

	initCalls atomic.Int32
	planCalls atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeCLI) Init(ctx context.Context, dir string) (terraform.Execution, error) {
	f.initCalls.Add(1)
	return f.initExec, nil
}

func (f *fakeCLI) Plan(ctx context.Context, dir, outFile string) (terraform.Execution, error) {
	f.planCalls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return terraform.Execution{}, ctx.Err()
		}
	}
	return f.planExec, nil
}

// fakeCloner writes a main.tf, and backend.tf when backend is set,
// instead of cloning
type fakeCloner struct {
	backend string

	mu       sync.Mutex
	requests []workspace.Request
}

func (f *fakeCloner) Clone(_ context.Context, dir string, req workspace.Request, _ string) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if f.backend != "" {
		if err := os.WriteFile(filepath.Join(dir, "backend.tf"), []byte(f.backend), 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, "main.tf"), []byte(`resource "null_resource" "x" {}`), 0o644)
}

func (f *fakeCloner) Requests() []workspace.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workspace.Request(nil), f.requests...)
}

// fakeFetcher serves objects from a map
type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, bucket+"/"+key)
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (f *fakeFetcher) Reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}
