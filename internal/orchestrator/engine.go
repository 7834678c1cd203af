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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/terracotta/internal/assistant"
	"github.com/mikelane/terracotta/internal/command"
	"github.com/mikelane/terracotta/internal/github"
	"github.com/mikelane/terracotta/internal/metrics"
	"github.com/mikelane/terracotta/internal/objectstore"
	"github.com/mikelane/terracotta/internal/terraform"
	"github.com/mikelane/terracotta/internal/thread"
	"github.com/mikelane/terracotta/internal/webhook"
	"github.com/mikelane/terracotta/internal/workspace"
)

// UserFinder attributes an installation to a user
type UserFinder interface {
	FindUserByInstallation(ctx context.Context, installationID int64) (*thread.User, error)
}

// ThreadResolver maps a pull request triple to a conversation
type ThreadResolver interface {
	Resolve(ctx context.Context, user *thread.User, key thread.Key) (string, error)
}

// ClientFactory returns a GitHub client acting as an installation
type ClientFactory interface {
	ForInstallation(ctx context.Context, installationID int64) (github.Client, error)
}

// Checkouts hands out locked working directories
type Checkouts interface {
	Checkout(ctx context.Context, req workspace.Request, forceRefresh bool) (string, func(), error)
}

// PlanRunner runs terraform init and plan in a directory
type PlanRunner interface {
	Run(ctx context.Context, dir string) terraform.Result
}

// Deps are the collaborators of an Engine. State is optional.
type Deps struct {
	Users         UserFinder
	Threads       ThreadResolver
	Clients       ClientFactory
	Conversations assistant.Conversations
	Workspaces    Checkouts
	Pipeline      PlanRunner
	Composer      *Composer
	Pool          *TaskPool
	Classifier    command.Classifier

	// State fetches remote state named by a gcs backend block. When
	// StateBucket is set only that bucket is read.
	State       objectstore.Fetcher
	StateBucket string
}

// Outcome describes a finished task
type Outcome struct {
	Kind    webhook.Kind
	Command command.Command
	Key     thread.Key
	// Step is the last step the task reached.
	Step     string
	Posted   bool
	Err      error
	Duration time.Duration
}

// Engine implements webhook.Dispatcher. Attribution and command gating run
// on the request; everything else runs on the task pool.
type Engine struct {
	deps Deps

	// OnDone, when set, is called after every task with its outcome.
	OnDone func(Outcome)
}

var _ webhook.Dispatcher = (*Engine)(nil)

// NewEngine creates an Engine. A zero Classifier ignores comments from
// command.DefaultBotLogin.
func NewEngine(deps Deps) *Engine {
	if deps.Classifier.BotLogin == "" {
		deps.Classifier = command.NewClassifier("")
	}
	return &Engine{deps: deps}
}

// Dispatch implements webhook.Dispatcher
func (e *Engine) Dispatch(ctx context.Context, ev webhook.EventContext) (webhook.Status, error) {
	logger := log.FromContext(ctx)

	if ev.Kind == webhook.KindUnhandled {
		return webhook.StatusIgnored, nil
	}

	cmd := command.Ignored
	if ev.Kind == webhook.KindComment {
		cmd = e.deps.Classifier.Classify(ev.CommentBody, ev.CommentAuthor)
		if cmd == command.Ignored {
			logger.V(1).Info("Ignoring comment without command", "author", ev.CommentAuthor)
			return webhook.StatusIgnored, nil
		}
	}

	user, err := e.deps.Users.FindUserByInstallation(ctx, ev.InstallationID)
	if errors.Is(err, thread.ErrUserNotFound) {
		return "", fmt.Errorf("installation %d: %w", ev.InstallationID, webhook.ErrUnattributed)
	}
	if err != nil {
		return "", fmt.Errorf("failed to attribute installation %d: %w", ev.InstallationID, err)
	}

	j := &job{engine: e, user: user, ev: ev, cmd: cmd, step: stepQueued}
	taskLogger := logger.WithValues("user", user.ID, "command", j.name())
	taskCtx := log.IntoContext(context.WithoutCancel(ctx), taskLogger)

	if !e.deps.Pool.Submit(taskCtx, j) {
		return "", webhook.ErrSaturated
	}
	taskLogger.Info("Queued task")
	return webhook.StatusAccepted, nil
}

const (
	stepQueued    = "queued"
	stepClient    = "client"
	stepBranch    = "branch"
	stepThread    = "thread"
	stepFiles     = "files"
	stepCheckout  = "checkout"
	stepSummarize = "summarize"
	stepAssistant = "assistant"
	stepPost      = "post"
	stepDone      = "done"
)

// job is one accepted delivery. Its fields are only touched by the worker
// running it.
type job struct {
	engine *Engine
	user   *thread.User
	ev     webhook.EventContext
	cmd    command.Command

	gh       github.Client
	pr       *github.PullRequest
	key      thread.Key
	threadID string
	step     string
	posted   bool
}

func (j *job) name() string {
	if j.ev.Kind == webhook.KindPROpened {
		return "pr_opened"
	}
	return j.cmd.String()
}

// Describe implements Task
func (j *job) Describe() []any {
	return []any{
		"repository", j.ev.FullName(),
		"pr", j.ev.PRNumber,
		"triple", j.key.String(),
		"command", j.name(),
		"step", j.step,
	}
}

// Run implements Task
func (j *job) Run(ctx context.Context) {
	start := time.Now()
	err := j.run(ctx)

	logger := log.FromContext(ctx).WithValues(j.Describe()...)
	if err != nil {
		logger.Error(err, "Task failed", "duration", time.Since(start))
	} else {
		j.step = stepDone
		logger.Info("Task finished", "posted", j.posted, "duration", time.Since(start))
	}

	if j.engine.OnDone != nil {
		j.engine.OnDone(Outcome{
			Kind:     j.ev.Kind,
			Command:  j.cmd,
			Key:      j.key,
			Step:     j.step,
			Posted:   j.posted,
			Err:      err,
			Duration: time.Since(start),
		})
	}
}

func (j *job) run(ctx context.Context) error {
	deps := j.engine.deps

	j.step = stepClient
	gh, err := deps.Clients.ForInstallation(ctx, j.ev.InstallationID)
	if err != nil {
		return fmt.Errorf("failed to create installation client: %w", err)
	}
	j.gh = gh

	j.step = stepBranch
	branch, err := j.branch(ctx)
	if err != nil {
		return err
	}
	j.key = thread.Key{RepoID: j.ev.RepoID, Branch: branch, PRNumber: j.ev.PRNumber}

	j.step = stepThread
	threadID, err := deps.Threads.Resolve(ctx, j.user, j.key)
	if err != nil {
		return fmt.Errorf("failed to resolve thread: %w", err)
	}
	j.threadID = threadID
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("triple", j.key.String()))

	if j.ev.Kind == webhook.KindPROpened {
		return j.prOpened(ctx)
	}

	switch j.cmd {
	case command.Help:
		return j.post(ctx, command.HelpDocument())
	case command.Review:
		return j.review(ctx)
	case command.Plan:
		return j.plan(ctx)
	case command.Drift:
		log.FromContext(ctx).Info("Drift detection requested, nothing to do")
		return nil
	case command.Freeform:
		return j.converse(ctx, j.ev.CommentBody)
	default:
		return fmt.Errorf("unexpected command %s", j.cmd)
	}
}

// branch returns the head branch, fetching the pull request at most once
func (j *job) branch(ctx context.Context) (string, error) {
	if j.ev.BranchResolved {
		return j.ev.Branch, nil
	}
	if j.pr == nil {
		pr, err := j.gh.GetPullRequest(ctx, j.ev.Owner, j.ev.Repo, j.ev.PRNumber)
		if err != nil {
			return "", fmt.Errorf("failed to resolve branch: %w", err)
		}
		j.pr = pr
	}
	return j.pr.HeadBranch, nil
}

func (j *job) terraformFiles(ctx context.Context) ([]*github.File, error) {
	j.step = stepFiles
	files, err := j.gh.GetPRFiles(ctx, j.ev.Owner, j.ev.Repo, j.ev.PRNumber)
	if err != nil {
		return nil, err
	}

	var tf []*github.File
	for _, f := range files {
		if f != nil && terraform.IsTerraformFile(f.Filename) {
			tf = append(tf, f)
		}
	}
	log.FromContext(ctx).V(1).Info("Filtered pull request files", "total", len(files), "terraform", len(tf))
	return tf, nil
}

// prOpened plans a newly opened pull request. Pull requests without
// Terraform changes get no comment.
func (j *job) prOpened(ctx context.Context) error {
	files, err := j.terraformFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.FromContext(ctx).Info("No Terraform files in pull request")
		return nil
	}
	return j.runPlan(ctx, false)
}

func (j *job) plan(ctx context.Context) error {
	files, err := j.terraformFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return j.post(ctx, j.engine.deps.Composer.NoTerraformFiles(ctx))
	}
	return j.runPlan(ctx, true)
}

type patch struct {
	Filename string `json:"filename"`
	Patch    string `json:"patch"`
}

func (j *job) review(ctx context.Context) error {
	files, err := j.terraformFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return j.post(ctx, j.engine.deps.Composer.NoTerraformFiles(ctx))
	}

	patches := make([]patch, 0, len(files))
	for _, f := range files {
		patches = append(patches, patch{Filename: f.Filename, Patch: f.Patch})
	}
	encoded, err := json.Marshal(patches)
	if err != nil {
		return fmt.Errorf("failed to encode patches: %w", err)
	}
	return j.converse(ctx, "Please review the following Terraform code: "+string(encoded))
}

// converse appends text to the thread and posts the assistant's reply
func (j *job) converse(ctx context.Context, text string) error {
	conv := j.engine.deps.Conversations

	j.step = stepAssistant
	err := conv.Append(ctx, j.threadID, text)
	var reply string
	if err == nil {
		reply, err = conv.Run(ctx, j.threadID)
	}
	if err != nil {
		if postErr := j.post(ctx, FormatAssistantFailure(j.cmd.String(), err)); postErr != nil {
			return errors.Join(err, postErr)
		}
		return fmt.Errorf("assistant failed: %w", err)
	}
	return j.post(ctx, reply)
}

// runPlan checks out the branch, runs the pipeline while holding the
// working directory and posts either a summary or the failure.
func (j *job) runPlan(ctx context.Context, forceRefresh bool) error {
	deps := j.engine.deps
	logger := log.FromContext(ctx)

	j.step = stepCheckout
	cloneURL := j.ev.CloneURL
	if cloneURL == "" && j.ev.HTMLURL != "" {
		cloneURL = strings.TrimSuffix(j.ev.HTMLURL, "/") + ".git"
	}
	dir, release, err := deps.Workspaces.Checkout(ctx, workspace.Request{
		Owner:          j.ev.Owner,
		Repo:           j.ev.Repo,
		Branch:         j.key.Branch,
		CloneURL:       cloneURL,
		InstallationID: j.ev.InstallationID,
	}, forceRefresh)
	if err != nil {
		if postErr := j.post(ctx, fmt.Sprintf("### :x: checkout failed\n\nI couldn't check out branch `%s`, so no plan was run.", j.key.Branch)); postErr != nil {
			return errors.Join(err, postErr)
		}
		return err
	}
	defer release()

	j.prefetchState(ctx, dir)

	j.step = string(terraform.StepInit)
	res := deps.Pipeline.Run(ctx, dir)
	release()

	j.step = string(res.Step)
	result := metrics.ResultSuccess
	if !res.Success {
		result = metrics.ResultFailure
	}
	metrics.PipelineRuns.WithLabelValues(string(res.Step), result).Inc()
	metrics.PipelineDuration.Observe(res.Duration.Seconds())

	if !res.Success {
		logger.Error(res.Err, "Terraform pipeline failed", "step", res.Step)
		if err := j.post(ctx, FormatFailure(res)); err != nil {
			return errors.Join(res.Err, err)
		}
		return fmt.Errorf("terraform %s failed: %w", res.Step, res.Err)
	}

	j.step = stepSummarize
	return j.post(ctx, deps.Composer.SummarizePlan(ctx, res.Output))
}

// prefetchState reads the remote state named by a gcs backend. It only logs;
// the plan does not depend on it.
func (j *job) prefetchState(ctx context.Context, dir string) {
	deps := j.engine.deps
	if deps.State == nil {
		return
	}
	backend, ok := terraform.ParseBackend(dir)
	if !ok || backend.Type != "gcs" {
		return
	}

	logger := log.FromContext(ctx).WithValues("bucket", backend.Bucket, "object", backend.StateObject())
	if deps.StateBucket != "" && backend.Bucket != deps.StateBucket {
		logger.V(1).Info("Skipping state prefetch for unconfigured bucket")
		return
	}
	data, err := deps.State.Fetch(ctx, backend.Bucket, backend.StateObject())
	if err != nil {
		logger.Info("Remote state unavailable", "error", err.Error())
		return
	}
	logger.Info("Fetched remote state", "bytes", len(data))
}

func (j *job) post(ctx context.Context, body string) error {
	j.step = stepPost
	if err := j.engine.deps.Composer.Post(ctx, j.gh, j.ev.Owner, j.ev.Repo, j.ev.PRNumber, body); err != nil {
		return err
	}
	j.posted = true
	return nil
}
