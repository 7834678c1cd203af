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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mikelane/terracotta/internal/assistant"
	"github.com/mikelane/terracotta/internal/command"
	"github.com/mikelane/terracotta/internal/github"
	"github.com/mikelane/terracotta/internal/terraform"
	"github.com/mikelane/terracotta/internal/thread"
	"github.com/mikelane/terracotta/internal/webhook"
	"github.com/mikelane/terracotta/internal/workspace"
)

const prOpenedPayload = `{
  "action": "opened",
  "number": 42,
  "pull_request": {"number": 42, "head": {"ref": "feature-x", "sha": "abc123"}},
  "repository": {"id": 1001, "name": "infra", "full_name": "acme/infra",
    "clone_url": "https://github.com/acme/infra.git", "html_url": "https://github.com/acme/infra",
    "owner": {"login": "acme"}},
  "installation": {"id": 77}
}`

func commentPayload(body, author string, installation int64) string {
	quoted, _ := json.Marshal(body)
	return fmt.Sprintf(`{
  "action": "created",
  "issue": {"number": 42, "pull_request": {"url": "https://api.github.com/repos/acme/infra/pulls/42"}},
  "comment": {"id": 9, "body": %s, "user": {"login": %q}},
  "repository": {"id": 1001, "name": "infra", "full_name": "acme/infra",
    "clone_url": "https://github.com/acme/infra.git", "owner": {"login": "acme"}},
  "installation": {"id": %d}
}`, quoted, author, installation)
}

var _ = Describe("Engine", func() {
	const (
		timeout      = 5 * time.Second
		interval     = 10 * time.Millisecond
		installation = int64(77)
	)

	var (
		ctx       context.Context
		cancel    context.CancelFunc
		gh        *fakeGitHub
		convs     *fakeConversations
		completer *fakeCompleter
		cli       *fakeCLI
		cloner    *fakeCloner
		store     *thread.MemoryStore
		manager   *workspace.Manager
		deps      Deps
		engine    *Engine
		outcomes  chan Outcome
		poolDone  chan error
	)

	featureX := thread.Key{RepoID: 1001, Branch: "feature-x", PRNumber: 42}

	deliver := func(eventType, payload string) (webhook.Status, error) {
		ev, err := webhook.Classify(eventType, []byte(payload))
		Expect(err).NotTo(HaveOccurred())
		return engine.Dispatch(ctx, ev)
	}

	comment := func(body string) {
		status, err := deliver("issue_comment", commentPayload(body, "octocat", installation))
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(webhook.StatusAccepted))
	}

	awaitOutcome := func() Outcome {
		var o Outcome
		Eventually(outcomes, timeout, interval).Should(Receive(&o))
		return o
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		gh = &fakeGitHub{
			pulls: map[int]*github.PullRequest{42: {Number: 42, HeadBranch: "feature-x"}},
			files: []*github.File{
				{Filename: "main.tf", Status: "added", Patch: `+resource "null_resource" "x" {}`},
				{Filename: "readme.md", Status: "modified", Patch: "+docs"},
			},
		}
		convs = &fakeConversations{reply: "Looks good to me."}
		completer = &fakeCompleter{respond: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Plan: 1 to add") {
				return "This plan adds 1 resource: `null_resource.x`.", nil
			}
			return "No Terraform here, nothing to do!", nil
		}}
		cli = &fakeCLI{planExec: terraform.Execution{Stdout: "Plan: 1 to add, 0 to change, 0 to destroy."}}
		cloner = &fakeCloner{}

		store = thread.NewMemoryStore()
		Expect(store.CreateUser(ctx, &thread.User{
			ID:            "user-1",
			Email:         "dev@acme.test",
			Installations: []int64{installation},
		})).To(Succeed())

		manager = workspace.NewManager(GinkgoT().TempDir(), nil, workspace.WithCloner(cloner))
		outcomes = make(chan Outcome, 16)

		deps = Deps{
			Users:         store,
			Threads:       thread.NewResolver(store, convs),
			Clients:       fakeClients{gh: gh},
			Conversations: convs,
			Workspaces:    manager,
			Pipeline:      terraform.NewPipeline(cli, time.Minute, "terracottaPlan"),
			Composer:      NewComposer(completer, WithPostRetry(2, 10*time.Millisecond)),
			Pool:          NewTaskPool(4, 8),
			Classifier:    command.NewClassifier(""),
		}
	})

	JustBeforeEach(func() {
		engine = NewEngine(deps)
		engine.OnDone = func(o Outcome) { outcomes <- o }

		poolDone = make(chan error, 1)
		pool := deps.Pool
		go func() { poolDone <- pool.Start(ctx) }()
	})

	AfterEach(func() {
		cancel()
		Eventually(poolDone, timeout).Should(Receive(BeNil()))
	})

	Context("when a pull request is opened", func() {
		It("plans the Terraform changes and posts a summary", func() {
			By("accepting the delivery")
			status, err := deliver("pull_request", prOpenedPayload)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(webhook.StatusAccepted))

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Kind).To(Equal(webhook.KindPROpened))
			Expect(o.Key).To(Equal(featureX))
			Expect(o.Posted).To(BeTrue())

			By("creating exactly one thread for the triple")
			Expect(store.ThreadCount("user-1", featureX)).To(Equal(1))
			Expect(convs.Created()).To(Equal(1))

			By("cloning the head branch with the installation")
			Expect(cloner.Requests()).To(ConsistOf(workspace.Request{
				Owner:          "acme",
				Repo:           "infra",
				Branch:         "feature-x",
				CloneURL:       "https://github.com/acme/infra.git",
				InstallationID: installation,
			}))

			By("running init then plan once")
			Expect(cli.initCalls.Load()).To(BeEquivalentTo(1))
			Expect(cli.planCalls.Load()).To(BeEquivalentTo(1))

			By("summarizing the plan output")
			Expect(completer.Prompts()).To(ContainElement(ContainSubstring("Plan: 1 to add")))
			comments := gh.Comments()
			Expect(comments).To(HaveLen(1))
			Expect(comments[0]).To(Equal(postedComment{
				Owner:  "acme",
				Repo:   "infra",
				Number: 42,
				Body:   "This plan adds 1 resource: `null_resource.x`.",
			}))

			By("never looking up the branch the payload already carried")
			Expect(gh.GetPRCalls()).To(BeZero())
		})

		It("reuses an existing clone", func() {
			req := workspace.Request{Owner: "acme", Repo: "infra", Branch: "feature-x"}
			dir := manager.Path(req)
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# stale"), 0o644)).To(Succeed())

			_, err := deliver("pull_request", prOpenedPayload)
			Expect(err).NotTo(HaveOccurred())

			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(cloner.Requests()).To(BeEmpty())
			Expect(cli.planCalls.Load()).To(BeEquivalentTo(1))
		})

		It("stays quiet when no Terraform files changed", func() {
			gh.files = []*github.File{{Filename: "readme.md"}}

			_, err := deliver("pull_request", prOpenedPayload)
			Expect(err).NotTo(HaveOccurred())

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Posted).To(BeFalse())
			Expect(cloner.Requests()).To(BeEmpty())
			Expect(gh.CommentCalls()).To(BeZero())
		})

		Context("with a gcs backend", func() {
			var fetcher *fakeFetcher

			BeforeEach(func() {
				cloner.backend = "terraform {\n  backend \"gcs\" {\n    bucket = \"acme-tf-state\"\n    prefix = \"infra\"\n  }\n}\n"
				fetcher = &fakeFetcher{objects: map[string][]byte{}}
				deps.State = fetcher
				deps.StateBucket = "acme-tf-state"
			})

			It("fetches the remote state before planning", func() {
				fetcher.objects["acme-tf-state/infra/default.tfstate"] = []byte(`{"version":4}`)

				_, err := deliver("pull_request", prOpenedPayload)
				Expect(err).NotTo(HaveOccurred())

				Expect(awaitOutcome().Err).NotTo(HaveOccurred())
				Expect(fetcher.Reads()).To(Equal([]string{"acme-tf-state/infra/default.tfstate"}))
			})

			It("plans even when the state cannot be read", func() {
				_, err := deliver("pull_request", prOpenedPayload)
				Expect(err).NotTo(HaveOccurred())

				o := awaitOutcome()
				Expect(o.Err).NotTo(HaveOccurred())
				Expect(o.Posted).To(BeTrue())
				Expect(fetcher.Reads()).To(HaveLen(1))
			})
		})
	})

	Context("when a comment arrives", func() {
		It("ignores the bot's own comments without any provider call", func() {
			status, err := deliver("issue_comment", commentPayload("tc:plan", command.DefaultBotLogin, installation))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(webhook.StatusIgnored))

			Consistently(outcomes, 200*time.Millisecond).ShouldNot(Receive())
			Expect(gh.GetPRCalls()).To(BeZero())
			Expect(gh.CommentCalls()).To(BeZero())
			Expect(convs.Created()).To(BeZero())
		})

		It("ignores comments that do not address the bot", func() {
			status, err := deliver("issue_comment", commentPayload("nice work, ship it", "octocat", installation))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(webhook.StatusIgnored))
			Consistently(outcomes, 200*time.Millisecond).ShouldNot(Receive())
		})

		It("rejects installations no user owns", func() {
			_, err := deliver("issue_comment", commentPayload("tc:help", "octocat", 999))
			Expect(err).To(MatchError(webhook.ErrUnattributed))
			Consistently(outcomes, 200*time.Millisecond).ShouldNot(Receive())
		})

		It("answers help with the help document", func() {
			comment("tc:help please review tc:plan")

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Command).To(Equal(command.Help))
			Expect(o.Key).To(Equal(featureX))

			comments := gh.Comments()
			Expect(comments).To(HaveLen(1))
			Expect(comments[0].Body).To(Equal(command.HelpDocument()))
			Expect(cli.initCalls.Load()).To(BeZero())
		})

		It("looks up the branch once per delivery and reuses the thread", func() {
			comment("tc:help")
			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(gh.GetPRCalls()).To(Equal(1))

			comment("@try-terracotta help")
			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(gh.GetPRCalls()).To(Equal(2))

			Expect(convs.Created()).To(Equal(1))
			Expect(store.ThreadCount("user-1", featureX)).To(Equal(1))
		})

		It("sends Terraform patches for review", func() {
			comment("tc:review")

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())

			appended := convs.Appended()
			Expect(appended).To(HaveLen(1))
			Expect(appended[0]).To(HavePrefix("Please review the following Terraform code: "))
			Expect(appended[0]).To(ContainSubstring(`"filename":"main.tf"`))
			Expect(appended[0]).NotTo(ContainSubstring("readme.md"))
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", "Looks good to me.")))
		})

		It("apologizes when there is nothing to review", func() {
			gh.files = []*github.File{{Filename: "readme.md"}}
			comment("terracotta:review")

			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(convs.Appended()).To(BeEmpty())
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", "No Terraform here, nothing to do!")))
		})

		It("falls back to a static apology when the assistant is down", func() {
			gh.files = nil
			completer.respond = func(string) (string, error) { return "", assistant.ErrRunIncomplete }
			comment("tc:plan")

			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", noTerraformFallback)))
			Expect(cloner.Requests()).To(BeEmpty())
		})

		It("plans on a fresh clone", func() {
			req := workspace.Request{Owner: "acme", Repo: "infra", Branch: "feature-x"}
			stale := filepath.Join(manager.Path(req), "stale.tf")
			Expect(os.MkdirAll(filepath.Dir(stale), 0o755)).To(Succeed())
			Expect(os.WriteFile(stale, []byte("# stale"), 0o644)).To(Succeed())

			comment("tc:plan")

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Command).To(Equal(command.Plan))
			Expect(stale).NotTo(BeAnExistingFile())
			Expect(cloner.Requests()).To(HaveLen(1))
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", ContainSubstring("adds 1 resource"))))
		})

		It("posts the failure and never plans when init fails", func() {
			cli.initExec = terraform.Execution{ExitCode: 1, Stderr: "Error: Failed to get existing workspaces"}
			comment("tc:plan")

			o := awaitOutcome()
			Expect(o.Err).To(HaveOccurred())
			Expect(o.Step).To(Equal(string(terraform.StepInit)))
			Expect(o.Posted).To(BeTrue())
			Expect(cli.planCalls.Load()).To(BeZero())

			comments := gh.Comments()
			Expect(comments).To(HaveLen(1))
			Expect(comments[0].Body).To(ContainSubstring("terraform init failed"))
			Expect(comments[0].Body).To(ContainSubstring("Failed to get existing workspaces"))
		})

		It("posts the raw plan when it cannot be summarized", func() {
			completer.respond = func(string) (string, error) { return "", assistant.ErrPollExhausted }
			comment("tc:plan")

			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			comments := gh.Comments()
			Expect(comments).To(HaveLen(1))
			Expect(comments[0].Body).To(ContainSubstring("<details>"))
			Expect(comments[0].Body).To(ContainSubstring("Plan: 1 to add, 0 to change, 0 to destroy."))
		})

		It("runs one plan at a time per working directory", func() {
			cli.gate = make(chan struct{})

			comment("tc:plan")
			comment("tc:plan")

			Eventually(cli.planCalls.Load, timeout, interval).Should(BeEquivalentTo(1))
			Consistently(cli.planCalls.Load, 200*time.Millisecond, interval).Should(BeEquivalentTo(1))

			close(cli.gate)
			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(awaitOutcome().Err).NotTo(HaveOccurred())

			Expect(cli.planCalls.Load()).To(BeEquivalentTo(2))
			Expect(cli.maxActive.Load()).To(BeEquivalentTo(1))
			Expect(gh.Comments()).To(HaveLen(2))
		})

		It("recognizes drift without replying", func() {
			comment("tc:drift")

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Command).To(Equal(command.Drift))
			Expect(o.Posted).To(BeFalse())
			Expect(gh.CommentCalls()).To(BeZero())
		})

		It("sends free-form comments to the conversation", func() {
			body := "@try-terracotta why does this need a NAT gateway?"
			comment(body)

			Expect(awaitOutcome().Err).NotTo(HaveOccurred())
			Expect(convs.Appended()).To(Equal([]string{body}))
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", "Looks good to me.")))
		})

		It("tells the user when the assistant gives up", func() {
			convs.runErr = fmt.Errorf("run_1 last seen in_progress: %w", assistant.ErrPollExhausted)
			comment("tc: what changed?")

			o := awaitOutcome()
			Expect(o.Err).To(MatchError(assistant.ErrPollExhausted))
			Expect(gh.Comments()).To(ConsistOf(HaveField("Body", ContainSubstring("took too long"))))
		})

		It("retries a failed post once", func() {
			gh.failComments = 1
			comment("tc:help")

			o := awaitOutcome()
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(gh.CommentCalls()).To(Equal(2))
			Expect(gh.Comments()).To(HaveLen(1))
		})
	})

	Context("when the task queue is full", func() {
		It("rejects the delivery as saturated", func() {
			saturated := NewEngine(Deps{Users: store, Pool: NewTaskPool(1, 0)})
			ev, err := webhook.Classify("issue_comment", []byte(commentPayload("tc:help", "octocat", installation)))
			Expect(err).NotTo(HaveOccurred())

			_, err = saturated.Dispatch(ctx, ev)
			Expect(err).To(MatchError(webhook.ErrSaturated))
		})
	})
})
