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
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/terracotta/internal/assistant"
	"github.com/mikelane/terracotta/internal/github"
	"github.com/mikelane/terracotta/internal/metrics"
	"github.com/mikelane/terracotta/internal/terraform"
)

// maxCommentBytes keeps comments under GitHub's 65536 character body limit
const maxCommentBytes = 60000

const summaryPrompt = `You are reviewing a Terraform plan for a pull request. Summarize what it
will do in a short GitHub comment: list the resources that will be added, changed
or destroyed and point out anything risky. Use markdown.

`

const noTerraformPrompt = "No Terraform files found in PR, please write a nice message to the user explaining that. " +
	"Keep it short and simple. Note that this is not an email but a github comment inside a PR, " +
	"so no need to include a signature or anything like that. Better to just be casual and friendly."

const noTerraformFallback = "I looked through this pull request but didn't find any Terraform files, so there's nothing for me to plan or review here."

// Composer turns results into pull request comments and posts them
type Composer struct {
	completer assistant.Completer
	backoff   wait.Backoff
}

// ComposerOption configures a Composer
type ComposerOption func(*Composer)

// WithPostRetry sets how many times a comment post is attempted and the
// pause before the first retry.
func WithPostRetry(attempts int, initial time.Duration) ComposerOption {
	return func(c *Composer) {
		if attempts > 0 {
			c.backoff.Steps = attempts
		}
		c.backoff.Duration = initial
	}
}

// NewComposer returns a Composer that summarizes with completer. Posts are
// attempted twice by default.
func NewComposer(completer assistant.Completer, opts ...ComposerOption) *Composer {
	c := &Composer{
		completer: completer,
		backoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SummarizePlan asks the assistant to explain plan output. If the assistant
// fails the raw plan is returned in a collapsed block instead.
func (c *Composer) SummarizePlan(ctx context.Context, plan string) string {
	summary, err := c.completer.Complete(ctx, summaryPrompt+plan)
	if err == nil && strings.TrimSpace(summary) != "" {
		return summary
	}
	if err != nil {
		log.FromContext(ctx).Error(err, "Failed to summarize plan, posting raw output")
	}
	return "Here is the Terraform plan for this pull request.\n\n" +
		"<details><summary>terraform plan</summary>\n\n```\n" + truncate(plan, maxCommentBytes-200) + "\n```\n</details>\n"
}

// NoTerraformFiles composes the reply for a pull request without any
// Terraform changes
func (c *Composer) NoTerraformFiles(ctx context.Context) string {
	msg, err := c.completer.Complete(ctx, noTerraformPrompt)
	if err != nil || strings.TrimSpace(msg) == "" {
		if err != nil {
			log.FromContext(ctx).Error(err, "Failed to compose no-terraform message, using fallback")
		}
		return noTerraformFallback
	}
	return msg
}

// FormatFailure describes a failed pipeline run
func FormatFailure(res terraform.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### :x: terraform %s failed\n\n", res.Step)
	if errors.Is(res.Err, terraform.ErrTimeout) {
		b.WriteString("The step ran out of time and was stopped.\n\n")
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		b.WriteString("```\n")
		b.WriteString(truncate(out, maxCommentBytes-200))
		b.WriteString("\n```\n")
	}
	return b.String()
}

// FormatAssistantFailure is posted when a conversation produced no reply
func FormatAssistantFailure(cmd string, err error) string {
	reason := "the assistant did not answer"
	switch {
	case errors.Is(err, assistant.ErrPollExhausted):
		reason = "the assistant took too long to answer"
	case errors.Is(err, assistant.ErrRunIncomplete):
		reason = "the assistant run did not complete"
	}
	return fmt.Sprintf("Sorry, I couldn't finish the %s request: %s. Please try again in a moment.", cmd, reason)
}

// Post creates a comment, retrying once after a short pause. A retried
// post may leave a duplicate comment if the first attempt reached GitHub.
func (c *Composer) Post(ctx context.Context, gh github.Client, owner, repo string, number int, body string) error {
	logger := log.FromContext(ctx)
	body = truncate(body, maxCommentBytes)

	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, c.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := gh.CreateComment(ctx, owner, repo, number, body); err != nil {
			lastErr = err
			logger.Error(err, "Failed to post comment", "attempt", attempt, "maxAttempts", c.backoff.Steps)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		metrics.CommentsPosted.WithLabelValues(metrics.ResultFailure).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr != nil {
			return fmt.Errorf("failed to post comment after %d attempts: %w", attempt, lastErr)
		}
		return err
	}

	metrics.CommentsPosted.WithLabelValues(metrics.ResultSuccess).Inc()
	logger.Info("Posted comment", "owner", owner, "repo", repo, "number", number)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	// Step back to a rune boundary.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
