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

package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// OpenAIConfig configures the OpenAI collaborator
type OpenAIConfig struct {
	APIKey      string
	AssistantID string
	// Model is used for one-shot completions.
	Model string
	// PollInterval and PollAttempts bound how long Run waits for a run.
	PollInterval time.Duration
	PollAttempts int
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// OpenAI implements Conversations with the Assistants API threads and runs,
// and Completer with chat completions.
type OpenAI struct {
	client      openai.Client
	assistantID string
	model       string
	backoff     wait.Backoff
}

var (
	_ Conversations = (*OpenAI)(nil)
	_ Completer     = (*OpenAI)(nil)
)

// NewOpenAI creates an OpenAI collaborator. Extra request options are
// appended after the ones derived from cfg.
func NewOpenAI(cfg OpenAIConfig, opts ...option.RequestOption) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = 120
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}

	return &OpenAI{
		client:      openai.NewClient(reqOpts...),
		assistantID: cfg.AssistantID,
		model:       model,
		backoff: wait.Backoff{
			Duration: interval,
			Factor:   1.0,
			Jitter:   0.1,
			Steps:    attempts,
		},
	}
}

// CreateConversation implements Conversations
func (o *OpenAI) CreateConversation(ctx context.Context) (string, error) {
	thread, err := o.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return thread.ID, nil
}

// Append implements Conversations
func (o *OpenAI) Append(ctx context.Context, conversationID, text string) error {
	_, err := o.client.Beta.Threads.Messages.New(ctx, conversationID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append message to thread %s: %w", conversationID, err)
	}
	return nil
}

// Run implements Conversations. It starts a run with the configured
// assistant, polls until the run leaves the queued and in-progress states,
// and returns the text of the newest message.
func (o *OpenAI) Run(ctx context.Context, conversationID string) (string, error) {
	logger := log.FromContext(ctx).WithValues("thread", conversationID)

	run, err := o.client.Beta.Threads.Runs.New(ctx, conversationID, openai.BetaThreadRunNewParams{
		AssistantID: o.assistantID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	status := run.Status
	err = wait.ExponentialBackoffWithContext(ctx, o.backoff, func(ctx context.Context) (bool, error) {
		if !pending(status) {
			return true, nil
		}
		current, err := o.client.Beta.Threads.Runs.Get(ctx, conversationID, run.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get run %s: %w", run.ID, err)
		}
		status = current.Status
		return !pending(status), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if wait.Interrupted(err) {
			return "", fmt.Errorf("run %s last seen %s: %w", run.ID, status, ErrPollExhausted)
		}
		return "", err
	}

	if status != openai.RunStatusCompleted {
		logger.Info("Assistant run ended without completing", "run", run.ID, "status", status)
		return "", fmt.Errorf("run %s ended %s: %w", run.ID, status, ErrRunIncomplete)
	}

	page, err := o.client.Beta.Threads.Messages.List(ctx, conversationID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(1),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list messages: %w", err)
	}
	if len(page.Data) == 0 {
		return "", fmt.Errorf("run %s produced no messages: %w", run.ID, ErrRunIncomplete)
	}

	var reply strings.Builder
	for _, part := range page.Data[0].Content {
		if part.Type == "text" {
			reply.WriteString(part.Text.Value)
		}
	}
	if reply.Len() == 0 {
		return "", errors.New("latest message has no text content")
	}
	return reply.String(), nil
}

// Complete implements Completer with a single user message
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func pending(status openai.RunStatus) bool {
	return status == openai.RunStatusQueued || status == openai.RunStatusInProgress
}
