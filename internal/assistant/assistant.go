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
)

var (
	// ErrRunIncomplete is returned when a run ends in any state but completed
	ErrRunIncomplete = errors.New("assistant run did not complete")

	// ErrPollExhausted is returned when a run is still going after the last poll
	ErrPollExhausted = errors.New("assistant run still in progress after polling")
)

// Conversations is the multi-turn side of the assistant. A conversation
// keeps its history on the provider; callers hold only its id.
type Conversations interface {
	// CreateConversation opens an empty conversation and returns its id
	CreateConversation(ctx context.Context) (string, error)
	// Append adds a user message to the conversation
	Append(ctx context.Context, conversationID, text string) error
	// Run asks the assistant to respond and returns its latest reply
	Run(ctx context.Context, conversationID string) (string, error)
}

// Completer answers a single prompt without conversation state
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
