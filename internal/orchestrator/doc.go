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

// Package orchestrator routes classified webhook deliveries to work.
//
// Engine implements webhook.Dispatcher. On the request it gates comments
// through the command classifier and attributes the installation to a user;
// accepted deliveries become tasks on a TaskPool so a slow terraform plan
// never holds up the webhook response.
//
// A task resolves the head branch (one pull request lookup for comments),
// resolves the conversation thread for (repoId, branch, prNumber) and then
// runs one of:
//
//   - pull request opened: plan the Terraform changes on a reused clone
//   - help: post the help document
//   - review: send the Terraform patches to the conversation and post the reply
//   - plan: plan on a fresh clone
//   - drift: log only
//   - freeform: send the comment to the conversation and post the reply
//
// Composer writes the comments. Plan summaries fall back to the raw plan when
// the assistant is unavailable, and pipeline failures are always posted.
package orchestrator
