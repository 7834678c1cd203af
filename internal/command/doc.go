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

// Package command classifies pull request comments into bot commands.
//
// A comment addresses the bot when it contains one of the trigger prefixes
// "@try-terracotta", "tc:" or "terracotta:". Addressed comments are matched
// against the keywords help, review, plan and drift in that order; the first
// keyword with a matching form wins. Addressed comments without a keyword are
// Freeform and go to the conversation verbatim. Comments authored by the bot
// itself are always Ignored so it never answers its own replies.
//
// Example usage:
//
//	c := command.NewClassifier("try-terracotta[bot]")
//	switch c.Classify(comment.Body, comment.User.Login) {
//	case command.Help:
//		// post command.HelpDocument()
//	}
package command
