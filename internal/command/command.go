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

package command

import (
	_ "embed"
	"strings"
)

// Command is the action requested by a pull request comment.
type Command int

const (
	// Ignored comments produce no work at all.
	Ignored Command = iota
	// Help replies with the static help document.
	Help
	// Review sends the Terraform diffs of the pull request to the assistant.
	Review
	// Plan runs terraform init/plan on a fresh checkout and summarizes the result.
	Plan
	// Drift is recognized but has no behavior yet.
	Drift
	// Freeform appends the comment to the conversation and replies.
	Freeform
)

// DefaultBotLogin is the login GitHub uses for comments posted by the app.
const DefaultBotLogin = "try-terracotta[bot]"

//go:embed help.md
var helpDocument string

// HelpDocument returns the markdown posted in reply to a help command.
func HelpDocument() string {
	return helpDocument
}

// Triggers are the prefixes that address the bot. A comment without any of
// them is never classified further.
var Triggers = []string{"@try-terracotta", "tc:", "terracotta:"}

// keywords is evaluated top to bottom and the first command with a matching
// form wins, regardless of where in the comment the form appears.
var keywords = []struct {
	command Command
	name    string
}{
	{Help, "help"},
	{Review, "review"},
	{Plan, "plan"},
	{Drift, "drift"},
}

// forms expands a command keyword into the three equivalent trigger spellings.
func forms(name string) []string {
	return []string{
		"tc:" + name,
		"terracotta:" + name,
		"@try-terracotta " + name,
	}
}

func (c Command) String() string {
	switch c {
	case Help:
		return "help"
	case Review:
		return "review"
	case Plan:
		return "plan"
	case Drift:
		return "drift"
	case Freeform:
		return "freeform"
	default:
		return "ignored"
	}
}

// Classifier turns comment text into a Command.
type Classifier struct {
	// BotLogin is the author login of the bot's own comments.
	BotLogin string
}

// NewClassifier returns a Classifier that ignores comments written by botLogin.
// An empty botLogin falls back to DefaultBotLogin.
func NewClassifier(botLogin string) Classifier {
	if botLogin == "" {
		botLogin = DefaultBotLogin
	}
	return Classifier{BotLogin: botLogin}
}

// Classify applies, in order: loop prevention on the author, trigger gating,
// then case-sensitive keyword matching. Triggered comments that match no
// keyword are Freeform.
func (c Classifier) Classify(body, author string) Command {
	if author != "" && author == c.BotLogin {
		return Ignored
	}
	if !HasTrigger(body) {
		return Ignored
	}
	for _, kw := range keywords {
		for _, form := range forms(kw.name) {
			if strings.Contains(body, form) {
				return kw.command
			}
		}
	}
	return Freeform
}

// HasTrigger reports whether body addresses the bot.
func HasTrigger(body string) bool {
	for _, t := range Triggers {
		if strings.Contains(body, t) {
			return true
		}
	}
	return false
}
