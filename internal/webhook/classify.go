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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingInstallation means a handled delivery carried no installation
var ErrMissingInstallation = errors.New("payload has no installation id")

// Classify turns a delivery into an EventContext. Pull request payloads
// carry their branch; issue payloads only carry the number. Anything that
// is neither an opened pull request nor a new comment on a pull request is
// KindUnhandled and needs no installation.
func Classify(eventType string, payload []byte) (EventContext, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return EventContext{}, fmt.Errorf("invalid JSON payload: %w", err)
	}

	ev := EventContext{
		EventType: eventType,
		Action:    event.Action,
		RepoID:    event.Repository.ID,
		Owner:     event.Repository.Owner.Login,
		Repo:      event.Repository.Name,
		CloneURL:  event.Repository.CloneURL,
		HTMLURL:   event.Repository.HTMLURL,
	}
	if event.Installation != nil {
		ev.InstallationID = event.Installation.ID
	}

	action := strings.ToLower(event.Action)
	switch {
	case event.PullRequest != nil:
		ev.PRNumber = event.PullRequest.Number
		if ev.PRNumber == 0 {
			ev.PRNumber = event.Number
		}
		ev.Branch = event.PullRequest.Head.Ref
		ev.BranchResolved = true
		if eventType == "pull_request" && (action == "opened" || action == "reopened") {
			ev.Kind = KindPROpened
		}
	case event.Issue != nil:
		ev.PRNumber = event.Issue.Number
		if event.Comment != nil {
			ev.CommentBody = event.Comment.Body
			ev.CommentAuthor = event.Comment.User.Login
		}
		if eventType == "issue_comment" && action == "created" && event.Issue.PullRequest != nil && event.Comment != nil {
			ev.Kind = KindComment
		}
	}

	if ev.Kind != KindUnhandled && ev.InstallationID == 0 {
		return ev, ErrMissingInstallation
	}
	return ev, nil
}
