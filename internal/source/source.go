// Package source turns external notifications (GitHub webhooks, JSON
// events, NATS messages) into pipeline events.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pullci/internal/core"
)

// ErrInvalidEvent is wrapped by every decoding error.
var ErrInvalidEvent = errors.New("invalid event")

type eventDoc struct {
	Kind     string         `json:"kind"`
	Metadata map[string]any `json:"metadata"`
}

// DecodeEvent decodes {"kind": ..., "metadata": {...}}.
func DecodeEvent(data []byte) (core.Event, error) {
	var doc eventDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	kind := strings.TrimSpace(doc.Kind)
	if kind == "" {
		return core.Event{}, fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	return core.NewEvent(core.EventKind(kind), doc.Metadata), nil
}

// GitHub webhook payloads, reduced to the fields mapped into metadata.
type ghRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title   string   `json:"title"`
		HTMLURL string   `json:"html_url"`
		Draft   bool     `json:"draft"`
		Merged  bool     `json:"merged"`
		Head    ghBranch `json:"head"`
		Base    ghBranch `json:"base"`
	} `json:"pull_request"`
	Repository ghRepository `json:"repository"`
	Sender     ghUser       `json:"sender"`
}

type ghPushEvent struct {
	Ref        string       `json:"ref"`
	Before     string       `json:"before"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Repository ghRepository `json:"repository"`
	Sender     ghUser       `json:"sender"`
}

var pullRequestActions = map[string]core.EventKind{
	"opened":      core.EventPullRequestOpened,
	"synchronize": core.EventPullRequestUpdated,
	"reopened":    core.EventPullRequestReopened,
	"closed":      core.EventPullRequestClosed,
}

// ParseGitHubEvent maps a webhook delivery to an Event. eventType is the
// X-GitHub-Event header. ok is false for deliveries that carry no pipeline
// event, such as ping or a pull_request "labeled" action.
func ParseGitHubEvent(eventType string, body []byte) (ev core.Event, ok bool, err error) {
	switch eventType {
	case "pull_request":
		var p ghPullRequestEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return core.Event{}, false, fmt.Errorf("%w: pull_request payload: %v", ErrInvalidEvent, err)
		}
		kind, known := pullRequestActions[p.Action]
		if !known {
			return core.Event{}, false, nil
		}
		return core.NewEvent(kind, map[string]any{
			"action":     p.Action,
			"repository": p.Repository.FullName,
			"clone_url":  p.Repository.CloneURL,
			"ref":        p.PullRequest.Head.Ref,
			"head_sha":   p.PullRequest.Head.SHA,
			"base_ref":   p.PullRequest.Base.Ref,
			"base_sha":   p.PullRequest.Base.SHA,
			"number":     p.Number,
			"title":      p.PullRequest.Title,
			"url":        p.PullRequest.HTMLURL,
			"draft":      p.PullRequest.Draft,
			"merged":     p.PullRequest.Merged,
			"sender":     p.Sender.Login,
		}), true, nil
	case "push":
		var p ghPushEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return core.Event{}, false, fmt.Errorf("%w: push payload: %v", ErrInvalidEvent, err)
		}
		if p.Deleted {
			return core.Event{}, false, nil
		}
		return core.NewEvent(core.EventPush, map[string]any{
			"repository": p.Repository.FullName,
			"clone_url":  p.Repository.CloneURL,
			"ref":        p.Ref,
			"head_sha":   p.After,
			"before":     p.Before,
			"sender":     p.Sender.Login,
		}), true, nil
	default:
		return core.Event{}, false, nil
	}
}
