package core

import "fmt"

// EventKind names the kind of an inbound event (e.g. "pull_request_opened").
// Kinds outside the predefined set are accepted as opaque strings.
type EventKind string

const (
	EventPullRequestOpened   EventKind = "pull_request_opened"
	EventPullRequestUpdated  EventKind = "pull_request_updated"
	EventPullRequestReopened EventKind = "pull_request_reopened"
	EventPullRequestClosed   EventKind = "pull_request_closed"
	EventPush                EventKind = "push"
	EventManual              EventKind = "manual"
)

// Event is one inbound notification from an external source.
type Event struct {
	Kind     EventKind      `json:"kind" yaml:"kind"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewEvent builds an event with a non-nil metadata map.
func NewEvent(kind EventKind, metadata map[string]any) Event {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Event{Kind: kind, Metadata: md}
}

// Meta returns the metadata value for key formatted as a string, or "" if absent.
func (e Event) Meta(key string) string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// clone returns a copy of the event whose metadata map is not shared with e.
func (e Event) clone() Event {
	return NewEvent(e.Kind, e.Metadata)
}
