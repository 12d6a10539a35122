package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger_KindOnly(t *testing.T) {
	tr := MustTrigger([]EventKind{EventPullRequestOpened}, "")

	ok, err := tr.Matches(Event{Kind: EventPullRequestOpened})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Matches(Event{Kind: EventPush})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrigger_AnyKind(t *testing.T) {
	tr := MustTrigger(nil, "")
	ok, err := tr.Matches(Event{Kind: "release"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrigger_Condition(t *testing.T) {
	tr, err := NewTrigger(
		[]EventKind{EventPullRequestOpened, EventPullRequestUpdated},
		`metadata.base_ref == "main" && !(metadata.draft ?? false)`,
	)
	require.NoError(t, err)

	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"main", NewEvent(EventPullRequestOpened, map[string]any{"base_ref": "main"}), true},
		{"other branch", NewEvent(EventPullRequestOpened, map[string]any{"base_ref": "dev"}), false},
		{"draft", NewEvent(EventPullRequestUpdated, map[string]any{"base_ref": "main", "draft": true}), false},
		{"no metadata", Event{Kind: EventPullRequestOpened}, false},
		{"wrong kind", NewEvent(EventPush, map[string]any{"base_ref": "main"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := tr.Matches(tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestTrigger_ConditionUsesKind(t *testing.T) {
	tr := MustTrigger(nil, `kind startsWith "pull_request"`)
	ok, _ := tr.Matches(Event{Kind: EventPullRequestClosed})
	assert.True(t, ok)
	ok, _ = tr.Matches(Event{Kind: EventPush})
	assert.False(t, ok)
}

func TestTrigger_CompileError(t *testing.T) {
	_, err := NewTrigger(nil, "metadata.ref ==")
	assert.Error(t, err)

	_, err = NewTrigger(nil, `"not a bool"`)
	assert.Error(t, err, "conditions must evaluate to a boolean")
}
