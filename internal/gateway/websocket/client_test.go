package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/herdctl/herdctl/internal/events"
)

func TestFilterMatches(t *testing.T) {
	e := events.New("transition.ci_failed", events.PriorityAction, "ci failed").
		WithSession("app-3", "app")

	assert.True(t, (&filter{}).matches(e))
	assert.True(t, (&filter{SessionID: "app-3"}).matches(e))
	assert.False(t, (&filter{SessionID: "app-4"}).matches(e))
	assert.True(t, (&filter{ProjectID: "app"}).matches(e))
	assert.True(t, (&filter{TypePrefix: "transition."}).matches(e))
	assert.False(t, (&filter{TypePrefix: "session."}).matches(e))
	assert.True(t, (&filter{MinPriority: "warning"}).matches(e))
	assert.False(t, (&filter{MinPriority: "urgent"}).matches(e))
	assert.True(t, (&filter{Types: []string{"transition.ci_failed"}}).matches(e))
	assert.False(t, (&filter{Types: []string{"session.spawned"}}).matches(e))
}
