package backfill

import (
	"testing"

	"github.com/meridian/advisory/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversation() []models.Message {
	return []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "how is my portfolio doing"},
		{ID: "m2", Role: models.RoleAssistant, Content: "here is the summary"},
		{ID: "m3", Role: models.RoleUser, Content: "and apple specifically?"},
		{ID: "m4", Role: models.RoleAssistant, Content: "AAPL is up"},
	}
}

func TestReconcileAssignsByPosition(t *testing.T) {
	out, changed := Reconcile(conversation(), []string{"run-1", "run-2"})

	require.True(t, changed)
	assert.Equal(t, "run-1", out[0].RunID)
	assert.Equal(t, "run-1", out[1].RunID)
	assert.Equal(t, "run-2", out[2].RunID)
	assert.Equal(t, "run-2", out[3].RunID)
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	in := conversation()
	_, changed := Reconcile(in, []string{"run-1", "run-2"})

	require.True(t, changed)
	for _, m := range in {
		assert.Empty(t, m.RunID)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	runIDs := []string{"run-1", "run-2"}
	first, changed := Reconcile(conversation(), runIDs)
	require.True(t, changed)

	second, changed := Reconcile(first, runIDs)
	assert.False(t, changed)
	assert.Equal(t, first, second)
}

func TestReconcileNeverOverwrites(t *testing.T) {
	in := conversation()
	in[0].RunID = "existing"

	out, changed := Reconcile(in, []string{"run-1", "run-2"})

	require.True(t, changed, "the assistant reply and second pair still get ids")
	assert.Equal(t, "existing", out[0].RunID)
	assert.Equal(t, "existing", out[1].RunID, "reply inherits the user message id, not the positional one")
	assert.Equal(t, "run-2", out[2].RunID)
}

func TestReconcileMoreUsersThanRuns(t *testing.T) {
	out, changed := Reconcile(conversation(), []string{"run-1"})

	require.True(t, changed)
	assert.Equal(t, "run-1", out[0].RunID)
	assert.Equal(t, "run-1", out[1].RunID)
	assert.Empty(t, out[2].RunID, "excess user messages stay unresolved")
	assert.Empty(t, out[3].RunID)
}

func TestReconcileEmptyInputs(t *testing.T) {
	msgs := conversation()

	out, changed := Reconcile(msgs, nil)
	assert.False(t, changed)
	assert.Equal(t, msgs, out)

	out, changed = Reconcile(nil, []string{"run-1"})
	assert.False(t, changed)
	assert.Nil(t, out)
}

func TestReconcileAssistantOnlyPrefix(t *testing.T) {
	msgs := []models.Message{
		{ID: "m1", Role: models.RoleAssistant, Content: "welcome"},
		{ID: "m2", Role: models.RoleUser, Content: "hello"},
		{ID: "m3", Role: models.RoleAssistant, Content: "hi there"},
	}

	out, changed := Reconcile(msgs, []string{"run-1"})

	require.True(t, changed)
	assert.Empty(t, out[0].RunID, "a greeting with no originating run stays unassigned")
	assert.Equal(t, "run-1", out[1].RunID)
	assert.Equal(t, "run-1", out[2].RunID)
}
