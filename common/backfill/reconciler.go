// Package backfill repairs missing run correlations on locally held
// conversation history. A page reload mid-run can leave message pairs without
// a run id even though the run itself was persisted; given the thread's
// authoritative, chronologically ordered run-id list, the reconciler assigns
// ids back by position.
package backfill

import (
	"github.com/meridian/advisory/common/models"
)

// Reconcile assigns persisted run ids to display messages by positional
// correlation: the k-th user message (in display order) receives the k-th
// persisted run id, and the nearest following assistant message inherits the
// user message's id. Existing assignments are never overwritten, and user
// messages beyond the persisted list are left unresolved rather than guessed.
//
// The returned slice is a fresh copy only when at least one assignment
// changed; otherwise the input slice is returned unmodified with changed
// false, so callers can skip downstream updates.
func Reconcile(messages []models.Message, runIDs []string) ([]models.Message, bool) {
	if len(runIDs) == 0 || len(messages) == 0 {
		return messages, false
	}

	out := make([]models.Message, len(messages))
	copy(out, messages)

	changed := false
	userIndex := 0
	for i := range out {
		if out[i].Role != models.RoleUser {
			continue
		}
		k := userIndex
		userIndex++
		if k >= len(runIDs) {
			// More user messages than persisted runs; the excess
			// correlation is ambiguous and stays unresolved
			break
		}

		if out[i].RunID == "" {
			out[i].RunID = runIDs[k]
			changed = true
		}

		// The reply inherits the user message's id, scanning forward to
		// the first assistant message only
		for j := i + 1; j < len(out); j++ {
			if out[j].Role != models.RoleAssistant {
				continue
			}
			if out[j].RunID == "" && out[i].RunID != "" {
				out[j].RunID = out[i].RunID
				changed = true
			}
			break
		}
	}

	if !changed {
		return messages, false
	}
	return out, true
}
