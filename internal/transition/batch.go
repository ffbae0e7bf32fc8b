package transition

import "github.com/org/keybackup/pkg/models"

// NextBatch returns the targets the owner should dispatch next: up to
// concurrency - |wip| nodes drawn from targets that are neither
// completed nor already in progress, in target order. A full pipeline
// or a finished transition yields nil.
func NextBatch(t *models.Transition) []string {
	if t.Done() || t.Aborted {
		return nil
	}
	slots := t.Concurrency - len(t.WIP)
	if slots <= 0 {
		return nil
	}
	remaining := t.Remaining()
	if len(remaining) > slots {
		remaining = remaining[:slots]
	}
	return remaining
}
