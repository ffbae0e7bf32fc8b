package transition

import (
	"context"

	"github.com/google/uuid"

	"github.com/org/keybackup/pkg/models"
)

// NodeTasker submits per-target work to the compute nodes and waits
// for its completion. The engine never talks to nodes directly; it
// only records the task ids this collaborator hands back.
type NodeTasker interface {
	// DispatchTask starts the named transition work on one target node
	// and returns the task id tracking it.
	DispatchTask(ctx context.Context, target, name string, cfg *models.RecoveryConfiguration) (string, error)

	// WaitTask blocks until the task finishes, returning an error on
	// terminal task failure.
	WaitTask(ctx context.Context, taskID string) error
}

// InstantTasker completes every task immediately. It backs development
// mode, where no node agents exist to receive work.
type InstantTasker struct{}

func (InstantTasker) DispatchTask(ctx context.Context, target, name string, cfg *models.RecoveryConfiguration) (string, error) {
	return uuid.NewString(), nil
}

func (InstantTasker) WaitTask(ctx context.Context, taskID string) error {
	return nil
}
