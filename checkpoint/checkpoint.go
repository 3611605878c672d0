// Package checkpoint implements C8: versioned snapshots of workflow
// state keyed by thread ID, behind the save/latest/history/resume
// contract of spec §4.7, on top of the teacher's generic
// graph/store.Store[S] persistence layer.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/forgeline/agentgraph/graph/store"
	"github.com/forgeline/agentgraph/workflow"
)

// ErrOutOfOrder is returned by Save when seq is not strictly greater
// than the latest seq already recorded for threadID, per spec §4.7's
// monotonic-seq guarantee.
var ErrOutOfOrder = errors.New("checkpoint: seq is not greater than the latest recorded seq")

// Snapshot is one (seq, state) pair for a thread.
type Snapshot struct {
	Seq   int
	State workflow.State
}

// Checkpointer wraps a store.Store[workflow.State] with the
// thread-keyed save/latest/history/resume contract. It is safe for
// concurrent use; Save serializes per Checkpointer instance so two
// concurrent saves for the same thread can never interleave and leave
// a partially-applied snapshot visible to a concurrent Latest/History
// call, satisfying the "save is atomic" guarantee.
//
// History is served from an in-process cache this Checkpointer builds
// as it observes Saves, because graph/store.Store exposes only
// LoadLatest, not a full per-run step listing. This is sufficient for
// the single-process orchestrator this package serves: a
// Checkpointer restarted against a durable backend will have lost its
// History cache but still correctly resumes from Latest, since Latest
// and Resume go straight to the backing store.
type Checkpointer struct {
	mu      sync.Mutex
	backing store.Store[workflow.State]

	latestSeq map[string]int
	history   map[string][]Snapshot
}

// New constructs a Checkpointer backed by store.
func New(backing store.Store[workflow.State]) *Checkpointer {
	return &Checkpointer{
		backing:   backing,
		latestSeq: make(map[string]int),
		history:   make(map[string][]Snapshot),
	}
}

// Save persists state as the snapshot at seq for threadID. It rejects
// any seq that is not strictly greater than the latest seq already
// saved for threadID, and is atomic: a failed or rejected Save never
// updates either the backing store or this Checkpointer's own seq
// bookkeeping, so a subsequent Latest/History never observes a
// half-applied save.
func (c *Checkpointer) Save(ctx context.Context, threadID string, seq int, state workflow.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.latestSeq[threadID]; ok && seq <= last {
		return fmt.Errorf("%w: thread %s seq %d, latest %d", ErrOutOfOrder, threadID, seq, last)
	}

	if err := c.backing.SaveStep(ctx, threadID, seq, state.CurrentStep, state); err != nil {
		return fmt.Errorf("checkpoint: save thread %s seq %d: %w", threadID, seq, err)
	}

	c.latestSeq[threadID] = seq
	c.history[threadID] = append(c.history[threadID], Snapshot{Seq: seq, State: state})
	return nil
}

// Latest returns the most recently saved snapshot for threadID, or
// found=false if no snapshot has been saved.
func (c *Checkpointer) Latest(ctx context.Context, threadID string) (snap Snapshot, found bool, err error) {
	state, step, err := c.backing.LoadLatest(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("checkpoint: latest for thread %s: %w", threadID, err)
	}
	return Snapshot{Seq: step, State: state}, true, nil
}

// History returns every snapshot this Checkpointer instance has saved
// for threadID, oldest first. See the type doc for the scope of what
// History can see.
func (c *Checkpointer) History(threadID string) []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := c.history[threadID]
	out := make([]Snapshot, len(snaps))
	copy(out, snaps)
	return out
}

// terminalStatuses are the workflow.Status values Resume treats as
// final: resuming a thread already in one of these states is a no-op
// that returns the stored final state, per spec §4.7.
var terminalStatuses = map[workflow.Status]bool{
	workflow.StatusCompleted: true,
	workflow.StatusFailed:    true,
	workflow.StatusCancelled: true,
}

// Resume loads the latest snapshot for threadID and reports whether
// the caller should continue executing (resuming=true) or the
// workflow had already reached a terminal status (resuming=false,
// in which case state is the final state to hand back unchanged). It
// is the orchestrator's responsibility to map state.CurrentStep to
// the node that should run next; Resume only decides whether there is
// anything left to do.
func (c *Checkpointer) Resume(ctx context.Context, threadID string) (state workflow.State, resuming bool, found bool, err error) {
	snap, found, err := c.Latest(ctx, threadID)
	if err != nil || !found {
		return workflow.State{}, false, found, err
	}
	if terminalStatuses[snap.State.Status] {
		return snap.State, false, true, nil
	}
	return snap.State, true, true, nil
}
