package progress

import (
	"log/slog"
	"sync"
	"time"
)

// defaultBufferSize bounds how many unconsumed events a slow subscriber
// may queue before new events are dropped for it. This is what makes
// delivery best-effort and non-blocking: a node never waits on a
// subscriber to drain.
const defaultBufferSize = 256

// Emitter fans typed progress events out to subscribers registered on
// the orchestrator instance. Each subscriber gets its own buffered
// channel; a full channel drops the new event for that subscriber
// rather than blocking the publisher, matching spec §4.8's "slow
// subscribers must not stall the graph".
type Emitter struct {
	mu         sync.RWMutex
	subs       map[int]chan Event
	nextID     int
	bufferSize int
	logger     *slog.Logger
}

// New constructs an Emitter with the default per-subscriber buffer size.
func New(logger *slog.Logger) *Emitter {
	return NewWithBuffer(logger, defaultBufferSize)
}

// NewWithBuffer constructs an Emitter with a custom per-subscriber
// buffer size, primarily for tests that want to force a drop.
func NewWithBuffer(logger *slog.Logger, bufferSize int) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Emitter{
		subs:       make(map[int]chan Event),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel
// plus an unsubscribe function the caller must eventually call to stop
// receiving events and release the channel.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	ch := make(chan Event, e.bufferSize)
	e.subs[id] = ch
	e.mu.Unlock()

	unsubscribe := func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
		e.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish fans ev out to every subscriber without blocking the caller.
func (e *Emitter) publish(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("progress: dropping event for slow subscriber",
				"subscriber_id", id, "kind", ev.Kind)
		}
	}
}

func (e *Emitter) WorkflowStarted(workflowID, workflowType, requirement string, startedAt time.Time) {
	e.publish(Event{Kind: KindWorkflowStarted, Payload: WorkflowStarted{
		WorkflowID: workflowID, WorkflowType: workflowType, Requirement: requirement, StartedAt: startedAt,
	}})
}

func (e *Emitter) NodeStarted(workflowID, nodeName, role string) {
	e.publish(Event{Kind: KindNodeStarted, Payload: NodeStarted{
		WorkflowID: workflowID, NodeName: nodeName, Role: role,
	}})
}

func (e *Emitter) NodeAction(workflowID, nodeName, description string, details map[string]any) {
	e.publish(Event{Kind: KindNodeAction, Payload: NodeAction{
		WorkflowID: workflowID, NodeName: nodeName, Description: description, Details: details,
	}})
}

func (e *Emitter) NodeCompleted(workflowID, nodeName, summary string, filesCreated []string) {
	e.publish(Event{Kind: KindNodeCompleted, Payload: NodeCompleted{
		WorkflowID: workflowID, NodeName: nodeName, Summary: summary, FilesCreated: filesCreated,
	}})
}

func (e *Emitter) NodeFailed(workflowID, nodeName, errMsg string) {
	e.publish(Event{Kind: KindNodeFailed, Payload: NodeFailed{
		WorkflowID: workflowID, NodeName: nodeName, Error: errMsg,
	}})
}

func (e *Emitter) InterAgentHandoff(fromNode, toNode, message string) {
	e.publish(Event{Kind: KindInterAgentHandoff, Payload: InterAgentHandoff{
		FromNode: fromNode, ToNode: toNode, Message: message,
	}})
}

func (e *Emitter) ParallelStart(targets []string) {
	e.publish(Event{Kind: KindParallelStart, Payload: ParallelStart{Targets: targets}})
}

func (e *Emitter) ParallelComplete(targets []string) {
	e.publish(Event{Kind: KindParallelComplete, Payload: ParallelComplete{Targets: targets}})
}

func (e *Emitter) WorkflowStatus(workflowID, status, currentStep string, completedSteps []string) {
	e.publish(Event{Kind: KindWorkflowStatus, Payload: WorkflowStatus{
		WorkflowID: workflowID, Status: status, CurrentStep: currentStep, CompletedSteps: completedSteps,
	}})
}

func (e *Emitter) WorkflowCompleted(workflowID, status string, completedAt time.Time) {
	e.publish(Event{Kind: KindWorkflowCompleted, Payload: WorkflowCompleted{
		WorkflowID: workflowID, Status: status, CompletedAt: completedAt,
	}})
}
