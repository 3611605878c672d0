package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/forgeline/agentgraph/agent"
	"github.com/forgeline/agentgraph/checkpoint"
	"github.com/forgeline/agentgraph/graph"
	"github.com/forgeline/agentgraph/graph/emit"
	"github.com/forgeline/agentgraph/graph/store"
	"github.com/forgeline/agentgraph/llmclient"
	"github.com/forgeline/agentgraph/progress"
	"github.com/forgeline/agentgraph/resilience"
	"github.com/forgeline/agentgraph/workflow"
)

// Orchestrator is the top-level entry point external collaborators
// call: execute_feature_development and execute_bug_fix from spec
// §6.4, plus a non-blocking cancel. It owns the shared LLM client
// pool, circuit breaker, per-role agent runtimes, checkpoint store,
// and progress emitter that every workflow run uses.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	pool     *llmclient.Pool
	breaker  *resilience.Breaker
	runtimes map[agent.Role]*agent.Runtime
	emitter  *progress.Emitter
	store    store.Store[workflow.State]
	cp       *checkpoint.Checkpointer

	// metricsRegistry and metrics back every graph engine this
	// orchestrator builds (AS3's Prometheus wiring). Each Orchestrator
	// gets its own registry rather than prometheus.DefaultRegisterer so
	// that constructing more than one instance in a process (as the
	// test suite does) never collides on metric name registration.
	metricsRegistry *prometheus.Registry
	metrics         *graph.PrometheusMetrics
	// engineEmitter carries the graph engine's own internal node
	// lifecycle events (distinct from the progress.Emitter's C9
	// business events) out as OpenTelemetry spans. A library builds its
	// tracer from the global otel.Tracer(...) rather than owning a
	// TracerProvider itself: the embedding application configures the
	// actual exporter, same as otel.Tracer's documented usage.
	engineEmitter emit.Emitter

	sweepCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Orchestrator from cfg, refusing to start on an
// invalid configuration (spec §7's "Configuration invalid" row).
// factory builds the underlying ChatModel for every role; backing is
// the persistence layer behind both the checkpointer and the graph
// engines (an in-memory store.NewMemStore[workflow.State] for
// CheckpointBackend=="memory", or a durable store.NewSQLiteStore the
// caller constructs for "sqlite").
func New(cfg Config, factory llmclient.Factory, backing store.Store[workflow.State], logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := llmclient.NewPool(factory)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:              cfg.LLMBaseURL,
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	})
	emitter := progress.New(logger)

	runtimes := buildRuntimes(cfg, pool, breaker, emitter)

	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)
	engineEmitter := emit.NewOTelEmitter(otel.Tracer("github.com/forgeline/agentgraph/orchestrator"))

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	pool.StartSweeper(sweepCtx, poolSweepInterval)

	return &Orchestrator{
		cfg:             cfg,
		logger:          logger,
		pool:            pool,
		breaker:         breaker,
		runtimes:        runtimes,
		emitter:         emitter,
		store:           backing,
		cp:              checkpoint.New(backing),
		cancels:         make(map[string]context.CancelFunc),
		metricsRegistry: registry,
		metrics:         metrics,
		engineEmitter:   engineEmitter,
		sweepCancel:     sweepCancel,
	}, nil
}

// poolSweepInterval is how often the orchestrator evicts unhealthy
// cached LLM clients from its pool (llmclient.Pool.StartSweeper),
// mirroring the original pool's periodic health-check loop.
const poolSweepInterval = 30 * time.Second

// Close stops the background client-eviction sweeper and releases the
// underlying LLM client pool. It does not close the checkpoint store,
// which the caller owns.
func (o *Orchestrator) Close() {
	o.sweepCancel()
	o.pool.Close()
}

// MetricsRegistry returns the Prometheus registry backing this
// orchestrator's graph engines, for callers wiring a
// promhttp.HandlerFor(...) scrape endpoint (AS3).
func (o *Orchestrator) MetricsRegistry() *prometheus.Registry {
	return o.metricsRegistry
}

// Subscribe registers a progress subscriber on the orchestrator's C9
// emitter; see progress.Emitter.Subscribe.
func (o *Orchestrator) Subscribe() (<-chan progress.Event, func()) {
	return o.emitter.Subscribe()
}

// retryPolicyFromConfig builds the resilience.RetryPolicy shared by
// every role's Runtime. Context-size-overflow errors are marked
// non-retriable here because agent.Runtime.Run recovers from them
// itself via one truncation-and-retry attempt outside this policy's
// backoff schedule (spec §4.5 step 4); letting the normal retry loop
// also retry them would waste attempts on an error backoff cannot fix.
func retryPolicyFromConfig(cfg Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Attempts:     cfg.LLMMaxRetries,
		InitialDelay: cfg.LLMRetryInitialDelay,
		MaxDelay:     cfg.LLMRetryMaxDelay,
		Jitter:       true,
		NonRetriable: agent.IsContextOverflowError,
	}
}

// buildRuntimes constructs one agent.Runtime per role, all sharing the
// same pool, breaker, endpoint, and workspace, differing only in role
// and prompt builder, per spec §4.5's "same runtime parameterized by
// role" design.
func buildRuntimes(cfg Config, pool *llmclient.Pool, breaker *resilience.Breaker, emitter *progress.Emitter) map[agent.Role]*agent.Runtime {
	roles := []agent.Role{
		agent.RoleBusinessAnalyst, agent.RoleArchitect, agent.RoleImplementation,
		agent.RoleQAEngineer, agent.RoleDevOpsEngineer, agent.RoleTechnicalWriter,
		agent.RoleBugAnalysis, agent.RoleBugFix, agent.RoleRegressionTesting, agent.RoleReleaseNotes,
	}

	retry := retryPolicyFromConfig(cfg)
	out := make(map[agent.Role]*agent.Runtime, len(roles))
	for _, role := range roles {
		out[role] = &agent.Runtime{
			Role:        role,
			BuildPrompt: agent.DefaultPromptBuilder(role),
			Pool:        pool,
			Endpoint:    cfg.LLMBaseURL,
			Credential:  cfg.LLMAPIKey,
			Timeout:     cfg.LLMTimeout,
			Breaker:     breaker,
			Retry:       retry,
			Stream:      cfg.StreamResponses,
			Workspace:   cfg.Workspace,
			Logger:      slog.Default(),
		}
	}
	return out
}

// newThreadID returns a workflow identifier of the form
// "<workflow_type>-<uuid>", per the domain-stack identity scheme.
func newThreadID(workflowType workflow.Type) string {
	return fmt.Sprintf("%s-%s", workflowType, uuid.NewString())
}

// ExecuteFeatureDevelopment runs the Feature Development graph for
// requirement, returning the final workflow state. If threadID already
// names a terminal workflow, execution is a no-op per spec §4.7's
// resume contract and the stored final state is returned unchanged.
func (o *Orchestrator) ExecuteFeatureDevelopment(ctx context.Context, requirement string, taskContext map[string]any, threadID string) (workflow.State, error) {
	threadID, initial, terminalState, isTerminal, err := o.prepareRun(ctx, requirement, taskContext, threadID, workflow.TypeFeatureDevelopment)
	if err != nil {
		return workflow.State{}, err
	}
	if isTerminal {
		return terminalState, nil
	}

	ctx, cancel := o.trackCancel(threadID, ctx)
	defer o.untrack(threadID)
	defer cancel()

	fg := buildFeatureDevelopmentGraph(o.runtimes, o.emitter, o.store, o.metrics, o.engineEmitter, o.cfg.MaxConcurrentAgents)
	merged, err := fg.engine.Run(ctx, threadID, initial)
	if err != nil {
		return o.finalizeFailed(ctx, threadID, merged, err)
	}

	final := merged
	if !hasFatalErrorForStep(merged, stepImplementation, merged.Implementation) {
		o.emitter.ParallelComplete([]string{stepQATesting, stepInfrastructure})

		docResult := fg.documentNode.Run(ctx, merged)
		if docResult.Err != nil {
			return o.finalizeFailed(ctx, threadID, merged, docResult.Err)
		}
		final = workflow.Reduce(merged, docResult.Delta)
	}

	return o.finalize(ctx, threadID, final)
}

// ExecuteBugFix runs the Bug Fix graph for requirement and
// bugDescription, returning the final workflow state.
func (o *Orchestrator) ExecuteBugFix(ctx context.Context, requirement, bugDescription string, threadID string) (workflow.State, error) {
	mergedContext := map[string]any{"bug_description": bugDescription}
	threadID, initial, terminalState, isTerminal, err := o.prepareRun(ctx, requirement, mergedContext, threadID, workflow.TypeBugFix)
	if err != nil {
		return workflow.State{}, err
	}
	if isTerminal {
		return terminalState, nil
	}

	ctx, cancel := o.trackCancel(threadID, ctx)
	defer o.untrack(threadID)
	defer cancel()

	e := buildBugFixGraph(o.runtimes, o.emitter, o.store, o.metrics, o.engineEmitter, o.cfg.MaxConcurrentAgents)
	final, err := e.Run(ctx, threadID, initial)
	if err != nil {
		return o.finalizeFailed(ctx, threadID, final, err)
	}

	return o.finalize(ctx, threadID, final)
}

// Cancel requests cancellation of the in-flight workflow identified by
// threadID. It is non-blocking: cancellation is cooperative, observed
// by the running workflow's context at its next suspension point.
// Cancel is a no-op if threadID names no in-flight workflow.
func (o *Orchestrator) Cancel(threadID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[threadID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// prepareRun resolves threadID (generating one if empty), checks for
// an existing terminal checkpoint (the resume-is-a-no-op case), and
// otherwise builds the initial state for a fresh run.
func (o *Orchestrator) prepareRun(ctx context.Context, requirement string, taskContext map[string]any, threadID string, workflowType workflow.Type) (resolvedThreadID string, initial workflow.State, terminalState workflow.State, isTerminal bool, err error) {
	if threadID == "" {
		threadID = newThreadID(workflowType)
	}

	snap, resuming, found, err := o.cp.Resume(ctx, threadID)
	if err != nil {
		return threadID, workflow.State{}, workflow.State{}, false, err
	}
	if found && !resuming {
		return threadID, workflow.State{}, snap, true, nil
	}

	now := time.Now()
	initial = workflow.State{
		Requirement:  requirement,
		WorkflowType: workflowType,
		WorkflowID:   threadID,
		Context:      taskContext,
		Status:       workflow.StatusRunning,
		StartedAt:    now,
	}
	o.emitter.WorkflowStarted(threadID, string(workflowType), requirement, now)
	o.emitter.WorkflowStatus(threadID, string(workflow.StatusRunning), "", nil)
	return threadID, initial, workflow.State{}, false, nil
}

func (o *Orchestrator) trackCancel(threadID string, ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[threadID] = cancel
	o.mu.Unlock()
	return ctx, cancel
}

func (o *Orchestrator) untrack(threadID string) {
	o.mu.Lock()
	delete(o.cancels, threadID)
	o.mu.Unlock()
}

// finalize marks state completed, persists a final checkpoint, emits
// workflow_completed, and writes the artifact JSON.
func (o *Orchestrator) finalize(ctx context.Context, threadID string, state workflow.State) (workflow.State, error) {
	status := workflow.StatusCompleted
	if state.HasErrorForStep(stepImplementation) {
		status = workflow.StatusFailed
	}
	now := time.Now()
	final := workflow.Reduce(state, workflow.State{Status: status, CompletedAt: now})

	return o.closeOut(ctx, threadID, final)
}

// finalizeFailed marks state failed (preserving whatever partial state
// the graph produced before erroring) and persists/emits as finalize
// does, per spec §7's "Checkpoint save failure" and node-error rows.
func (o *Orchestrator) finalizeFailed(ctx context.Context, threadID string, state workflow.State, cause error) (workflow.State, error) {
	now := time.Now()
	delta := workflow.State{
		Status:      workflow.StatusFailed,
		CompletedAt: now,
	}
	if cause != nil {
		delta.Errors = []workflow.ErrorEntry{{Step: "engine", Error: cause.Error(), Timestamp: now}}
	}
	final := workflow.Reduce(state, delta)
	final, err := o.closeOut(ctx, threadID, final)
	if err != nil {
		return final, err
	}
	return final, nil
}

func (o *Orchestrator) closeOut(ctx context.Context, threadID string, final workflow.State) (workflow.State, error) {
	if err := o.cp.Save(ctx, threadID, len(final.CompletedSteps)+1, final); err != nil {
		o.logger.Error("orchestrator: checkpoint save failed", "thread_id", threadID, "error", err)
	}
	o.emitter.WorkflowStatus(threadID, string(final.Status), final.CurrentStep, final.CompletedSteps)
	o.emitter.WorkflowCompleted(threadID, string(final.Status), final.CompletedAt)

	if err := o.writeArtifact(final); err != nil {
		o.logger.Error("orchestrator: artifact write failed", "thread_id", threadID, "error", err)
		return final, err
	}
	return final, nil
}

// artifact is the on-disk shape written to
// <output>/langgraph_<workflow_id>.json, per spec §6.3.
type artifact struct {
	WorkflowID     string              `json:"workflow_id"`
	WorkflowType   workflow.Type       `json:"workflow_type"`
	Status         workflow.Status     `json:"status"`
	Requirement    string              `json:"requirement"`
	CompletedSteps []string            `json:"completed_steps"`
	FilesCreated   []string            `json:"files_created"`
	Errors         []workflow.ErrorEntry `json:"errors"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    time.Time           `json:"completed_at"`
}

func (o *Orchestrator) writeArtifact(state workflow.State) error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create output dir: %w", err)
	}

	a := artifact{
		WorkflowID:     state.WorkflowID,
		WorkflowType:   state.WorkflowType,
		Status:         state.Status,
		Requirement:    state.Requirement,
		CompletedSteps: state.CompletedSteps,
		FilesCreated:   state.FilesCreated,
		Errors:         state.Errors,
		StartedAt:      state.StartedAt,
		CompletedAt:    state.CompletedAt,
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal artifact: %w", err)
	}

	path := filepath.Join(o.cfg.OutputDir, fmt.Sprintf("langgraph_%s.json", state.WorkflowID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write artifact %s: %w", path, err)
	}
	return nil
}
