// Package orchestrator wires C1-C9 into the two concrete workflow
// graphs (Feature Development, Bug Fix) and exposes the two entry
// points external collaborators call: ExecuteFeatureDevelopment and
// ExecuteBugFix, plus a non-blocking Cancel.
package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the single typed configuration surface for the
// orchestrator, populated from environment variables with documented
// defaults and validated once at construction. An invalid Config
// refuses to start rather than failing partway through a workflow.
type Config struct {
	// LLMBaseURL is the OpenAI-compatible chat-completions endpoint.
	LLMBaseURL string
	// LLMAPIKey is the credential sent with each request; local
	// servers may accept a placeholder such as "not-needed".
	LLMAPIKey string
	// LLMModel is the model identifier sent in each request.
	LLMModel string
	// LLMTimeout bounds a single chat-completion call.
	LLMTimeout time.Duration

	// LLMMaxRetries is the total attempt budget per logical call
	// (including the first attempt).
	LLMMaxRetries int
	// LLMRetryInitialDelay and LLMRetryMaxDelay bound the exponential
	// backoff schedule between retry attempts.
	LLMRetryInitialDelay time.Duration
	LLMRetryMaxDelay     time.Duration

	// BreakerFailureThreshold is the number of consecutive failures
	// that trips the circuit breaker open.
	BreakerFailureThreshold uint32
	// BreakerRecoveryTimeout is how long the breaker stays open before
	// allowing a trial call.
	BreakerRecoveryTimeout time.Duration
	// BreakerHalfOpenSuccesses is the number of consecutive successes
	// required in half-open before the breaker closes again.
	BreakerHalfOpenSuccesses uint32

	// StreamResponses is the default streaming mode for agent calls.
	StreamResponses bool

	// MaxConcurrentAgents bounds how many node tasks may run in
	// parallel within one workflow fan-out.
	MaxConcurrentAgents int

	// Workspace is the filesystem root generated artifacts are
	// written under.
	Workspace string
	// OutputDir is where workflow artifact JSON files are written.
	OutputDir string

	// CheckpointBackend selects the durable checkpoint store: "memory"
	// or "sqlite".
	CheckpointBackend string
	// CheckpointLocation is the DSN or filesystem path for a durable
	// checkpoint backend; unused when CheckpointBackend is "memory".
	CheckpointLocation string

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// LogFile is a path to append logs to; empty means stderr.
	LogFile string
}

// DefaultConfig returns a Config populated with the documented
// defaults from spec §6.2, before any environment override is
// applied.
func DefaultConfig() Config {
	return Config{
		LLMBaseURL:               "http://127.0.0.1:8080/v1",
		LLMAPIKey:                "not-needed",
		LLMModel:                 "devstral",
		LLMTimeout:               300 * time.Second,
		LLMMaxRetries:            3,
		LLMRetryInitialDelay:     time.Second,
		LLMRetryMaxDelay:         60 * time.Second,
		BreakerFailureThreshold:  5,
		BreakerRecoveryTimeout:   60 * time.Second,
		BreakerHalfOpenSuccesses: 3,
		StreamResponses:          true,
		MaxConcurrentAgents:      5,
		Workspace:                ".",
		OutputDir:                "./output",
		CheckpointBackend:        "memory",
		CheckpointLocation:       "",
		LogLevel:                 "info",
		LogFile:                  "",
	}
}

// LoadConfigFromEnv returns DefaultConfig with every recognized
// environment variable applied over it.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	strVar(&cfg.LLMBaseURL, "AGENTGRAPH_LLM_BASE_URL")
	strVar(&cfg.LLMAPIKey, "AGENTGRAPH_LLM_API_KEY")
	strVar(&cfg.LLMModel, "AGENTGRAPH_LLM_MODEL")
	durationVar(&cfg.LLMTimeout, "AGENTGRAPH_LLM_TIMEOUT_SECONDS")

	intVar(&cfg.LLMMaxRetries, "AGENTGRAPH_LLM_MAX_RETRIES")
	durationVar(&cfg.LLMRetryInitialDelay, "AGENTGRAPH_LLM_RETRY_INITIAL_DELAY_SECONDS")
	durationVar(&cfg.LLMRetryMaxDelay, "AGENTGRAPH_LLM_RETRY_MAX_DELAY_SECONDS")

	uint32Var(&cfg.BreakerFailureThreshold, "AGENTGRAPH_BREAKER_THRESHOLD")
	durationVar(&cfg.BreakerRecoveryTimeout, "AGENTGRAPH_BREAKER_TIMEOUT_SECONDS")
	uint32Var(&cfg.BreakerHalfOpenSuccesses, "AGENTGRAPH_BREAKER_HALF_OPEN_SUCCESSES")

	boolVar(&cfg.StreamResponses, "AGENTGRAPH_LLM_STREAM")
	intVar(&cfg.MaxConcurrentAgents, "AGENTGRAPH_MAX_CONCURRENT_AGENTS")

	strVar(&cfg.Workspace, "AGENTGRAPH_WORKSPACE")
	strVar(&cfg.OutputDir, "AGENTGRAPH_OUTPUT_DIR")
	strVar(&cfg.CheckpointBackend, "AGENTGRAPH_CHECKPOINT_BACKEND")
	strVar(&cfg.CheckpointLocation, "AGENTGRAPH_CHECKPOINT_LOCATION")
	strVar(&cfg.LogLevel, "AGENTGRAPH_LOG_LEVEL")
	strVar(&cfg.LogFile, "AGENTGRAPH_LOG_FILE")

	return cfg
}

func strVar(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func boolVar(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVar(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func uint32Var(dst *uint32, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func durationVar(dst *time.Duration, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(n * float64(time.Second))
		}
	}
}

// Validate rejects a Config that cannot safely construct an
// orchestrator, matching spec §7's "Configuration invalid -> Refuse to
// start, Fatal at construction" row.
func (c Config) Validate() error {
	if c.LLMBaseURL == "" {
		return fmt.Errorf("orchestrator: LLMBaseURL must not be empty")
	}
	if c.LLMModel == "" {
		return fmt.Errorf("orchestrator: LLMModel must not be empty")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("orchestrator: LLMTimeout must be positive")
	}
	if c.LLMMaxRetries < 1 {
		return fmt.Errorf("orchestrator: LLMMaxRetries must be at least 1")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("orchestrator: BreakerFailureThreshold must be at least 1")
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("orchestrator: MaxConcurrentAgents must be at least 1")
	}
	if c.Workspace == "" {
		return fmt.Errorf("orchestrator: Workspace must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("orchestrator: OutputDir must not be empty")
	}
	switch c.CheckpointBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("orchestrator: unrecognized CheckpointBackend %q", c.CheckpointBackend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("orchestrator: unrecognized LogLevel %q", c.LogLevel)
	}
	return nil
}
