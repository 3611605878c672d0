// Package agent implements C5: the single runtime every role shares.
// Each role is a value of Role plus a PromptBuilder, not a distinct Go
// type, mirroring the distilled spec's "same runtime parameterized by
// {role, system_prompt_builder, task_type}" (spec §4.5). Grounded on
// original_source/src/agents/base_agent.py for the six-step run(task)
// shape and on the teacher's graph/model.ChatModel for the provider
// boundary.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/forgeline/agentgraph/extract"
	"github.com/forgeline/agentgraph/graph/model"
	"github.com/forgeline/agentgraph/llmclient"
	"github.com/forgeline/agentgraph/promptbudget"
	"github.com/forgeline/agentgraph/resilience"
)

// Role identifies an agent specialization. It is a plain string value,
// not a type hierarchy: every role runs through the same Runtime.
type Role string

const (
	RoleBusinessAnalyst   Role = "business_analyst"
	RoleArchitect         Role = "architecture_design"
	RoleImplementation    Role = "implementation"
	RoleQAEngineer        Role = "qa_engineer"
	RoleDevOpsEngineer    Role = "devops_engineer"
	RoleTechnicalWriter   Role = "technical_writer"
	RoleBugAnalysis       Role = "bug_analysis"
	RoleBugFix            Role = "bug_fix"
	RoleRegressionTesting Role = "regression_testing"
	RoleReleaseNotes      Role = "release_notes"
)

// InputFile is one upstream-generated file a task carries forward for
// the agent to read, per spec §4.5's "Relevant Files" section.
type InputFile struct {
	Path    string
	Content string
}

// Task is C5's internal unit of work: a task description plus context
// and any files produced upstream that this role should read.
type Task struct {
	TaskID       string
	Description  string
	Context      map[string]any
	InputFiles   []InputFile
	Dependencies []string
	CreatedAt    time.Time
}

// Result is the outcome of Runtime.Run: either a completed node result
// with the files it wrote, or a failed one with the error that ended
// it. This is the tagged union the design notes call for in place of
// exception-based control flow (spec §9): the orchestrator inspects
// Status rather than catching a panic from the agent.
type Result struct {
	Status       string // "completed" | "failed"
	Summary      string
	FilesCreated []string
	Role         Role
	TaskID       string
	RawOutput    string
	Error        string
}

// PromptBuilder returns the role-specific system prompt for a task.
// The user prompt is assembled generically by Runtime.Run from the
// task description, context, and input files, per spec §4.5 step 1.
type PromptBuilder func(task Task) string

// StreamChunkFunc receives successive text chunks during a streamed
// call. The concatenation of every chunk a StreamChunkFunc observes
// must equal the non-streamed response text (spec §4.5's streaming
// invariant).
type StreamChunkFunc func(chunk string)

// StreamingChatModel is an optional capability a model.ChatModel may
// implement to stream partial output. Runtime falls back to a single
// synthetic chunk (the whole response) for clients that don't.
type StreamingChatModel interface {
	model.ChatModel
	ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, onChunk StreamChunkFunc) (model.ChatOut, error)
}

// Runtime executes tasks for one role: build prompt, invoke the LLM
// through the resilience-wrapped client pool, extract and persist
// files, and return a Result. Runtime is safe for concurrent use
// across roles and workflows as long as its Pool and Breaker are
// shared intentionally (they are: one pool per endpoint, one breaker
// per endpoint, per spec §4.2/§4.1).
type Runtime struct {
	Role         Role
	BuildPrompt  PromptBuilder
	FormatPrompt string // appended instruction telling the model how to emit files; defaults if empty

	Pool       *llmclient.Pool
	Endpoint   string
	Credential string
	Timeout    time.Duration

	Breaker *resilience.Breaker
	Retry   resilience.RetryPolicy

	MaxContextTokens         int
	ReservedCompletionTokens int

	Stream  bool
	OnChunk StreamChunkFunc

	Workspace string

	Logger *slog.Logger
}

func (r *Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

const (
	defaultMaxContextTokens         = 8192
	defaultOverflowReservedTokens   = 1024
	relevantFileTruncateLen         = 1000
	relevantFileTruncateLenSingle   = 1500
	contextDigestThreshold          = 1000
	contextDigestPrefixLen          = 200
	contextDigestFilesCreatedPreview = 5
)

var contextOverflowRe = regexp.MustCompile(`exceeds the available context size \((\d+) tokens\)`)

var defaultFormatDirective = "Respond with each generated file preceded by a line of the exact form " +
	"`File: \\`<relative/path>\\`` followed by a fenced code block containing the file's full contents. " +
	"Use one such File/fence pair per file; do not add commentary inside the fence."

// Run executes task through the six steps of spec §4.5: assemble the
// prompt, acquire a pooled client, invoke it under retry+breaker with
// one context-overflow recovery attempt, extract generated files from
// the response, write them under the workspace, and return a Result.
//
// Run never returns a Go error for a business failure (an LLM error or
// a write failure): those are reported via Result.Status == "failed";
// a zero-file extraction from non-empty output only logs a warning and
// still completes with an empty FilesCreated. The orchestrator can route on them
// without treating every agent hiccup as fatal to the whole process,
// per the design note in spec §9 ("exception-based control flow ->
// result types").
func (r *Runtime) Run(ctx context.Context, task Task) Result {
	system, user := r.assemblePrompt(task)

	client := r.Pool.Get(r.Endpoint, r.Credential, r.Timeout)

	out, err := r.invokeWithRecovery(ctx, client, system, user)
	if err != nil {
		r.Pool.RecordResult(r.Endpoint, r.Credential, false)
		return Result{Status: "failed", Role: r.Role, TaskID: task.TaskID, Error: err.Error()}
	}
	r.Pool.RecordResult(r.Endpoint, r.Credential, true)

	files := extract.Extract(out.Text)
	if len(files) == 0 && strings.TrimSpace(out.Text) != "" {
		preview := out.Text
		if len(preview) > 200 {
			preview = preview[:200]
		}
		r.logger().Warn("agent: extractor produced zero files from non-empty output",
			"role", r.Role, "task_id", task.TaskID, "preview", preview)
	}

	written, err := r.writeFiles(task.TaskID, files)
	if err != nil {
		return Result{Status: "failed", Role: r.Role, TaskID: task.TaskID, Error: err.Error(), RawOutput: out.Text}
	}

	return Result{
		Status:       "completed",
		Summary:      summarize(out.Text),
		FilesCreated: written,
		Role:         r.Role,
		TaskID:       task.TaskID,
		RawOutput:    out.Text,
	}
}

// invokeWithRecovery wraps the call in C1's retry+breaker, and on a
// context-overflow error, truncates the prompt pair via C3 and retries
// exactly once outside the normal retry budget. A second overflow is
// terminal (spec §4.5 step 4, §7's context-size-overflow row).
func (r *Runtime) invokeWithRecovery(ctx context.Context, client model.ChatModel, system, user string) (model.ChatOut, error) {
	out, err := resilience.Retry(ctx, r.Breaker, r.Retry, func(ctx context.Context) (model.ChatOut, error) {
		return r.call(ctx, client, system, user)
	})
	if err == nil {
		return out, nil
	}

	n, overflow := contextOverflowTokens(err)
	if !overflow {
		return model.ChatOut{}, err
	}

	maxTokens := n
	if maxTokens <= 0 {
		maxTokens = defaultMaxContextTokens
	}
	fittedSystem, fittedUser := promptbudget.Fit(system, user, maxTokens, defaultOverflowReservedTokens)

	out, err = r.call(ctx, client, fittedSystem, fittedUser)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("context-size recovery attempt failed: %w", err)
	}
	return out, nil
}

// IsContextOverflowError reports whether err is a context-size-overflow
// error, the condition Runtime.Run recovers from itself by truncating
// and retrying exactly once. Callers building a Runtime's RetryPolicy
// should mark this condition non-retriable so the normal retry budget
// is not spent on an error that truncation, not backoff, resolves.
func IsContextOverflowError(err error) bool {
	_, ok := contextOverflowTokens(err)
	return ok
}

// contextOverflowTokens reports whether err is a context-size-overflow
// error per spec §6.1, and if so, the token count it names.
func contextOverflowTokens(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	m := contextOverflowRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, parseErr := strconv.Atoi(m[1])
	if parseErr != nil {
		return 0, true
	}
	return n, true
}

// call performs one LLM invocation, streaming through OnChunk when
// Stream is enabled and the client supports it; otherwise it delivers
// the whole response as a single chunk so the streamed and
// non-streamed code paths produce byte-identical final text.
func (r *Runtime) call(ctx context.Context, client model.ChatModel, system, user string) (model.ChatOut, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}

	if r.Stream {
		if sc, ok := client.(StreamingChatModel); ok {
			onChunk := r.OnChunk
			if onChunk == nil {
				onChunk = func(string) {}
			}
			return sc.ChatStream(ctx, messages, nil, onChunk)
		}
	}

	out, err := client.Chat(ctx, messages, nil)
	if err == nil && r.Stream && r.OnChunk != nil {
		r.OnChunk(out.Text)
	}
	return out, err
}

// writeFiles persists each extracted file under
// <workspace>/generated/<task_id>/<role>/<path>, returning the
// absolute paths written. A path collision within the task overwrites
// the prior content (last writer wins) and is logged, per spec §5's
// shared-resource policy.
func (r *Runtime) writeFiles(taskID string, files []extract.File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	dir := filepath.Join(r.Workspace, "generated", taskID, string(r.Role))
	written := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if seen[target] {
			r.logger().Warn("agent: overwriting file written earlier in the same task", "path", target)
		}
		seen[target] = true

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("agent: create directory for %s: %w", target, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return nil, fmt.Errorf("agent: write %s: %w", target, err)
		}
		written = append(written, target)
	}
	return written, nil
}

// summarize derives a short human-readable summary from a raw model
// response: the first non-empty line, capped to a readable length.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || strings.HasPrefix(line, "File:") {
			continue
		}
		if len(line) > 160 {
			line = line[:160]
		}
		return line
	}
	return ""
}

// assemblePrompt builds (system, user) for task per spec §4.5 step 1:
// the role's system prompt, the task description, a formatted context
// dump (summarized when large, per §4.5's context smart-summarization
// rule), a "Relevant Files" section when input files are present, and
// the format directive.
func (r *Runtime) assemblePrompt(task Task) (string, string) {
	system := r.BuildPrompt(task)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task.Description)

	if len(task.Context) > 0 {
		b.WriteString("Context:\n")
		b.WriteString(formatContext(task.Context))
		b.WriteString("\n")
	}

	if len(task.InputFiles) > 0 {
		b.WriteString("\nRelevant Files:\n")
		limit := relevantFileTruncateLen
		if len(task.InputFiles) == 1 {
			limit = relevantFileTruncateLenSingle
		}
		for _, f := range task.InputFiles {
			content := f.Content
			if len(content) > limit {
				content = content[:limit] + "\n...[truncated]"
			}
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, content)
		}
	}

	format := r.FormatPrompt
	if format == "" {
		format = defaultFormatDirective
	}
	b.WriteString("\n")
	b.WriteString(format)

	return system, b.String()
}

// formatContext dumps ctx's keys in stable order, replacing any value
// whose serialized form exceeds contextDigestThreshold characters with
// a digest, per spec §4.5's context smart-summarization rule.
func formatContext(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, summarizeValue(ctx[k]))
	}
	return b.String()
}

// summarizeValue renders v for prompt inclusion, digesting it down when
// its plain string form would exceed contextDigestThreshold characters.
func summarizeValue(v any) string {
	plain := fmt.Sprintf("%v", v)
	if len(plain) <= contextDigestThreshold {
		return plain
	}

	switch val := v.(type) {
	case []map[string]any:
		return digestListOfMaps(len(val), firstMapKeys(val))
	case []any:
		firstKeys := []string{}
		if len(val) > 0 {
			if m, ok := val[0].(map[string]any); ok {
				firstKeys = mapKeys(m)
			}
		}
		return digestListOfMaps(len(val), firstKeys)
	case map[string]any:
		return digestMap(val)
	default:
		prefix := plain
		if len(prefix) > contextDigestPrefixLen {
			prefix = prefix[:contextDigestPrefixLen]
		}
		return fmt.Sprintf("[truncated, %d chars total] %s...", len(plain), prefix)
	}
}

func digestListOfMaps(count int, firstKeys []string) string {
	return fmt.Sprintf("[%d items, first element keys: %s]", count, strings.Join(firstKeys, ", "))
}

func digestMap(m map[string]any) string {
	filesCreated, _ := m["files_created"].([]string)
	preview := filesCreated
	if len(preview) > contextDigestFilesCreatedPreview {
		preview = preview[:contextDigestFilesCreatedPreview]
	}
	status, _ := m["status"].(string)

	var prefix string
	for _, k := range []string{"summary", "raw_output", "description"} {
		if s, ok := m[k].(string); ok && s != "" {
			prefix = s
			break
		}
	}
	if len(prefix) > contextDigestPrefixLen {
		prefix = prefix[:contextDigestPrefixLen]
	}

	return fmt.Sprintf("[files_created: %d (first: %v), status: %q, prefix: %q]",
		len(filesCreated), preview, status, prefix)
}

func firstMapKeys(list []map[string]any) []string {
	if len(list) == 0 {
		return nil
	}
	return mapKeys(list[0])
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
