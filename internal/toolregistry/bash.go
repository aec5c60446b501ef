package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/internal/obslog"
	"github.com/haasonsaas/loom/internal/shellqueue"
	"github.com/haasonsaas/loom/internal/shellsession"
)

// DefaultBashTimeout bounds a single bash call when the caller doesn't
// specify timeout_seconds.
const DefaultBashTimeout = 2 * time.Minute

// MaxBashTimeout is the largest timeout_seconds a caller may request.
const MaxBashTimeout = 30 * time.Minute

var bashSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {
			"type": "string",
			"description": "The shell command to run in the conversation's persistent session."
		},
		"cwd": {
			"type": "string",
			"description": "Working directory for the session, set on first use only."
		},
		"timeout_seconds": {
			"type": "integer",
			"description": "Maximum seconds to wait for the command to finish.",
			"minimum": 1
		}
	},
	"required": ["command"],
	"additionalProperties": false
}`)

type bashInput struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BashTool runs shell commands in the calling conversation's persistent
// shell session. It streams stdout/stderr chunks through onChunk as the
// command runs and reports a non-zero exit status as error-shaped output
// on an otherwise successful call: only a dead session, a timeout, or
// context cancellation makes Execute itself return an error (§4.3 — the
// tool succeeded even when the command it ran did not).
type BashTool struct {
	pool           *shellsession.Pool
	queue          *shellqueue.Queue
	defaultTimeout time.Duration
	logger         *obslog.Logger
}

// NewBashTool wires a BashTool against a session pool and its matching
// per-session command queue.
func NewBashTool(pool *shellsession.Pool, queue *shellqueue.Queue, logger *obslog.Logger) *BashTool {
	return &BashTool{pool: pool, queue: queue, defaultTimeout: DefaultBashTimeout, logger: logger}
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Run a shell command in the conversation's persistent shell session." }
func (t *BashTool) Schema() json.RawMessage { return bashSchema }

// Execute runs input.Command against the conversation identified by
// ctx (via obslog.ConversationIDFromContext), serializing it behind any
// other command already queued for that same session.
func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, onChunk func(chunk string)) (string, error) {
	conversationID := obslog.ConversationIDFromContext(ctx)
	if conversationID == "" {
		return "", fmt.Errorf("bash: no conversation id in context")
	}

	var in bashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("bash: decode input: %w", err)
	}
	if in.Command == "" {
		return "", fmt.Errorf("bash: command is required")
	}

	timeout := t.defaultTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
		if timeout > MaxBashTimeout {
			timeout = MaxBashTimeout
		}
	}

	session, err := t.pool.Get(ctx, conversationID, in.Cwd, nil)
	if err != nil {
		return "", fmt.Errorf("bash: acquire session: %w", err)
	}

	cb := shellsession.Callbacks{
		OnStdout: onChunk,
		OnStderr: onChunk,
	}

	result, err := shellqueue.Enqueue(ctx, t.queue, conversationID, func(taskCtx context.Context) (shellsession.CommandResult, error) {
		return session.Exec(taskCtx, in.Command, cb, timeout)
	}, nil)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(ctx, "bash command failed", "conversation_id", conversationID, "error", err)
		}
		return "", fmt.Errorf("bash: %w", err)
	}

	return formatBashOutput(result), nil
}

func formatBashOutput(result shellsession.CommandResult) string {
	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}
	if result.ExitCode != 0 {
		output += fmt.Sprintf("\n(exit status %d)", result.ExitCode)
	}
	return output
}
