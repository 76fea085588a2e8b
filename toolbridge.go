package voicekit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/search"
	"github.com/stampatlas/voicekit/shared"
)

// ToolStatus tracks one pending call's execution.
type ToolStatus int

const (
	ToolRunning ToolStatus = iota
	ToolSucceeded
	ToolFailed
)

// PendingToolCall is the bridge's record of one model-requested call. The
// call id is opaque and echoed back verbatim: the remote service correlates
// by identity, not order.
type PendingToolCall struct {
	CallID   string
	ToolName string
	Status   ToolStatus

	// output is the serialized result payload once delivered, kept so a
	// protocol replay of the same call id can re-send without
	// re-executing.
	output string
}

// SendFunc writes one message to the control channel. Implementations must
// treat sends after teardown as no-ops.
type SendFunc func(data []byte) error

// DefaultToolTimeout bounds one search execution. The protocol itself never
// times a call out, so the bridge has to.
const DefaultToolTimeout = 30 * time.Second

// Bridge executes tool calls requested by the model and reports results back
// over the control channel without blocking event processing.
type Bridge struct {
	logger   shared.LoggerAdapter
	searcher search.Searcher
	timeout  time.Duration

	mu     sync.Mutex
	send   SendFunc
	calls  map[string]*PendingToolCall
	closed bool
}

func NewBridge(logger shared.LoggerAdapter, searcher search.Searcher, send SendFunc, timeout time.Duration) *Bridge {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Bridge{
		logger:   logger,
		searcher: searcher,
		send:     send,
		timeout:  timeout,
		calls:    make(map[string]*PendingToolCall),
	}
}

// Invoke starts executing one complete tool-call payload. It returns
// immediately; the result round trip happens on its own goroutine so the
// control channel keeps draining while the call is outstanding.
//
// Duplicate invocations for a known call id are idempotent: a finished
// call's stored result is re-sent, a running call is left alone. The tool is
// never executed twice for one id.
func (b *Bridge) Invoke(ctx context.Context, callID, toolName, arguments string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if existing, ok := b.calls[callID]; ok {
		if existing.Status == ToolRunning {
			b.mu.Unlock()
			b.logger.Warn("duplicate tool call while running, ignoring",
				zap.String("call_id", callID))
			return
		}
		output := existing.output
		b.logger.Warn("duplicate tool call after completion, re-sending result",
			zap.String("call_id", callID))
		b.deliverLocked(callID, output)
		b.mu.Unlock()
		return
	}
	call := &PendingToolCall{CallID: callID, ToolName: toolName, Status: ToolRunning}
	b.calls[callID] = call
	b.mu.Unlock()

	go b.run(ctx, call, arguments)
}

func (b *Bridge) run(ctx context.Context, call *PendingToolCall, arguments string) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, ok := b.execute(ctx, call, arguments)

	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		call.Status = ToolSucceeded
	} else {
		call.Status = ToolFailed
	}
	call.output = output
	b.deliverLocked(call.CallID, output)
}

// execute runs the call and serializes its outcome. Failures become
// structured payloads for the model to recover from verbally; they are never
// thrown at the UI.
func (b *Bridge) execute(ctx context.Context, call *PendingToolCall, arguments string) (output string, ok bool) {
	var args struct {
		Query string `json:"query"`
	}
	// The argument payload is an untyped bag assembled by a language
	// model; parse defensively.
	if err := sonic.Unmarshal([]byte(arguments), &args); err != nil {
		b.logger.Error("parsing tool arguments", err,
			zap.String("call_id", call.CallID),
			zap.String("arguments", arguments),
		)
		return failurePayload("invalid tool arguments"), false
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return failurePayload("missing query argument"), false
	}

	resp, err := b.searcher.Search(ctx, args.Query)
	if err != nil {
		b.logger.Error("tool execution failed", err,
			zap.String("call_id", call.CallID),
			zap.String("tool", call.ToolName),
			zap.String("query", args.Query),
		)
		return failurePayload(err.Error()), false
	}
	if !resp.Success && resp.Error != "" {
		return failurePayload(resp.Error), false
	}
	out, err := sonic.Marshal(map[string]any{
		"success":      true,
		"results":      resp.Results,
		"totalResults": resp.TotalResults,
	})
	if err != nil {
		b.logger.Error("marshaling tool result", err, zap.String("call_id", call.CallID))
		return failurePayload("failed to serialize results"), false
	}
	return string(out), true
}

// deliverLocked sends the result event and the continuation instruction as
// one ordered pair; the lock guarantees no other outbound message for a tool
// call lands between them. Both sends are required: without the
// continuation the model stalls silently.
func (b *Bridge) deliverLocked(callID, output string) {
	if b.closed {
		// The session tore down while the call was running. The call
		// stays recorded as finished; the send is simply dropped.
		b.logger.Debug("dropping tool result after close", zap.String("call_id", callID))
		return
	}
	resultMsg, err := ToolOutputEvent(callID, output)
	if err != nil {
		b.logger.Error("building tool result event", err, zap.String("call_id", callID))
		return
	}
	continueMsg, err := ResponseCreateEvent()
	if err != nil {
		b.logger.Error("building continuation event", err, zap.String("call_id", callID))
		return
	}
	if err := b.send(resultMsg); err != nil {
		b.logger.Error("sending tool result", err, zap.String("call_id", callID))
		return
	}
	if err := b.send(continueMsg); err != nil {
		b.logger.Error("sending continuation", err, zap.String("call_id", callID))
	}
}

// Outstanding reports whether a call id is known and still running.
func (b *Bridge) Outstanding(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.calls[callID]
	return ok && call.Status == ToolRunning
}

// Close makes all further sends no-ops. In-flight executions are not
// cancelled; their results are ignored on arrival.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func failurePayload(msg string) string {
	out, err := sonic.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	if err != nil {
		return `{"success":false,"error":"internal error"}`
	}
	return string(out)
}
