// Package logging provides the ambient logging setup for the durable
// runtime (spec.md §6 "Observability"): a github.com/joeycumines/logiface
// logger backed by github.com/joeycumines/logiface-slog, MDC-style
// per-execution/per-operation field chains built with Logger.Clone(), and a
// slog.Handler decorator that drops records while the execution manager
// reports REPLAY mode.
package logging

import (
	"context"
	"log/slog"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// ReplayChecker reports whether the execution is currently replaying
// (spec.md §3 "Execution mode"). *execmgr.Manager satisfies this.
type ReplayChecker interface {
	IsReplay() bool
}

// ReplaySuppressingHandler wraps an underlying slog.Handler, dropping every
// record while Checker reports replay mode (spec.md §6: "operations
// resolved purely from the replayed log must not re-emit the log lines
// their first execution already produced").
type ReplaySuppressingHandler struct {
	Handler slog.Handler
	Checker ReplayChecker
}

// NewReplaySuppressingHandler constructs a ReplaySuppressingHandler.
func NewReplaySuppressingHandler(handler slog.Handler, checker ReplayChecker) *ReplaySuppressingHandler {
	return &ReplaySuppressingHandler{Handler: handler, Checker: checker}
}

func (h *ReplaySuppressingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

func (h *ReplaySuppressingHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.Checker != nil && h.Checker.IsReplay() {
		return nil
	}
	return h.Handler.Handle(ctx, record)
}

func (h *ReplaySuppressingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ReplaySuppressingHandler{Handler: h.Handler.WithAttrs(attrs), Checker: h.Checker}
}

func (h *ReplaySuppressingHandler) WithGroup(name string) slog.Handler {
	return &ReplaySuppressingHandler{Handler: h.Handler.WithGroup(name), Checker: h.Checker}
}

// NewLogger builds the default generified logger (spec.md §6): a
// logiface.Logger backed by handler via logiface-slog, wrapped with
// ReplaySuppressingHandler gated on checker. This is the logger an Executor
// builds when its config leaves Logger nil.
func NewLogger(handler slog.Handler, checker ReplayChecker) *logiface.Logger[logiface.Event] {
	suppressing := NewReplaySuppressingHandler(handler, checker)
	return islog.L.New(islog.L.WithSlogHandler(suppressing)).Logger()
}

// ExecutionFields returns a Context carrying the per-invocation MDC fields
// spec.md §6 calls out: execution ARN and invocation request id. Its
// Context.Logger() is the sub-logger every operation under this execution
// should derive from.
func ExecutionFields(logger *logiface.Logger[logiface.Event], arn, requestID string) *logiface.Context[logiface.Event] {
	return logger.Clone().
		Str("durable_execution_arn", arn).
		Str("invocation_request_id", requestID)
}

// OperationFields extends the execution-scoped logger with the per-operation
// MDC fields spec.md §6 calls out: operation id, name, kind, and attempt.
func OperationFields(execLogger *logiface.Logger[logiface.Event], id, name, kind string, attempt int) *logiface.Context[logiface.Event] {
	return execLogger.Clone().
		Str("operation_id", id).
		Str("operation_name", name).
		Str("operation_kind", kind).
		Int("operation_attempt", attempt)
}
