// Package threadctx carries the "current logical thread" spec.md §4.H/§9
// describes as thread-local state (distinguishing a step body from a
// context body, so shared code can tell whether nested operations are
// legal) on Go's context.Context instead of an actual thread-local,
// following spec.md §9's own guidance: "On task-based runtimes, attach it
// to the task's value bag instead of global thread-local storage" — which
// is exactly what context.Context is for goroutine-scoped values.
package threadctx

import "context"

// Kind distinguishes the two kinds of logical worker thread spec.md §3
// "Thread (logical)" names.
type Kind int

const (
	KindContext Kind = iota
	KindStep
)

type entry struct {
	id   string
	kind Kind
}

type key struct{}

// With returns a context carrying the given logical thread id/kind.
func With(ctx context.Context, id string, kind Kind) context.Context {
	return context.WithValue(ctx, key{}, entry{id: id, kind: kind})
}

// From returns the logical thread id/kind carried by ctx, if any.
func From(ctx context.Context) (id string, kind Kind, ok bool) {
	e, ok := ctx.Value(key{}).(entry)
	if !ok {
		return "", 0, false
	}
	return e.id, e.kind, true
}

// IsStep reports whether ctx is running on a step's worker thread (spec.md
// §4.F: "If the current thread's kind is STEP, wait_for_completion raises
// an IllegalOperation error").
func IsStep(ctx context.Context) bool {
	_, kind, ok := From(ctx)
	return ok && kind == KindStep
}
