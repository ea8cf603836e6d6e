package execmgr

import (
	"sync"

	"github.com/joeycumines/go-durable/backendclient"
)

// store is the concurrent id -> Operation map spec.md §4.E describes.
// Entries are overwritten on every delivery from the batcher; nothing is
// ever pruned (spec.md §3 "Lifecycles": "Operations are retained in the
// store for the duration of the execution").
type store struct {
	mu  sync.RWMutex
	ops map[string]backendclient.Operation
}

func newStore(seed []backendclient.Operation) *store {
	s := &store{ops: make(map[string]backendclient.Operation, len(seed))}
	for _, op := range seed {
		s.ops[op.ID] = op
	}
	return s
}

func (s *store) get(id string) (backendclient.Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	return op, ok
}

func (s *store) put(op backendclient.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
}

func (s *store) putAll(ops []backendclient.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.ops[op.ID] = op
	}
}

// len reports how many operations are currently known. Manager.New decides
// the initial replay mode from the initial page's length, not from this.
func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// hasChildOf reports whether any stored operation's ParentID equals id,
// used to seed a child DurableContext's per-context replay flag (spec.md
// §4.H: "initialized by asking E whether any operation in the store has
// this context's id as parent").
func (s *store) hasChildOf(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		// The EXECUTION operation has an empty ParentID but is not a
		// child of the root context.
		if op.Kind == backendclient.KindExecution {
			continue
		}
		if op.ParentID == id {
			return true
		}
	}
	return false
}
