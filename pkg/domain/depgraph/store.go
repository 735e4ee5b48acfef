package depgraph

import (
	"sync/atomic"
)

// Store publishes immutable Graph snapshots.
//
// The reconciler rebuilds the graph and swaps it in; readers keep
// whatever snapshot they loaded, so long-running reads never block the
// writer and vice versa.
type Store struct {
	current atomic.Pointer[Graph]
}

func (s *Store) Load() *Graph {
	return s.current.Load()
}

func (s *Store) Swap(g *Graph) {
	s.current.Store(g)
}
