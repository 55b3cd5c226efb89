package features

import (
	"math"
	"sync"
)

// Schema records the ordered feature names a classifier was trained on and
// aligns later feature sets to it. Until Register is called it follows
// Names().
type Schema struct {
	mu    sync.RWMutex
	names []string
}

// NewSchema returns a Schema seeded with names, or an unregistered one when
// names is empty.
func NewSchema(names []string) *Schema {
	s := &Schema{}
	s.Register(names)
	return s
}

// Register replaces the schema with names. Duplicates keep their first
// position. An empty list resets to the canonical names.
func (s *Schema) Register(names []string) {
	var out []string
	if len(names) > 0 {
		seen := make(map[string]struct{}, len(names))
		out = make([]string, 0, len(names))
		for _, n := range names {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	s.mu.Lock()
	s.names = out
	s.mu.Unlock()
}

// Registered reports whether an explicit schema has been captured.
func (s *Schema) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names) > 0
}

// Names returns a copy of the active schema.
func (s *Schema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.names) == 0 {
		return Names()
	}
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Reconcile aligns set to the schema: missing names become 0, names outside
// the schema are dropped and non-finite values become 0.
func (s *Schema) Reconcile(set Set) Vector {
	return reconcile(s.Names(), set)
}

// ReconcileBatch reconciles each set and returns the rows as a matrix whose
// columns follow the schema.
func (s *Schema) ReconcileBatch(sets []Set) [][]float64 {
	names := s.Names()
	out := make([][]float64, len(sets))
	for i, set := range sets {
		out[i] = reconcile(names, set).Values()
	}
	return out
}

func reconcile(names []string, set Set) Vector {
	out := make(Vector, len(names))
	for i, n := range names {
		out[i] = Feature{Name: n, Value: finite(set[n])}
	}
	return out
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
