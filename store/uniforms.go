// Package store holds per-node state that outlives render graph rebuilds:
// uniform values, uploaded bitmaps and audio analysis textures.
//
// Stores are owned by the render worker and are only touched from its
// goroutine, so they carry no locks.
package store

// UniformsStore maps node id -> uniform name -> value. Values are float64,
// bool, []float64 or nil (samplers).
type UniformsStore struct {
	values map[string]map[string]any
}

func NewUniformsStore() *UniformsStore {
	return &UniformsStore{values: make(map[string]map[string]any)}
}

func (s *UniformsStore) Set(nodeID, name string, value any) {
	m, ok := s.values[nodeID]
	if !ok {
		m = make(map[string]any)
		s.values[nodeID] = m
	}
	m[name] = normalize(value)
}

func (s *UniformsStore) Get(nodeID, name string) (any, bool) {
	v, ok := s.values[nodeID][name]
	return v, ok
}

// Node returns the live uniform map of a node, or nil.
func (s *UniformsStore) Node(nodeID string) map[string]any {
	return s.values[nodeID]
}

func (s *UniformsStore) Remove(nodeID string) {
	delete(s.values, nodeID)
}

// normalize folds the numeric shapes that arrive from decoded messages onto
// the store's value set.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out
	case []any:
		out := make([]float64, 0, len(x))
		for _, e := range x {
			f, ok := normalize(e).(float64)
			if !ok {
				return v
			}
			out = append(out, f)
		}
		return out
	}
	return v
}
