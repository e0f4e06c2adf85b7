package utils

// OrderedMap is a map that preserves key insertion order.
// Re-setting an existing key keeps its original position.
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V
}

// NewOrderedMap creates a new empty OrderedMap.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{
		keys:   make([]string, 0),
		values: make(map[string]V),
	}
}

// Set sets the value for a key, preserving insertion order.
func (om *OrderedMap[V]) Set(key string, value V) {
	if _, exists := om.values[key]; !exists {
		om.keys = append(om.keys, key)
	}
	om.values[key] = value
}

// Range calls fn for every entry in insertion order until fn returns false.
func (om *OrderedMap[V]) Range(fn func(key string, value V) bool) {
	for _, k := range om.keys {
		if !fn(k, om.values[k]) {
			return
		}
	}
}

// Len returns the number of entries.
func (om *OrderedMap[V]) Len() int {
	return len(om.keys)
}

// Clear removes every entry.
func (om *OrderedMap[V]) Clear() {
	om.keys = om.keys[:0]
	om.values = make(map[string]V)
}
