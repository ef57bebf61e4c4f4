package vm

import (
	"sync"
	"sync/atomic"
)

// Shape describes the property layout of an object: which keys exist and at
// which slot index. Objects with equal shapes share a layout and a prototype,
// so a shape check alone is enough to validate a cached property access.
//
// Shapes are immutable after creation except for the transitions table and
// the invalid flag, so the optimizing compiler may read them from its own
// goroutine.
type Shape struct {
	id     uint32
	parent *Shape
	key    string
	proto  Value
	index  map[string]int
	keys   []string

	mu          sync.Mutex
	transitions map[string]*Shape

	// invalid is set when a prototype owning this shape changes layout.
	invalid atomic.Bool
}

// ID returns the shape's unique identifier.
func (s *Shape) ID() uint32 { return s.id }

// Size returns the number of property slots.
func (s *Shape) Size() int { return len(s.keys) }

// Keys returns property names in slot order.
func (s *Shape) Keys() []string { return s.keys }

// Proto returns the prototype shared by every object of this shape.
func (s *Shape) Proto() Value { return s.proto }

// Lookup returns the slot index of key.
func (s *Shape) Lookup(key string) (int, bool) {
	i, ok := s.index[key]
	return i, ok
}

// Invalid reports whether the shape was retired by a prototype mutation.
func (s *Shape) Invalid() bool { return s.invalid.Load() }

// ShapeTable owns every shape of a realm. Each prototype has its own root, so
// a shape implies the prototype of its objects.
type ShapeTable struct {
	mu     sync.Mutex
	nextID atomic.Uint32
	roots  map[Value]*Shape
}

// NewShapeTable creates an empty table.
func NewShapeTable() *ShapeTable {
	return &ShapeTable{roots: make(map[Value]*Shape)}
}

func (t *ShapeTable) newShape(parent *Shape, key string, proto Value) *Shape {
	s := &Shape{
		id:     t.nextID.Add(1),
		parent: parent,
		key:    key,
		proto:  proto,
	}
	if parent == nil {
		s.index = map[string]int{}
		return s
	}
	s.index = make(map[string]int, len(parent.index)+1)
	for k, v := range parent.index {
		s.index[k] = v
	}
	s.index[key] = len(parent.keys)
	s.keys = make([]string, len(parent.keys), len(parent.keys)+1)
	copy(s.keys, parent.keys)
	s.keys = append(s.keys, key)
	return s
}

// Root returns the empty shape for objects inheriting from proto.
func (t *ShapeTable) Root(proto Value) *Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.roots[proto]; ok {
		return s
	}
	s := t.newShape(nil, "", proto)
	t.roots[proto] = s
	return s
}

// Transition returns the shape reached by adding key to from.
func (t *ShapeTable) Transition(from *Shape, key string) *Shape {
	from.mu.Lock()
	defer from.mu.Unlock()
	if next, ok := from.transitions[key]; ok {
		return next
	}
	next := t.newShape(from, key, from.proto)
	if from.transitions == nil {
		from.transitions = make(map[string]*Shape)
	}
	from.transitions[key] = next
	return next
}

// WithoutKey returns the shape obtained by removing key from s, along with
// the old slot index for each slot of the new shape.
func (t *ShapeTable) WithoutKey(s *Shape, key string) (*Shape, []int) {
	next := t.Root(s.proto)
	var moved []int
	for i, k := range s.keys {
		if k == key {
			continue
		}
		next = t.Transition(next, k)
		moved = append(moved, i)
	}
	return next, moved
}

// forget drops the root of a collected prototype.
func (t *ShapeTable) forget(proto Value) {
	t.mu.Lock()
	delete(t.roots, proto)
	t.mu.Unlock()
}
