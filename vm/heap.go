package vm

import (
	"fmt"
	"strings"
)

// ObjectKind identifies the concrete type of a heap object.
type ObjectKind uint8

const (
	KindObject ObjectKind = iota
	KindArray
	KindString
	KindClosure
	KindNative
)

var objectKindNames = [...]string{"object", "array", "string", "function", "native"}

func (k ObjectKind) String() string {
	if int(k) < len(objectKindNames) {
		return objectKindNames[k]
	}
	return "unknown"
}

// HeapObject is anything stored in the heap table.
type HeapObject interface {
	Kind() ObjectKind
	visitRefs(visit func(Value))
}

// Object is a property bag laid out by its Shape.
type Object struct {
	shape       *Shape
	slots       []Value
	isPrototype bool
}

func (o *Object) Kind() ObjectKind { return KindObject }

func (o *Object) visitRefs(visit func(Value)) {
	visit(o.shape.proto)
	for _, v := range o.slots {
		visit(v)
	}
}

// Shape returns the object's current shape.
func (o *Object) Shape() *Shape { return o.shape }

// Array is a dense, growable list.
type Array struct {
	elems []Value
}

func (a *Array) Kind() ObjectKind { return KindArray }

func (a *Array) visitRefs(visit func(Value)) {
	for _, v := range a.elems {
		visit(v)
	}
}

// Len returns the array length.
func (a *Array) Len() int { return len(a.elems) }

// String is an immutable string.
type String struct {
	s string
}

func (s *String) Kind() ObjectKind       { return KindString }
func (s *String) visitRefs(func(Value)) {}

// Closure is a callable guest function.
type Closure struct {
	Unit *FunctionUnit
}

func (c *Closure) Kind() ObjectKind       { return KindClosure }
func (c *Closure) visitRefs(func(Value)) {}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a handle table. Handles stay stable for an object's lifetime, which
// lets compiled code and feedback embed them; Collect frees unreachable
// handles and recycles them through a free list.
type Heap struct {
	objects []HeapObject
	marks   []bool
	free    []uint32
	live    int

	// onFree is invoked for every collected handle.
	onFree func(h uint32, obj HeapObject)
}

// NewHeap creates an empty heap. Handle 0 is never allocated.
func NewHeap() *Heap {
	return &Heap{objects: make([]HeapObject, 1, 256)}
}

// Allocate stores obj and returns a Value referring to it.
func (h *Heap) Allocate(obj HeapObject) Value {
	h.live++
	if n := len(h.free); n > 0 {
		handle := h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[handle] = obj
		return FromHandle(handle)
	}
	h.objects = append(h.objects, obj)
	return FromHandle(uint32(len(h.objects) - 1))
}

// Get returns the object referenced by v, or nil.
func (h *Heap) Get(v Value) HeapObject {
	if !v.IsHandle() {
		return nil
	}
	idx := v.Handle()
	if int(idx) >= len(h.objects) {
		return nil
	}
	return h.objects[idx]
}

// Object returns v as an *Object.
func (h *Heap) Object(v Value) (*Object, bool) {
	o, ok := h.Get(v).(*Object)
	return o, ok
}

// Array returns v as an *Array.
func (h *Heap) Array(v Value) (*Array, bool) {
	a, ok := h.Get(v).(*Array)
	return a, ok
}

// Str returns the Go string held by v.
func (h *Heap) Str(v Value) (string, bool) {
	s, ok := h.Get(v).(*String)
	if !ok {
		return "", false
	}
	return s.s, true
}

// Closure returns v as a *Closure.
func (h *Heap) Closure(v Value) (*Closure, bool) {
	c, ok := h.Get(v).(*Closure)
	return c, ok
}

// Native returns v as a *Native.
func (h *Heap) Native(v Value) (*Native, bool) {
	n, ok := h.Get(v).(*Native)
	return n, ok
}

// NewString allocates a string.
func (h *Heap) NewString(s string) Value {
	return h.Allocate(&String{s: s})
}

// NewArray allocates an array holding elems.
func (h *Heap) NewArray(elems []Value) Value {
	return h.Allocate(&Array{elems: elems})
}

// Live returns the number of live objects.
func (h *Heap) Live() int { return h.live }

// Collect runs a mark-sweep collection. roots must report every value the
// engine can still reach. It returns the number of freed objects.
func (h *Heap) Collect(roots func(visit func(Value))) int {
	if cap(h.marks) < len(h.objects) {
		h.marks = make([]bool, len(h.objects))
	}
	h.marks = h.marks[:len(h.objects)]
	clear(h.marks)

	var work []uint32
	mark := func(v Value) {
		if !v.IsHandle() {
			return
		}
		idx := v.Handle()
		if int(idx) >= len(h.objects) || h.objects[idx] == nil || h.marks[idx] {
			return
		}
		h.marks[idx] = true
		work = append(work, idx)
	}
	roots(mark)
	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]
		h.objects[idx].visitRefs(mark)
	}

	freed := 0
	for i := 1; i < len(h.objects); i++ {
		obj := h.objects[i]
		if obj == nil || h.marks[i] {
			continue
		}
		if h.onFree != nil {
			h.onFree(uint32(i), obj)
		}
		h.objects[i] = nil
		h.free = append(h.free, uint32(i))
		freed++
	}
	h.live -= freed
	return freed
}

// Format renders v for display.
func (h *Heap) Format(v Value) string {
	var sb strings.Builder
	h.format(&sb, v, 0)
	return sb.String()
}

func (h *Heap) format(sb *strings.Builder, v Value, depth int) {
	obj := h.Get(v)
	if obj == nil {
		sb.WriteString(v.String())
		return
	}
	if depth > 3 {
		sb.WriteString("...")
		return
	}
	switch o := obj.(type) {
	case *String:
		sb.WriteString(o.s)
	case *Array:
		sb.WriteByte('[')
		for i, e := range o.elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			h.format(sb, e, depth+1)
		}
		sb.WriteByte(']')
	case *Object:
		sb.WriteByte('{')
		for i, k := range o.shape.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			h.format(sb, o.slots[i], depth+1)
		}
		sb.WriteByte('}')
	case *Closure:
		fmt.Fprintf(sb, "<function %s>", o.Unit.Name())
	case *Native:
		fmt.Fprintf(sb, "<native %s>", o.Name)
	}
}
