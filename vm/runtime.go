package vm

import (
	"math"
	"strings"
)

// Operation semantics shared by every tier. The interpreter and baseline call
// the exec* helpers, which also record feedback; optimized code falls back to
// the plain helpers for generic operations.

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (e *Engine) maskOf(v Value) TypeMask {
	if m := typeMaskOf(v); m != 0 {
		return m
	}
	if _, ok := e.heap.Get(v).(*String); ok {
		return TypeString
	}
	return TypeOther
}

func (e *Engine) typeName(v Value) string {
	switch {
	case v == Nil:
		return "nil"
	case v.IsBool():
		return "boolean"
	case v.IsNumber():
		return "number"
	}
	if obj := e.heap.Get(v); obj != nil {
		return obj.Kind().String()
	}
	return "unknown"
}

// Arith applies a binary arithmetic operator.
func (e *Engine) Arith(op Opcode, a, b Value) (Value, error) {
	if a.IsInt() && b.IsInt() {
		x, y := int64(a.Int()), int64(b.Int())
		switch op {
		case OpAdd:
			return FromInt64(x + y), nil
		case OpSub:
			return FromInt64(x - y), nil
		case OpMul:
			return FromInt64(x * y), nil
		case OpDiv:
			return FromFloat(float64(x) / float64(y)), nil
		case OpMod:
			if y == 0 {
				return Nil, newRangeError("division by zero")
			}
			return FromInt64(x % y), nil
		}
	}
	x, xok := a.Number()
	y, yok := b.Number()
	if xok && yok {
		switch op {
		case OpAdd:
			return FromFloat(x + y), nil
		case OpSub:
			return FromFloat(x - y), nil
		case OpMul:
			return FromFloat(x * y), nil
		case OpDiv:
			return FromFloat(x / y), nil
		case OpMod:
			return FromFloat(math.Mod(x, y)), nil
		}
	}
	if op == OpAdd {
		as, aok := e.heap.Str(a)
		bs, bok := e.heap.Str(b)
		if aok || bok {
			if !aok {
				as = e.heap.Format(a)
			}
			if !bok {
				bs = e.heap.Format(b)
			}
			return e.heap.NewString(as + bs), nil
		}
	}
	return Nil, newTypeError("cannot apply %s to %s and %s", op.Name(), e.typeName(a), e.typeName(b))
}

// Negate applies unary minus.
func (e *Engine) Negate(a Value) (Value, error) {
	if a.IsInt() {
		return FromInt64(-int64(a.Int())), nil
	}
	if a.IsFloat() {
		return FromFloat(-a.Float64()), nil
	}
	return Nil, newTypeError("cannot negate %s", e.typeName(a))
}

// Compare applies a relational or equality operator.
func (e *Engine) Compare(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpEq:
		return Bool(e.Equal(a, b)), nil
	case OpNe:
		return Bool(!e.Equal(a, b)), nil
	}
	if a.IsInt() && b.IsInt() {
		return Bool(compareOrdered(op, a.Int(), b.Int())), nil
	}
	x, xok := a.Number()
	y, yok := b.Number()
	if xok && yok {
		return Bool(compareOrdered(op, x, y)), nil
	}
	as, aok := e.heap.Str(a)
	bs, bok := e.heap.Str(b)
	if aok && bok {
		return Bool(compareOrdered(op, strings.Compare(as, bs), 0)), nil
	}
	return Nil, newTypeError("cannot compare %s and %s", e.typeName(a), e.typeName(b))
}

func compareOrdered[T int | int32 | float64](op Opcode, x, y T) bool {
	switch op {
	case OpLt:
		return x < y
	case OpLe:
		return x <= y
	case OpGt:
		return x > y
	case OpGe:
		return x >= y
	}
	invariantf("compareOrdered: %s is not relational", op)
	return false
}

// Equal implements the equality operator: numbers compare numerically,
// strings by content, everything else by identity.
func (e *Engine) Equal(a, b Value) bool {
	if a == b {
		return !(a.IsFloat() && a.Float64() != a.Float64())
	}
	if x, ok := a.Number(); ok {
		if y, ok := b.Number(); ok {
			return x == y
		}
		return false
	}
	as, aok := e.heap.Str(a)
	bs, bok := e.heap.Str(b)
	return aok && bok && as == bs
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

// GetProperty reads obj.name. The returned entry describes the lookup when it
// can be cached.
func (e *Engine) GetProperty(obj Value, name string) (Value, ShapeEntry, bool, error) {
	switch o := e.heap.Get(obj).(type) {
	case *Object:
		receiver := o.shape
		if i, ok := receiver.Lookup(name); ok {
			return o.slots[i], ShapeEntry{Receiver: receiver, Kind: PropOwn, Index: i}, true, nil
		}
		var chain []*Shape
		for p := receiver.proto; p != Nil; {
			po, ok := e.heap.Object(p)
			if !ok {
				break
			}
			chain = append(chain, po.shape)
			if i, ok := po.shape.Lookup(name); ok {
				return po.slots[i], ShapeEntry{Receiver: receiver, Kind: PropProto, Index: i, Holder: p, Chain: chain}, true, nil
			}
			p = po.shape.proto
		}
		return Nil, ShapeEntry{Receiver: receiver, Kind: PropMissing, Chain: chain, Holder: Nil}, true, nil
	case *Array:
		if name == "length" {
			return FromInt(int32(len(o.elems))), ShapeEntry{}, false, nil
		}
		return Nil, ShapeEntry{}, false, nil
	case *String:
		if name == "length" {
			return FromInt(int32(len(o.s))), ShapeEntry{}, false, nil
		}
		return Nil, ShapeEntry{}, false, nil
	}
	return Nil, ShapeEntry{}, false, newTypeError("cannot read property %q of %s", name, e.typeName(obj))
}

// SetProperty writes obj.name = v.
func (e *Engine) SetProperty(obj Value, name string, v Value) (ShapeEntry, bool, error) {
	o, ok := e.heap.Object(obj)
	if !ok {
		return ShapeEntry{}, false, newTypeError("cannot set property %q of %s", name, e.typeName(obj))
	}
	old := o.shape
	if i, ok := old.Lookup(name); ok {
		o.slots[i] = v
		return ShapeEntry{Receiver: old, Kind: PropOwn, Index: i}, true, nil
	}
	next := e.realm.shapes.Transition(old, name)
	o.shape = next
	o.slots = append(o.slots, v)
	if o.isPrototype {
		e.prototypeChanged(old)
	}
	return ShapeEntry{Receiver: old, Kind: PropAdd, Index: next.Size() - 1, Transition: next}, true, nil
}

// DeleteProperty removes obj.name if present.
func (e *Engine) DeleteProperty(obj Value, name string) error {
	o, ok := e.heap.Object(obj)
	if !ok {
		return newTypeError("cannot delete property %q of %s", name, e.typeName(obj))
	}
	old := o.shape
	if _, ok := old.Lookup(name); !ok {
		return nil
	}
	next, moved := e.realm.shapes.WithoutKey(old, name)
	slots := make([]Value, len(moved))
	for i, from := range moved {
		slots[i] = o.slots[from]
	}
	o.shape, o.slots = next, slots
	if o.isPrototype {
		e.prototypeChanged(old)
	}
	return nil
}

// NewObject allocates an object inheriting from proto (nil for none).
func (e *Engine) NewObject(proto Value) (Value, error) {
	if proto != Nil {
		po, ok := e.heap.Object(proto)
		if !ok {
			return Nil, newTypeError("prototype must be an object, not %s", e.typeName(proto))
		}
		po.isPrototype = true
	}
	return e.heap.Allocate(&Object{shape: e.realm.shapes.Root(proto)}), nil
}

// prototypeChanged retires a prototype's old layout: feedback that cached it
// is reset and code depending on it is marked for deoptimization.
func (e *Engine) prototypeChanged(old *Shape) {
	old.invalid.Store(true)
	changed := e.store.Invalidate(ReferencesShape(old))
	marked := e.deps.invalidate(old, ReasonDependencyChanged)
	e.stats.invalidations.Add(1)
	for _, u := range changed {
		e.events.Emit(Event{Kind: EventInvalidation, Session: e.session, Function: u.name, Detail: "prototype shape changed"})
	}
	e.log.Debugf("prototype shape %d retired: %d vectors reset, %d code objects marked", old.id, len(changed), marked)
}

// ---------------------------------------------------------------------------
// Elements
// ---------------------------------------------------------------------------

func indexOf(v Value) (int, bool) {
	if v.IsInt() {
		return int(v.Int()), true
	}
	if v.IsFloat() {
		f := v.Float64()
		if f == math.Trunc(f) && f >= float64(MinInt) && f <= float64(MaxInt) {
			return int(f), true
		}
	}
	return 0, false
}

// GetIndex reads container[key].
func (e *Engine) GetIndex(container, key Value) (Value, uint8, error) {
	switch o := e.heap.Get(container).(type) {
	case *Array:
		i, ok := indexOf(key)
		if !ok {
			return Nil, ElemOther, newTypeError("array index must be a number, not %s", e.typeName(key))
		}
		if i < 0 || i >= len(o.elems) {
			return Nil, ElemArrayOutOfBounds, nil
		}
		return o.elems[i], ElemArrayInBounds, nil
	case *String:
		i, ok := indexOf(key)
		if !ok {
			return Nil, ElemOther, newTypeError("string index must be a number, not %s", e.typeName(key))
		}
		if i < 0 || i >= len(o.s) {
			return Nil, ElemString, nil
		}
		return e.heap.NewString(o.s[i : i+1]), ElemString, nil
	case *Object:
		name, ok := e.heap.Str(key)
		if !ok {
			return Nil, ElemOther, newTypeError("object key must be a string, not %s", e.typeName(key))
		}
		v, _, _, err := e.GetProperty(container, name)
		return v, ElemOther, err
	}
	return Nil, ElemOther, newTypeError("cannot index %s", e.typeName(container))
}

// SetIndex writes container[key] = v. Writing one past the end of an array
// appends.
func (e *Engine) SetIndex(container, key, v Value) (uint8, error) {
	switch o := e.heap.Get(container).(type) {
	case *Array:
		i, ok := indexOf(key)
		if !ok {
			return ElemOther, newTypeError("array index must be a number, not %s", e.typeName(key))
		}
		switch {
		case i >= 0 && i < len(o.elems):
			o.elems[i] = v
			return ElemArrayInBounds, nil
		case i == len(o.elems):
			o.elems = append(o.elems, v)
			return ElemArrayOutOfBounds, nil
		}
		return ElemArrayOutOfBounds, newRangeError("index %d out of range for length %d", i, len(o.elems))
	case *Object:
		name, ok := e.heap.Str(key)
		if !ok {
			return ElemOther, newTypeError("object key must be a string, not %s", e.typeName(key))
		}
		_, _, err := e.SetProperty(container, name, v)
		return ElemOther, err
	}
	return ElemOther, newTypeError("cannot assign into %s", e.typeName(container))
}

// Length returns the length of an array or string.
func (e *Engine) Length(v Value) (Value, error) {
	switch o := e.heap.Get(v).(type) {
	case *Array:
		return FromInt(int32(len(o.elems))), nil
	case *String:
		return FromInt(int32(len(o.s))), nil
	}
	return Nil, newTypeError("%s has no length", e.typeName(v))
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// LoadGlobal reads a global binding.
func (e *Engine) LoadGlobal(name string) (Value, error) {
	c, ok := e.realm.LookupCell(name)
	if !ok {
		return Nil, newReferenceError(name)
	}
	v, defined := c.Load()
	if !defined {
		return Nil, newReferenceError(name)
	}
	return v, nil
}

// StoreGlobal writes a global binding and invalidates code that folded it.
func (e *Engine) StoreGlobal(name string, v Value) {
	c := e.realm.Cell(name)
	c.store(v)
	e.deps.invalidate(c, ReasonDependencyChanged)
	if c.builtin.CompareAndSwap(true, false) {
		if e.realm.protectors.Invalidate(ProtectorBuiltinsIntact) {
			e.deps.invalidate(ProtectorBuiltinsIntact, ReasonDependencyChanged)
			e.log.Infof("builtin %s overwritten, BuiltinsIntact protector invalidated", name)
		}
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// errorValue is the value a handler receives for err.
func (e *Engine) errorValue(le *LangError) Value {
	if le.Kind == Thrown {
		return le.Value
	}
	return e.heap.NewString(le.Error())
}

// ---------------------------------------------------------------------------
// Feedback-recording operations for the interpreter and baseline tiers
// ---------------------------------------------------------------------------

func (e *Engine) execArith(fv *FeedbackVector, slot int, op Opcode, a, b Value) (Value, error) {
	r, err := e.Arith(op, a, b)
	m := e.maskOf(a) | e.maskOf(b)
	// An int result that overflowed to float needs float feedback.
	if err == nil && m == TypeSignedSmall && !r.IsInt() && op != OpDiv {
		m |= TypeFloat
	}
	if op == OpMod && err != nil && m == TypeSignedSmall {
		m |= TypeOther
	}
	fv.RecordTypes(slot, m)
	return r, err
}

func (e *Engine) execNegate(fv *FeedbackVector, slot int, a Value) (Value, error) {
	r, err := e.Negate(a)
	m := e.maskOf(a)
	if err == nil && m == TypeSignedSmall && !r.IsInt() {
		m |= TypeFloat
	}
	fv.RecordTypes(slot, m)
	return r, err
}

func (e *Engine) execCompare(fv *FeedbackVector, slot int, op Opcode, a, b Value) (Value, error) {
	fv.RecordTypes(slot, e.maskOf(a)|e.maskOf(b))
	return e.Compare(op, a, b)
}

func (e *Engine) execGetProp(fv *FeedbackVector, slot int, obj Value, name string) (Value, error) {
	v, entry, cacheable, err := e.GetProperty(obj, name)
	if err != nil {
		return Nil, err
	}
	if cacheable {
		fv.RecordShape(slot, entry)
	} else {
		fv.RecordGeneric(slot)
	}
	return v, nil
}

func (e *Engine) execSetProp(fv *FeedbackVector, slot int, obj Value, name string, v Value) error {
	entry, cacheable, err := e.SetProperty(obj, name, v)
	if err != nil {
		return err
	}
	if cacheable {
		fv.RecordShape(slot, entry)
	} else {
		fv.RecordGeneric(slot)
	}
	return nil
}

func (e *Engine) execGetIndex(fv *FeedbackVector, slot int, container, key Value) (Value, error) {
	v, bits, err := e.GetIndex(container, key)
	if bits == ElemArrayInBounds && !key.IsInt() {
		bits |= ElemOther
	}
	fv.RecordElements(slot, bits)
	return v, err
}

func (e *Engine) execSetIndex(fv *FeedbackVector, slot int, container, key, v Value) error {
	bits, err := e.SetIndex(container, key, v)
	if bits == ElemArrayInBounds && !key.IsInt() {
		bits |= ElemOther
	}
	fv.RecordElements(slot, bits)
	return err
}

func (e *Engine) recordCall(fv *FeedbackVector, slot int, callee Value) {
	switch c := e.heap.Get(callee).(type) {
	case *Closure:
		fv.RecordCall(slot, CallEntry{Target: callee, Unit: c.Unit})
	case *Native:
		fv.RecordCall(slot, CallEntry{Target: callee, Native: c})
	default:
		fv.RecordGeneric(slot)
	}
}
