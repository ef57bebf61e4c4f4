package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Global cells
// ---------------------------------------------------------------------------

// GlobalCell holds one global binding. Optimized code may fold a cell's value
// into a constant; the version counter detects later stores.
type GlobalCell struct {
	name    string
	value   atomic.Uint64
	version atomic.Uint64
	stores  atomic.Uint32
	defined atomic.Bool
	builtin atomic.Bool
}

// Name returns the global's name.
func (c *GlobalCell) Name() string { return c.name }

// Load returns the current value and whether the global was ever defined.
func (c *GlobalCell) Load() (Value, bool) {
	return Value(c.value.Load()), c.defined.Load()
}

// Version returns the store counter.
func (c *GlobalCell) Version() uint64 { return c.version.Load() }

// Stores returns how many times the cell was written.
func (c *GlobalCell) Stores() uint32 { return c.stores.Load() }

// IsBuiltin reports whether the cell still holds its builtin value.
func (c *GlobalCell) IsBuiltin() bool { return c.builtin.Load() }

func (c *GlobalCell) store(v Value) {
	c.value.Store(uint64(v))
	c.defined.Store(true)
	c.stores.Add(1)
	c.version.Add(1)
}

// ---------------------------------------------------------------------------
// Protectors
// ---------------------------------------------------------------------------

// ProtectorID names a realm-wide assumption.
type ProtectorID int

const (
	// ProtectorBuiltinsIntact holds while no builtin global was overwritten.
	ProtectorBuiltinsIntact ProtectorID = iota
)

// Protector is a one-way switch: once invalidated it never becomes intact
// again, so code depending on it only has to compare a version.
type Protector struct {
	name    string
	version atomic.Uint64
	intact  atomic.Bool
}

// Name returns the protector name.
func (p *Protector) Name() string { return p.name }

// Intact reports whether the assumption still holds.
func (p *Protector) Intact() bool { return p.intact.Load() }

// ProtectorTable holds every protector of a realm.
type ProtectorTable struct {
	mu   sync.RWMutex
	list []*Protector
}

func newProtectorTable() *ProtectorTable {
	t := &ProtectorTable{}
	t.Register("BuiltinsIntact")
	return t
}

// Register adds a protector and returns its ID.
func (t *ProtectorTable) Register(name string) ProtectorID {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Protector{name: name}
	p.intact.Store(true)
	t.list = append(t.list, p)
	return ProtectorID(len(t.list) - 1)
}

// Get returns the protector for id.
func (t *ProtectorTable) Get(id ProtectorID) *Protector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.list[id]
}

// Invalidate trips a protector. It returns false if it was already tripped.
func (t *ProtectorTable) Invalidate(id ProtectorID) bool {
	p := t.Get(id)
	if !p.intact.CompareAndSwap(true, false) {
		return false
	}
	p.version.Add(1)
	return true
}

// ---------------------------------------------------------------------------
// Realm
// ---------------------------------------------------------------------------

// Realm holds the global state shared by all functions of an engine.
type Realm struct {
	mu         sync.RWMutex
	globals    map[string]*GlobalCell
	shapes     *ShapeTable
	protectors *ProtectorTable
}

func newRealm() *Realm {
	return &Realm{
		globals:    make(map[string]*GlobalCell),
		shapes:     NewShapeTable(),
		protectors: newProtectorTable(),
	}
}

// Cell returns the cell for name, creating an undefined one if needed.
func (r *Realm) Cell(name string) *GlobalCell {
	r.mu.RLock()
	c, ok := r.globals[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.globals[name]; ok {
		return c
	}
	c = &GlobalCell{name: name}
	c.value.Store(uint64(Nil))
	r.globals[name] = c
	return c
}

// LookupCell returns an existing cell.
func (r *Realm) LookupCell(name string) (*GlobalCell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.globals[name]
	return c, ok
}

// GlobalNames returns the defined globals in sorted order.
func (r *Realm) GlobalNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.globals))
	for name, c := range r.globals {
		if c.defined.Load() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Shapes returns the realm's shape table.
func (r *Realm) Shapes() *ShapeTable { return r.shapes }

// Protectors returns the realm's protector table.
func (r *Realm) Protectors() *ProtectorTable { return r.protectors }

func (r *Realm) defineBuiltin(name string, v Value) {
	c := r.Cell(name)
	c.store(v)
	c.builtin.Store(true)
}

func (r *Realm) visitRoots(visit func(Value)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.globals {
		visit(Value(c.value.Load()))
	}
}
