package vm

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Assembler: textual front end for bytecode
// ---------------------------------------------------------------------------

// Program is a set of assembled top-level functions.
type Program struct {
	Functions []*FunctionUnit
}

// Function returns the top-level function named name.
func (p *Program) Function(name string) (*FunctionUnit, bool) {
	for _, u := range p.Functions {
		if u.name == name {
			return u, true
		}
	}
	return nil, false
}

// AssembleError reports a malformed source line.
type AssembleError struct {
	Line int
	Msg  string
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// simpleOps are mnemonics without operands.
var simpleOps = map[string]Opcode{
	"nop":         OpNop,
	"pop":         OpPop,
	"dup":         OpDup,
	"swap":        OpSwap,
	"nil":         OpPushNil,
	"true":        OpPushTrue,
	"false":       OpPushFalse,
	"not":         OpNot,
	"newobj":      OpNewObject,
	"newobjproto": OpNewObjectProto,
	"length":      OpLength,
	"return":      OpReturn,
	"throw":       OpThrow,
}

// slotOps are mnemonics carrying only a feedback slot.
var slotOps = map[string]Opcode{
	"add":      OpAdd,
	"sub":      OpSub,
	"mul":      OpMul,
	"div":      OpDiv,
	"mod":      OpMod,
	"neg":      OpNeg,
	"lt":       OpLt,
	"le":       OpLe,
	"gt":       OpGt,
	"ge":       OpGe,
	"eq":       OpEq,
	"ne":       OpNe,
	"getindex": OpGetIndex,
	"setindex": OpSetIndex,
}

type pendingHandler struct {
	line               int
	start, end, target string
	depth              int
}

type asmFunc struct {
	b        *FunctionBuilder
	line     int
	locals   map[string]int
	labels   map[string]*Label
	nested   map[string]uint16
	handlers []pendingHandler
}

func (f *asmFunc) label(name string) *Label {
	l, ok := f.labels[name]
	if !ok {
		l = f.b.bc.NewLabel()
		f.labels[name] = l
	}
	return l
}

// Assemble translates assembler source into a Program.
//
//	func name(a, b)      start a function with parameters
//	local x, y           declare locals
//	loop:                define a label
//	push 1 | push 2.5 | push "s"
//	load x | store x | gload g | gstore g
//	getprop p | setprop p | delprop p
//	call 2 | newarray 3 | closure inner
//	jump l | jf l | jt l | loop l
//	handler start end target depth
//	end
//
// Functions may nest; a nested function is only reachable through closure.
// Comments start with ';'.
func Assemble(src string) (*Program, error) {
	p := &Program{}
	var stack []*asmFunc
	sc := bufio.NewScanner(strings.NewReader(src))
	line := 0
	fail := func(format string, args ...any) error {
		return &AssembleError{Line: line, Msg: fmt.Sprintf(format, args...)}
	}

	for sc.Scan() {
		line++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}
		mnemonic, rest := text, ""
		if i := strings.IndexAny(text, " \t"); i >= 0 {
			mnemonic, rest = text[:i], strings.TrimSpace(text[i:])
		}

		if mnemonic == "func" {
			f, err := parseFuncHeader(rest)
			if err != nil {
				return nil, fail("%v", err)
			}
			f.line = line
			stack = append(stack, f)
			continue
		}
		if len(stack) == 0 {
			return nil, fail("%q outside a function", mnemonic)
		}
		f := stack[len(stack)-1]
		bc := f.b.bc

		if strings.HasSuffix(mnemonic, ":") && rest == "" {
			name := strings.TrimSuffix(mnemonic, ":")
			l := f.label(name)
			if l.placed {
				return nil, fail("label %q defined twice", name)
			}
			bc.Mark(l)
			continue
		}

		if op, ok := simpleOps[mnemonic]; ok {
			bc.Emit(op)
			continue
		}
		if op, ok := slotOps[mnemonic]; ok {
			bc.EmitSlot(op, f.b.AddSlot(slotKindFor(op)))
			continue
		}

		switch mnemonic {
		case "end":
			stack = stack[:len(stack)-1]
			u, err := f.finish()
			if err != nil {
				return nil, &AssembleError{Line: f.line, Msg: err.Error()}
			}
			if len(stack) == 0 {
				if _, dup := p.Function(u.name); dup {
					return nil, fail("function %q defined twice", u.name)
				}
				p.Functions = append(p.Functions, u)
			} else {
				parent := stack[len(stack)-1]
				parent.nested[u.name] = parent.b.AddFunction(u)
			}

		case "local":
			for _, name := range splitList(rest) {
				if _, dup := f.locals[name]; dup {
					return nil, fail("local %q declared twice", name)
				}
				f.locals[name] = f.b.AddLocal()
			}

		case "push":
			if err := f.push(rest); err != nil {
				return nil, fail("%v", err)
			}

		case "load", "store":
			idx, err := f.local(rest)
			if err != nil {
				return nil, fail("%v", err)
			}
			op := OpLoadLocal
			if mnemonic == "store" {
				op = OpStoreLocal
			}
			bc.EmitByte(op, byte(idx))

		case "gload", "gstore", "delprop":
			if rest == "" {
				return nil, fail("%s needs a name", mnemonic)
			}
			op := map[string]Opcode{"gload": OpLoadGlobal, "gstore": OpStoreGlobal, "delprop": OpDeleteProp}[mnemonic]
			bc.EmitUint16(op, f.b.AddName(rest))

		case "getprop", "setprop":
			if rest == "" {
				return nil, fail("%s needs a property name", mnemonic)
			}
			op := OpGetProp
			if mnemonic == "setprop" {
				op = OpSetProp
			}
			bc.EmitProp(op, f.b.AddName(rest), f.b.AddSlot(slotKindFor(op)))

		case "call", "newarray":
			n, err := strconv.ParseUint(rest, 10, 8)
			if err != nil {
				return nil, fail("%s: bad count %q", mnemonic, rest)
			}
			if mnemonic == "call" {
				bc.EmitCall(uint8(n), f.b.AddSlot(SlotCall))
			} else {
				bc.EmitByte(OpNewArray, byte(n))
			}

		case "closure":
			idx, ok := f.nested[rest]
			if !ok {
				return nil, fail("closure: no nested function %q", rest)
			}
			bc.EmitUint16(OpClosure, idx)

		case "jump", "loop":
			op := OpJump
			if mnemonic == "loop" {
				op = OpLoop
			}
			bc.EmitJump(op, f.label(rest))

		case "jf", "jt":
			op := OpJumpIfFalse
			if mnemonic == "jt" {
				op = OpJumpIfTrue
			}
			bc.EmitBranch(op, f.label(rest), f.b.AddSlot(SlotBranch))

		case "handler":
			fields := strings.Fields(rest)
			if len(fields) != 4 {
				return nil, fail("handler needs start, end, target and depth")
			}
			depth, err := strconv.Atoi(fields[3])
			if err != nil || depth < 0 {
				return nil, fail("handler: bad depth %q", fields[3])
			}
			f.handlers = append(f.handlers, pendingHandler{line: line, start: fields[0], end: fields[1], target: fields[2], depth: depth})

		default:
			return nil, fail("unknown instruction %q", mnemonic)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	if len(stack) > 0 {
		return nil, &AssembleError{Line: stack[len(stack)-1].line, Msg: "function not closed with end"}
	}
	return p, nil
}

// MustAssemble is Assemble for sources known to be valid.
func MustAssemble(src string) *Program {
	p, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return p
}

func parseFuncHeader(rest string) (*asmFunc, error) {
	name, params, ok := strings.Cut(rest, "(")
	name = strings.TrimSpace(name)
	if !ok || name == "" || !strings.HasSuffix(params, ")") {
		return nil, fmt.Errorf("malformed function header %q", rest)
	}
	names := splitList(strings.TrimSuffix(params, ")"))
	f := &asmFunc{
		b:      NewFunctionBuilder(name, len(names)),
		locals: make(map[string]int),
		labels: make(map[string]*Label),
		nested: make(map[string]uint16),
	}
	for i, n := range names {
		if _, dup := f.locals[n]; dup {
			return nil, fmt.Errorf("parameter %q declared twice", n)
		}
		f.locals[n] = i
	}
	return f, nil
}

func (f *asmFunc) local(operand string) (int, error) {
	if idx, ok := f.locals[operand]; ok {
		return idx, nil
	}
	idx, err := strconv.Atoi(operand)
	if err != nil || idx < 0 || idx >= f.b.meta.NumLocals || idx > math.MaxUint8 {
		return 0, fmt.Errorf("unknown local %q", operand)
	}
	return idx, nil
}

func (f *asmFunc) push(operand string) error {
	bc := f.b.bc
	switch {
	case operand == "":
		return fmt.Errorf("push needs an operand")
	case strings.HasPrefix(operand, `"`):
		s, err := strconv.Unquote(operand)
		if err != nil {
			return fmt.Errorf("bad string %s", operand)
		}
		bc.EmitUint16(OpPushConst, f.b.AddConstant(Constant{Kind: ConstString, Str: s}))
		return nil
	}
	if n, err := strconv.ParseInt(operand, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			bc.EmitInt32(OpPushInt, int32(n))
		} else {
			bc.EmitUint16(OpPushConst, f.b.AddConstant(Constant{Kind: ConstFloat, Float: float64(n)}))
		}
		return nil
	}
	x, err := strconv.ParseFloat(operand, 64)
	if err != nil {
		return fmt.Errorf("bad literal %q", operand)
	}
	bc.EmitUint16(OpPushConst, f.b.AddConstant(Constant{Kind: ConstFloat, Float: x}))
	return nil
}

// finish resolves handlers and builds the unit.
func (f *asmFunc) finish() (*FunctionUnit, error) {
	for name, l := range f.labels {
		if !l.placed {
			return nil, fmt.Errorf("%s: undefined label %q", f.b.name, name)
		}
	}
	for _, h := range f.handlers {
		var pos [3]int
		for i, name := range []string{h.start, h.end, h.target} {
			l, ok := f.labels[name]
			if !ok {
				return nil, fmt.Errorf("%s: handler at line %d: undefined label %q", f.b.name, h.line, name)
			}
			pos[i] = l.at
		}
		f.b.AddHandler(Handler{Start: pos[0], End: pos[1], Target: pos[2], StackDepth: h.depth})
	}
	return f.b.Build()
}

func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return s[:i]
			}
		}
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
