// Package vm implements a tiered execution engine for a small dynamically
// typed bytecode language.
//
// Functions start in the interpreter, which records type feedback at every
// arithmetic, comparison, property and call site. Hot functions move to a
// baseline tier and then to a speculative optimizing compiler whose guards
// deoptimize back to unoptimized frames when an assumption fails. Loops can
// enter optimized code mid-execution through on-stack replacement.
//
// The Engine type is the entry point:
//
//	e, err := vm.NewEngine(vm.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//	if err := e.Load(vm.MustAssemble(src)); err != nil {
//		return err
//	}
//	result, err := e.Call("main", vm.FromInt(10))
package vm
