// Package graph builds lazy computation graphs for the remote geospatial engine.
//
// A Value is an immutable node: a constant, a function invocation, a list, a
// dictionary, a function definition or a reference to a function argument.
// Nothing is evaluated locally; a Value is serialized into an Expression and
// shipped to the engine, which evaluates the whole graph server side.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies what a Value holds
type Kind int

const (
	KindConstant Kind = iota
	KindInvocation
	KindList
	KindDict
	KindFunction
	KindArgument
)

func (k Kind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindInvocation:
		return "invocation"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindFunction:
		return "function"
	case KindArgument:
		return "argument"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Args holds named arguments of an invocation or entries of a dictionary
type Args map[string]Value

// Value is a node of the computation graph
type Value struct {
	kind     Kind
	constant any
	function string
	args     Args
	items    []Value
	argNames []string
	body     *Value
	argRef   string
}

// Const wraps a JSON-encodable Go value
func Const(v any) Value {
	return Value{kind: KindConstant, constant: v}
}

// Call invokes a named engine function
func Call(function string, args Args) Value {
	copied := make(Args, len(args))
	for k, v := range args {
		copied[k] = v
	}
	return Value{kind: KindInvocation, function: function, args: copied}
}

// List builds an array value
func List(items ...Value) Value {
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{kind: KindList, items: copied}
}

// Strings is a convenience for a list of string constants
func Strings(items ...string) Value {
	values := make([]Value, len(items))
	for i, s := range items {
		values[i] = Const(s)
	}
	return List(values...)
}

// Dict builds a dictionary value
func Dict(entries Args) Value {
	copied := make(Args, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return Value{kind: KindDict, args: copied}
}

// Arg references an argument of the enclosing function definition
func Arg(name string) Value {
	return Value{kind: KindArgument, argRef: name}
}

// Func defines a function of the named arguments. It is used for
// collection mapping, where the engine calls body once per element.
func Func(argNames []string, body Value) Value {
	names := make([]string, len(argNames))
	copy(names, argNames)
	b := body
	return Value{kind: KindFunction, argNames: names, body: &b}
}

func (v Value) Kind() Kind           { return v.kind }
func (v Value) Constant() any        { return v.constant }
func (v Value) Function() string     { return v.function }
func (v Value) Items() []Value       { return v.items }
func (v Value) ArgumentName() string { return v.argRef }
func (v Value) ArgumentNames() []string {
	return v.argNames
}

// Arg returns the named invocation argument or dictionary entry
func (v Value) Arg(name string) (Value, bool) {
	a, ok := v.args[name]
	return a, ok
}

// ArgNames returns invocation argument names (or dictionary keys) sorted
func (v Value) ArgNames() []string {
	names := make([]string, 0, len(v.args))
	for k := range v.args {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Body returns the body of a function definition
func (v Value) Body() Value {
	if v.body == nil {
		return Value{}
	}
	return *v.body
}

// IsZero reports whether v was never constructed
func (v Value) IsZero() bool {
	return v.kind == KindConstant && v.constant == nil
}

// Calls reports whether function is invoked anywhere inside v
func (v Value) Calls(function string) bool {
	found := false
	v.Walk(func(n Value) bool {
		if n.kind == KindInvocation && n.function == function {
			found = true
			return false
		}
		return true
	})
	return found
}

// Walk visits v and its descendants depth first until visit returns false
func (v Value) Walk(visit func(Value) bool) bool {
	if !visit(v) {
		return false
	}
	switch v.kind {
	case KindInvocation, KindDict:
		for _, name := range v.ArgNames() {
			if !v.args[name].Walk(visit) {
				return false
			}
		}
	case KindList:
		for _, item := range v.items {
			if !item.Walk(visit) {
				return false
			}
		}
	case KindFunction:
		return v.Body().Walk(visit)
	}
	return true
}

// String renders a compact, human-readable form used in logs
func (v Value) String() string {
	switch v.kind {
	case KindConstant:
		return fmt.Sprintf("%v", v.constant)
	case KindArgument:
		return "$" + v.argRef
	case KindList:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindDict:
		parts := make([]string, 0, len(v.args))
		for _, name := range v.ArgNames() {
			parts = append(parts, name+": "+v.args[name].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindFunction:
		return "func(" + strings.Join(v.argNames, ", ") + ") " + v.Body().String()
	case KindInvocation:
		parts := make([]string, 0, len(v.args))
		for _, name := range v.ArgNames() {
			parts = append(parts, name+"="+v.args[name].String())
		}
		return v.function + "(" + strings.Join(parts, ", ") + ")"
	}
	return "?"
}
