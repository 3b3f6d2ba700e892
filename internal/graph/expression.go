package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Expression is the wire form of a graph: a table of value nodes keyed by
// short ids and the id of the result node. Invocations and function
// definitions live in the table and are referenced by id; identical subtrees
// are stored once.
type Expression struct {
	Result string               `json:"result"`
	Values map[string]ValueNode `json:"values"`
}

// ValueNode is one entry of an Expression. Exactly one field is set.
type ValueNode struct {
	ConstantValue           json.RawMessage     `json:"constantValue,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
	ArgumentReference       string              `json:"argumentReference,omitempty"`
	ArrayValue              *ArrayValue         `json:"arrayValue,omitempty"`
	DictionaryValue         *DictionaryValue    `json:"dictionaryValue,omitempty"`
	FunctionInvocationValue *FunctionInvocation `json:"functionInvocationValue,omitempty"`
	FunctionDefinitionValue *FunctionDefinition `json:"functionDefinitionValue,omitempty"`
}

type ArrayValue struct {
	Values []ValueNode `json:"values"`
}

type DictionaryValue struct {
	Values map[string]ValueNode `json:"values"`
}

type FunctionInvocation struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]ValueNode `json:"arguments,omitempty"`
}

type FunctionDefinition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

type serializer struct {
	values map[string]ValueNode
	index  map[string]string
}

// Serialize converts a graph into its wire Expression
func Serialize(root Value) (*Expression, error) {
	s := &serializer{
		values: make(map[string]ValueNode),
		index:  make(map[string]string),
	}

	node, err := s.encode(root)
	if err != nil {
		return nil, err
	}

	result := node.ValueReference
	if result == "" {
		result, err = s.store(node)
		if err != nil {
			return nil, err
		}
	}

	return &Expression{Result: result, Values: s.values}, nil
}

func (s *serializer) encode(v Value) (ValueNode, error) {
	switch v.kind {
	case KindConstant:
		raw, err := json.Marshal(v.constant)
		if err != nil {
			return ValueNode{}, fmt.Errorf("failed to encode constant %v: %w", v.constant, err)
		}
		return ValueNode{ConstantValue: raw}, nil

	case KindArgument:
		return ValueNode{ArgumentReference: v.argRef}, nil

	case KindList:
		items := make([]ValueNode, len(v.items))
		for i, item := range v.items {
			node, err := s.encode(item)
			if err != nil {
				return ValueNode{}, err
			}
			items[i] = node
		}
		return ValueNode{ArrayValue: &ArrayValue{Values: items}}, nil

	case KindDict:
		entries, err := s.encodeArgs(v.args)
		if err != nil {
			return ValueNode{}, err
		}
		if entries == nil {
			entries = map[string]ValueNode{}
		}
		return ValueNode{DictionaryValue: &DictionaryValue{Values: entries}}, nil

	case KindInvocation:
		args, err := s.encodeArgs(v.args)
		if err != nil {
			return ValueNode{}, err
		}
		key, err := s.store(ValueNode{FunctionInvocationValue: &FunctionInvocation{
			FunctionName: v.function,
			Arguments:    args,
		}})
		if err != nil {
			return ValueNode{}, err
		}
		return ValueNode{ValueReference: key}, nil

	case KindFunction:
		body, err := s.encode(v.Body())
		if err != nil {
			return ValueNode{}, err
		}
		bodyKey := body.ValueReference
		if bodyKey == "" {
			if bodyKey, err = s.store(body); err != nil {
				return ValueNode{}, err
			}
		}
		key, err := s.store(ValueNode{FunctionDefinitionValue: &FunctionDefinition{
			ArgumentNames: v.argNames,
			Body:          bodyKey,
		}})
		if err != nil {
			return ValueNode{}, err
		}
		return ValueNode{ValueReference: key}, nil
	}

	return ValueNode{}, fmt.Errorf("unknown value kind %v", v.kind)
}

func (s *serializer) encodeArgs(args Args) (map[string]ValueNode, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]ValueNode, len(args))
	for name, arg := range args {
		node, err := s.encode(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = node
	}
	return out, nil
}

// store adds node to the value table, reusing the id of an identical node
func (s *serializer) store(node ValueNode) (string, error) {
	canonical, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("failed to encode value node: %w", err)
	}
	if key, ok := s.index[string(canonical)]; ok {
		return key, nil
	}
	key := strconv.Itoa(len(s.values))
	s.values[key] = node
	s.index[string(canonical)] = key
	return key, nil
}

// Decode rebuilds a graph from its wire Expression
func Decode(expr *Expression) (Value, error) {
	if expr == nil {
		return Value{}, fmt.Errorf("nil expression")
	}
	d := &decoder{expr: expr, memo: make(map[string]Value), active: make(map[string]bool)}
	return d.ref(expr.Result)
}

type decoder struct {
	expr   *Expression
	memo   map[string]Value
	active map[string]bool
}

func (d *decoder) ref(key string) (Value, error) {
	if v, ok := d.memo[key]; ok {
		return v, nil
	}
	if d.active[key] {
		return Value{}, fmt.Errorf("cyclic reference %q", key)
	}
	node, ok := d.expr.Values[key]
	if !ok {
		return Value{}, fmt.Errorf("unknown value reference %q", key)
	}
	d.active[key] = true
	v, err := d.node(node)
	delete(d.active, key)
	if err != nil {
		return Value{}, err
	}
	d.memo[key] = v
	return v, nil
}

func (d *decoder) node(n ValueNode) (Value, error) {
	switch {
	case n.ValueReference != "":
		return d.ref(n.ValueReference)

	case n.ArgumentReference != "":
		return Arg(n.ArgumentReference), nil

	case n.ConstantValue != nil:
		var c any
		if err := json.Unmarshal(n.ConstantValue, &c); err != nil {
			return Value{}, fmt.Errorf("failed to decode constant: %w", err)
		}
		return Const(c), nil

	case n.ArrayValue != nil:
		items := make([]Value, len(n.ArrayValue.Values))
		for i, item := range n.ArrayValue.Values {
			v, err := d.node(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil

	case n.DictionaryValue != nil:
		entries, err := d.args(n.DictionaryValue.Values)
		if err != nil {
			return Value{}, err
		}
		return Dict(entries), nil

	case n.FunctionInvocationValue != nil:
		args, err := d.args(n.FunctionInvocationValue.Arguments)
		if err != nil {
			return Value{}, err
		}
		return Call(n.FunctionInvocationValue.FunctionName, args), nil

	case n.FunctionDefinitionValue != nil:
		body, err := d.ref(n.FunctionDefinitionValue.Body)
		if err != nil {
			return Value{}, err
		}
		return Func(n.FunctionDefinitionValue.ArgumentNames, body), nil
	}

	return Value{}, fmt.Errorf("empty value node")
}

func (d *decoder) args(nodes map[string]ValueNode) (Args, error) {
	out := make(Args, len(nodes))
	for name, node := range nodes {
		v, err := d.node(node)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// MarshalJSON encodes v as its wire Expression
func (v Value) MarshalJSON() ([]byte, error) {
	expr, err := Serialize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(expr)
}

// UnmarshalJSON decodes a wire Expression into v
func (v *Value) UnmarshalJSON(data []byte) error {
	var expr Expression
	if err := json.Unmarshal(data, &expr); err != nil {
		return err
	}
	decoded, err := Decode(&expr)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}
