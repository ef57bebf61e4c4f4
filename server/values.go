package server

import (
	"fmt"
	"math"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tiervm/vm"
)

// fromProto converts a request argument into an engine value. Integral
// numbers in the small integer range become ints; other numbers floats.
func fromProto(e *vm.Engine, v *structpb.Value) (vm.Value, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return vm.Nil, nil
	case *structpb.Value_BoolValue:
		return vm.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n == math.Trunc(n) && n >= float64(vm.MinInt) && n <= float64(vm.MaxInt) && !(n == 0 && math.Signbit(n)) {
			return vm.FromInt(int32(n)), nil
		}
		return vm.FromFloat(n), nil
	case *structpb.Value_StringValue:
		return e.NewString(k.StringValue), nil
	case *structpb.Value_ListValue:
		elems := make([]vm.Value, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			ev, err := fromProto(e, item)
			if err != nil {
				return vm.Nil, err
			}
			elems[i] = ev
		}
		return e.NewArray(elems...), nil
	default:
		return vm.Nil, fmt.Errorf("unsupported argument type %T", k)
	}
}

// toProto converts a result. Strings come back as strings; other heap
// values as their printed form.
func toProto(e *vm.Engine, v vm.Value) *structpb.Value {
	switch {
	case v == vm.Nil:
		return structpb.NewNullValue()
	case v.IsBool():
		return structpb.NewBoolValue(v == vm.True)
	case v.IsNumber():
		n, _ := v.Number()
		return structpb.NewNumberValue(n)
	}
	if s, ok := e.Str(v); ok {
		return structpb.NewStringValue(s)
	}
	return structpb.NewStringValue(e.Format(v))
}

// stringField returns a required non-empty string field of msg.
func stringField(msg *structpb.Struct, key string) (string, error) {
	s := msg.GetFields()[key].GetStringValue()
	if s == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is required", key))
	}
	return s, nil
}

// newStruct builds a response message from a plain map.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return s, nil
}
