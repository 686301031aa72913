package protocol

import "reflect"

// InvocationBinder maps an incoming invocation's target name to the
// argument types the receiver expects, so a codec can deserialize Args into
// typed values instead of leaving them as untyped JSON/MsgPack values.
//
// GetParameterTypes returns nil for an unknown target; the codec then
// leaves the corresponding arguments as generic values (map[string]any,
// []any, float64, string, bool, nil) rather than failing the parse — an
// unrecognized target is a dispatch-time concern, not a framing error.
type InvocationBinder interface {
	GetParameterTypes(target string) []reflect.Type
}

// binderFunc adapts a plain function to InvocationBinder.
type binderFunc func(target string) []reflect.Type

func (f binderFunc) GetParameterTypes(target string) []reflect.Type { return f(target) }

// BinderFunc wraps a function as an InvocationBinder.
func BinderFunc(f func(target string) []reflect.Type) InvocationBinder {
	return binderFunc(f)
}

// NoOpBinder is an InvocationBinder that never supplies parameter types,
// leaving every argument as its generic decoded form.
var NoOpBinder InvocationBinder = binderFunc(func(string) []reflect.Type { return nil })
