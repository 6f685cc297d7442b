package sredcore

import (
	"fmt"
	"reflect"
)

// FailFast panics on programmer invariant violations (missing
// constructor arguments, nil required collaborators). It must never be
// used for domain errors reachable from external input — those are
// returned, not panicked, per the engine's error propagation policy.
func FailFast(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+format, args...))
	}
}

// NotNil panics if v is nil or a typed nil pointer/interface/func.
func NotNil(v interface{}, name string) {
	if v == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Errorf("fail-fast: %s is nil", name))
		}
	}
}
