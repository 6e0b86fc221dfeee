package ttlcache

import (
	"reflect"
	"sync"

	"github.com/mohae/deepcopy"
)

// Cloner is implemented by values that know how to copy themselves.
type Cloner[V any] interface {
	Clone() V
}

// opaqueTypes memoizes whether a type carries unexported state somewhere inside it.
var opaqueTypes sync.Map // reflect.Type -> bool

// copyValue copies v with, in order of preference: the copy step given to NewWithCopy, v's Clone
// method, or a reflective deep copy. Types with unexported fields (big.Int, decimals, time.Time)
// would lose them in a reflective copy, so they are stored as given.
func (t *TTL[K, V]) copyValue(v V) V {
	if t.copyFn != nil {
		return t.copyFn(v)
	}
	if c, ok := any(v).(Cloner[V]); ok {
		return c.Clone()
	}
	typ := reflect.TypeOf(any(v))
	if typ == nil || hasUnexported(typ) {
		return v
	}
	if c, ok := deepcopy.Copy(v).(V); ok {
		return c
	}
	return v
}

func hasUnexported(typ reflect.Type) bool {
	if cached, ok := opaqueTypes.Load(typ); ok {
		return cached.(bool)
	}
	opaque := scanUnexported(typ, map[reflect.Type]bool{})
	opaqueTypes.Store(typ, opaque)
	return opaque
}

func scanUnexported(typ reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[typ] {
		return false
	}
	seen[typ] = true
	switch typ.Kind() {
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() || scanUnexported(f.Type, seen) {
				return true
			}
		}
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Chan:
		return scanUnexported(typ.Elem(), seen)
	case reflect.Map:
		return scanUnexported(typ.Key(), seen) || scanUnexported(typ.Elem(), seen)
	}
	return false
}
