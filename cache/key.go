package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"sqlexec/internal/utils"
)

// Key is a composite, order-sensitive, value-equal cache key. Components are
// appended with Update; two keys are equal iff they received equal components
// in the same order. Each component is encoded with its dynamic type and a
// length prefix, so neither ("a:b") vs ("a", "b") nor int(1) vs int64(1) collide.
type Key struct {
	count int
	enc   strings.Builder
}

// NewKey returns a key built from the given components, in order.
func NewKey(components ...any) *Key {
	k := &Key{}
	k.UpdateAll(components...)
	return k
}

// Update appends one component to the key.
func (k *Key) Update(component any) {
	s := encodeComponent(utils.NormalizeValue(component))
	k.enc.WriteString(strconv.Itoa(len(s)))
	k.enc.WriteByte(':')
	k.enc.WriteString(s)
	k.enc.WriteByte(';')
	k.count++
}

func encodeComponent(v any) string {
	if v == nil {
		return "nil"
	}
	e := encoder{seen: make(map[uintptr]bool)}
	return e.encode(reflect.ValueOf(v))
}

// lenPrefixed frames s so that adjacent elements can never run together.
func lenPrefixed(s string) string {
	return strconv.Itoa(len(s)) + ":" + s
}

// encoder renders a value as its type name followed by its content. Every
// nested element is length prefixed; pointers render what they point to.
type encoder struct {
	seen map[uintptr]bool
}

func (e *encoder) encode(rv reflect.Value) string {
	if !rv.IsValid() {
		return "nil"
	}
	name := rv.Type().String()
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return e.encode(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return name + "=nil"
		}
		addr := rv.Pointer()
		if e.seen[addr] {
			return name + "=cycle"
		}
		e.seen[addr] = true
		defer delete(e.seen, addr)
		return name + "=&" + lenPrefixed(e.encode(rv.Elem()))
	case reflect.String:
		return name + "=" + strconv.Quote(rv.String())
	case reflect.Bool:
		return name + "=" + strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return name + "=" + strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return name + "=" + strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return name + "=" + strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Complex64, reflect.Complex128:
		return name + "=" + strconv.FormatComplex(rv.Complex(), 'g', -1, 128)
	case reflect.Slice:
		if rv.IsNil() {
			return name + "=nil"
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return name + "=" + strconv.Quote(string(rv.Bytes()))
		}
		return name + "=" + e.elements(rv)
	case reflect.Array:
		return name + "=" + e.elements(rv)
	case reflect.Map:
		if rv.IsNil() {
			return name + "=nil"
		}
		pairs := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			pairs = append(pairs, lenPrefixed(e.encode(iter.Key()))+lenPrefixed(e.encode(iter.Value())))
		}
		sort.Strings(pairs)
		return name + "={" + strconv.Itoa(len(pairs)) + "|" + strings.Join(pairs, "") + "}"
	case reflect.Struct:
		if t, ok := asTime(rv); ok {
			return name + "=" + t.Format(time.RFC3339Nano)
		}
		var b strings.Builder
		b.WriteString(name + "={")
		for i := 0; i < rv.NumField(); i++ {
			b.WriteString(rv.Type().Field(i).Name)
			b.WriteString(lenPrefixed(e.encode(rv.Field(i))))
		}
		b.WriteString("}")
		return b.String()
	default:
		// Channels and funcs only compare by identity.
		return fmt.Sprintf("%s@%x", name, rv.Pointer())
	}
}

func (e *encoder) elements(rv reflect.Value) string {
	var b strings.Builder
	b.WriteString("[" + strconv.Itoa(rv.Len()) + "|")
	for i := 0; i < rv.Len(); i++ {
		b.WriteString(lenPrefixed(e.encode(rv.Index(i))))
	}
	b.WriteString("]")
	return b.String()
}

func asTime(rv reflect.Value) (time.Time, bool) {
	if rv.Type() != reflect.TypeOf(time.Time{}) || !rv.CanInterface() {
		return time.Time{}, false
	}
	return rv.Interface().(time.Time), true
}

// UpdateAll appends every component, in order.
func (k *Key) UpdateAll(components ...any) {
	for _, c := range components {
		k.Update(c)
	}
}

// Count returns how many components went into the key.
func (k *Key) Count() int {
	return k.count
}

// Hash returns a 64-bit hash consistent with Equal.
func (k *Key) Hash() uint64 {
	return xxhash.Sum64String(k.enc.String())
}

// Equal reports whether both keys were built from equal components in the same order.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.count == other.count && k.enc.String() == other.enc.String()
}

// String returns the canonical form of the key. It is what maps and remote
// stores index by.
func (k *Key) String() string {
	return strconv.Itoa(k.count) + "|" + k.enc.String()
}

// Clone returns an independent copy of the key.
func (k *Key) Clone() *Key {
	c := &Key{count: k.count}
	c.enc.WriteString(k.enc.String())
	return c
}
