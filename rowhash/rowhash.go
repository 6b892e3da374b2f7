// Package rowhash computes a deterministic structural hash over arbitrary
// row values so the dataflow core can group and compare rows without relying
// on Go identity (pointer) equality, which would be wrong for values that
// arrive as freshly-decoded maps on every sync batch.
package rowhash

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// ErrUnsupportedValueKind is returned when v contains a value this package
// cannot hash: a function, channel, or unsafe pointer.
var ErrUnsupportedValueKind = errors.New("rowhash: unsupported value kind")

// ErrCyclicValue is returned when v contains a reference cycle.
var ErrCyclicValue = errors.New("rowhash: cyclic value")

const (
	seed        uint64 = 0xcbf29ce484222325 // FNV offset basis, reused as our mixer seed
	prime       uint64 = 0x100000001b3
	kindNull    uint64 = 0x9e3779b97f4a7c15
	kindBool    uint64 = 0xff51afd7ed558ccd
	kindNumber  uint64 = 0xc4ceb9fe1a85ec53
	kindString  uint64 = 0x2545f4914f6cdd1d
	kindArray   uint64 = 0x85ebca6b
	kindObject  uint64 = 0xc2b2ae35
	kindDate    uint64 = 0x27d4eb2f165667c5
	fieldMixerK uint64 = 0x9ddfea08eb382d69
)

// Hash returns a 64-bit structural hash of v. Two values that are deeply
// structurally equal (per the rules below) always hash the same within a
// single process; the reverse is not guaranteed but collisions are rare in
// practice.
//
// Supported kinds: nil, bool, every numeric kind (normalized to float64, with
// ±0 folded together and NaN canonicalized), string, time.Time (hashed as
// epoch millis), slices/arrays (order matters), and maps/structs (order does
// not matter — field hashes are combined commutatively).
func Hash(v any) (h uint64, err error) {
	seen := make(map[uintptr]bool)
	return hashValue(reflect.ValueOf(v), seen)
}

// MustHash is like Hash but panics on error; useful for call sites that have
// already validated the value is hashable (e.g. re-hashing a row the caller
// itself constructed).
func MustHash(v any) uint64 {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

func mix(a, b uint64) uint64 {
	a ^= b
	a *= prime
	a ^= a >> 33
	return a
}

// mixCommutative combines two hashes order-independently, used for object
// fields and map entries where iteration order is not meaningful.
func mixCommutative(a, b uint64) uint64 {
	return a + (b * fieldMixerK)
}

func hashValue(rv reflect.Value, seen map[uintptr]bool) (uint64, error) {
	if !rv.IsValid() {
		return kindNull, nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return kindNull, nil
		}
		return hashValue(rv.Elem(), seen)

	case reflect.Ptr:
		if rv.IsNil() {
			return kindNull, nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return 0, ErrCyclicValue
		}
		seen[addr] = true
		h, err := hashValue(rv.Elem(), seen)
		delete(seen, addr)
		return h, err

	case reflect.Bool:
		v := uint64(0)
		if rv.Bool() {
			v = 1
		}
		return mix(kindBool, v), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return hashFloat(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return hashFloat(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return hashFloat(rv.Float()), nil

	case reflect.String:
		return hashBytes(kindString, []byte(rv.String())), nil

	case reflect.Slice, reflect.Array:
		if t, ok := rv.Interface().(time.Time); ok {
			return hashDate(t), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return kindNull, nil
		}
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			addr := rv.Pointer()
			if seen[addr] {
				return 0, ErrCyclicValue
			}
			seen[addr] = true
			defer delete(seen, addr)
		}
		h := kindArray
		for i := 0; i < rv.Len(); i++ {
			eh, err := hashValue(rv.Index(i), seen)
			if err != nil {
				return 0, err
			}
			h = mix(h, eh)
		}
		return h, nil

	case reflect.Map:
		if rv.IsNil() {
			return kindNull, nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return 0, ErrCyclicValue
		}
		seen[addr] = true
		defer delete(seen, addr)
		h := kindObject
		iter := rv.MapRange()
		for iter.Next() {
			kh, err := hashValue(iter.Key(), seen)
			if err != nil {
				return 0, err
			}
			vh, err := hashValue(iter.Value(), seen)
			if err != nil {
				return 0, err
			}
			h = mixCommutative(h, mix(kh, vh))
		}
		return h, nil

	case reflect.Struct:
		if t, ok := rv.Interface().(time.Time); ok {
			return hashDate(t), nil
		}
		rt := rv.Type()
		names := make([]string, 0, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			if rt.Field(i).IsExported() {
				names = append(names, rt.Field(i).Name)
			}
		}
		sort.Strings(names)
		h := kindObject
		for _, name := range names {
			fh := hashBytes(0, []byte(name))
			vh, err := hashValue(rv.FieldByName(name), seen)
			if err != nil {
				return 0, err
			}
			h = mixCommutative(h, mix(fh, vh))
		}
		return h, nil

	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedValueKind, rv.Kind())
	}
}

func hashFloat(f float64) uint64 {
	if f == 0 {
		f = 0 // normalize -0 to +0
	}
	if math.IsNaN(f) {
		// canonical NaN bit pattern so any NaN hashes identically
		f = math.NaN()
	}
	bits := math.Float64bits(f)
	return mix(kindNumber, bits)
}

func hashBytes(kind uint64, b []byte) uint64 {
	h := seed
	if kind != 0 {
		h = mix(h, kind)
	}
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}

func hashDate(t time.Time) uint64 {
	return mix(kindDate, uint64(t.UnixMilli()))
}
