// SPDX-License-Identifier: Apache-2.0

// Package arg implements the typed, position-based argument container used
// uniformly across in-process calls, generic dispatch, and VirtIO
// transport, matching the upstream C runtime's vaccel_arg and
// vaccel_arg_array.
package arg

import (
	"github.com/vaccel-project/vaccel-go/pkg/errcode"
)

// Type is the wire-stable argument type code. Order matters: it is part
// of the generic-dispatch wire ABI.
type Type int

const (
	Raw Type = iota
	Int8
	Int8Array
	Int16
	Int16Array
	Int32
	Int32Array
	Int64
	Int64Array
	Uint8
	Uint8Array
	Uint16
	Uint16Array
	Uint32
	Uint32Array
	Uint64
	Uint64Array
	Float32
	Float32Array
	Float64
	Float64Array
	Bool
	BoolArray
	Char
	CharArray
	Uchar
	UcharArray
	String
	Buffer
	Custom
)

var typeNames = map[Type]string{
	Raw: "raw", Int8: "int8", Int8Array: "int8[]", Int16: "int16", Int16Array: "int16[]",
	Int32: "int32", Int32Array: "int32[]", Int64: "int64", Int64Array: "int64[]",
	Uint8: "uint8", Uint8Array: "uint8[]", Uint16: "uint16", Uint16Array: "uint16[]",
	Uint32: "uint32", Uint32Array: "uint32[]", Uint64: "uint64", Uint64Array: "uint64[]",
	Float32: "float32", Float32Array: "float32[]", Float64: "float64", Float64Array: "float64[]",
	Bool: "bool", BoolArray: "bool[]", Char: "char", CharArray: "char[]",
	Uchar: "uchar", UcharArray: "uchar[]", String: "string", Buffer: "buffer", Custom: "custom",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Arg is a single typed argument, matching struct vaccel_arg. Type never
// changes after construction. The Set* helpers may change len(Buf) within
// cap(Buf), reslicing the same backing array; they do not require the new
// value's size to match the old one. Owned determines whether Release
// drops Buf.
type Arg struct {
	Buf          []byte
	Type         Type
	CustomTypeID uint32
	Owned        bool
}

// New copies buf into an owned Arg.
func New(buf []byte, t Type, customID uint32) *Arg {
	owned := make([]byte, len(buf))
	copy(owned, buf)
	return &Arg{Buf: owned, Type: t, CustomTypeID: customID, Owned: true}
}

// NewFromBuf wraps a caller-owned buf without copying.
func NewFromBuf(buf []byte, t Type, customID uint32) *Arg {
	return &Arg{Buf: buf, Type: t, CustomTypeID: customID, Owned: false}
}

// Release clears the Arg. Since Go is garbage collected there is nothing
// to free explicitly, but Release exists to mirror the C API's explicit
// lifecycle and to drop the reference to Buf for owned data promptly.
func (a *Arg) Release() error {
	if a.Owned {
		a.Buf = nil
	}
	return nil
}

// Validate enforces the per-type invariants producer functions rely on:
// BOOL values must be 0 or 1, STRING must be NUL-terminated, array types
// must have a size that is a multiple of their element size.
func Validate(t Type, buf []byte) error {
	switch t {
	case Bool:
		if len(buf) != 1 || (buf[0] != 0 && buf[0] != 1) {
			return errcode.New(errcode.EInval, "bool arg must be a single 0 or 1 byte")
		}
	case BoolArray:
		for _, b := range buf {
			if b != 0 && b != 1 {
				return errcode.New(errcode.EInval, "bool array elements must be 0 or 1")
			}
		}
	case String:
		if len(buf) == 0 || buf[len(buf)-1] != 0 {
			return errcode.New(errcode.EInval, "string arg must be NUL-terminated")
		}
	default:
		if elemSize, ok := elementSize[t]; ok && elemSize > 1 && isArray(t) {
			if len(buf)%elemSize != 0 {
				return errcode.New(errcode.EInval, "array arg size must be a multiple of element size")
			}
		}
	}
	return nil
}

var elementSize = map[Type]int{
	Int8Array: 1, Int16Array: 2, Int32Array: 4, Int64Array: 8,
	Uint8Array: 1, Uint16Array: 2, Uint32Array: 4, Uint64Array: 8,
	Float32Array: 4, Float64Array: 8, BoolArray: 1, CharArray: 1, UcharArray: 1,
}

func isArray(t Type) bool {
	_, ok := elementSize[t]
	return ok
}
