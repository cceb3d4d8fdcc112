// SPDX-License-Identifier: Apache-2.0

package arg

import (
	"encoding/binary"
	"math"

	"github.com/vaccel-project/vaccel-go/pkg/errcode"
)

// Array is a growable, position-cursored vector of Args, matching struct
// vaccel_arg_array. It supports three modes of use: Add* (producer),
// Get* (sequential consumer, advancing Position), and Set* (random access
// at the current Position without advancing Count).
type Array struct {
	args     []Arg
	Position int
}

// NewArray builds an Array with an initial capacity hint.
func NewArray(initialCapacity int) *Array {
	return &Array{args: make([]Arg, 0, initialCapacity)}
}

// Wrap adapts an existing slice of Args as an Array without copying,
// mirroring vaccel_arg_array_wrap.
func Wrap(args []Arg) *Array {
	return &Array{args: args}
}

// Count returns the number of args currently in the array.
func (a *Array) Count() int { return len(a.args) }

// Remaining returns how many args are left to Get from Position onward.
func (a *Array) Remaining() int { return len(a.args) - a.Position }

// Reset clears contained data and resets Position/Count without freeing
// the underlying storage, mirroring vaccel_arg_array_clear (distinct from
// Release, which also drops the backing slice).
func (a *Array) Reset() {
	a.args = a.args[:0]
	a.Position = 0
}

// Release drops all contained args and their owned buffers.
func (a *Array) Release() error {
	for i := range a.args {
		a.args[i].Release()
	}
	a.args = nil
	a.Position = 0
	return nil
}

// addValidated appends an Arg to the array after Validate, the producer
// path every Add* helper funnels through.
func (a *Array) addValidated(buf []byte, t Type, customID uint32, owned bool) error {
	if err := Validate(t, buf); err != nil {
		return err
	}
	stored := buf
	if owned {
		stored = make([]byte, len(buf))
		copy(stored, buf)
	}
	a.args = append(a.args, Arg{Buf: stored, Type: t, CustomTypeID: customID, Owned: owned})
	return nil
}

// AddRaw appends an owned RAW argument.
func (a *Array) AddRaw(buf []byte) error {
	return a.addValidated(buf, Raw, 0, true)
}

// AddFromBuf appends a borrowed (caller-owned) argument of type t.
func (a *Array) AddFromBuf(buf []byte, t Type, customID uint32) error {
	return a.addValidated(buf, t, customID, false)
}

// AddString appends a NUL-terminated STRING argument.
func (a *Array) AddString(s string) error {
	buf := append([]byte(s), 0)
	return a.addValidated(buf, String, 0, true)
}

// AddBool appends a BOOL argument.
func (a *Array) AddBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return a.addValidated([]byte{b}, Bool, 0, true)
}

// AddInt32 appends an INT32 argument (little-endian, matching the host's
// native layout used over the generic-dispatch wire).
func (a *Array) AddInt32(v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return a.addValidated(buf, Int32, 0, true)
}

// AddInt64 appends an INT64 argument.
func (a *Array) AddInt64(v int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return a.addValidated(buf, Int64, 0, true)
}

// AddUint32 appends a UINT32 argument.
func (a *Array) AddUint32(v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return a.addValidated(buf, Uint32, 0, true)
}

// AddFloat32 appends a FLOAT32 argument.
func (a *Array) AddFloat32(v float32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return a.addValidated(buf, Float32, 0, true)
}

// AddBuffer appends an owned opaque BUFFER argument.
func (a *Array) AddBuffer(buf []byte) error {
	return a.addValidated(buf, Buffer, 0, true)
}

// AddCustom appends an owned CUSTOM argument tagged with customID.
func (a *Array) AddCustom(buf []byte, customID uint32) error {
	return a.addValidated(buf, Custom, customID, true)
}

// Serializer encodes data into a byte buffer for CUSTOM/serialized args.
type Serializer func(data interface{}, customID uint32) ([]byte, error)

// Deserializer decodes a byte buffer back into data for a serialized arg.
type Deserializer func(buf []byte, customID uint32, data interface{}) error

// AddSerialized serializes data with serializer and appends it as an
// owned, CUSTOM-tagged argument.
func (a *Array) AddSerialized(data interface{}, customID uint32, serializer Serializer) error {
	buf, err := serializer(data, customID)
	if err != nil {
		return err
	}
	return a.addValidated(buf, Custom, customID, true)
}

// AddRange copies (or references, if copy is false) count args from src
// starting at startIdx into the end of a.
func (a *Array) AddRange(src *Array, startIdx, count int, copy bool) error {
	if startIdx < 0 || startIdx+count > len(src.args) {
		return errcode.New(errcode.ERange, "add_range out of bounds")
	}
	if count == 0 {
		return nil
	}
	for i := 0; i < count; i++ {
		s := src.args[startIdx+i]
		buf := s.Buf
		owned := false
		if copy {
			buf = append([]byte(nil), s.Buf...)
			owned = true
		}
		a.args = append(a.args, Arg{Buf: buf, Type: s.Type, CustomTypeID: s.CustomTypeID, Owned: owned})
	}
	return nil
}

// AddRemaining copies (or references) every arg from src's current
// Position onward.
func (a *Array) AddRemaining(src *Array, copy bool) error {
	if src.Position >= len(src.args) {
		return nil
	}
	return a.AddRange(src, src.Position, src.Remaining(), copy)
}

// AddAll copies (or references) every arg in src.
func (a *Array) AddAll(src *Array, copy bool) error {
	if len(src.args) == 0 {
		return nil
	}
	return a.AddRange(src, 0, len(src.args), copy)
}

// next returns the Arg at Position, enforcing expectedType, and advances
// Position. Every Get* helper funnels through this.
func (a *Array) next(expectedType Type) (*Arg, error) {
	if a.Position >= len(a.args) {
		return nil, errcode.New(errcode.ERange, "no more args")
	}
	got := &a.args[a.Position]
	if got.Type != expectedType {
		return nil, errcode.New(errcode.EInval, "arg %d has type %s, expected %s", a.Position, got.Type, expectedType)
	}
	a.Position++
	return got, nil
}

// GetRaw consumes the next RAW argument.
func (a *Array) GetRaw() ([]byte, error) {
	arg, err := a.next(Raw)
	if err != nil {
		return nil, err
	}
	return arg.Buf, nil
}

// GetString consumes the next STRING argument, stripping the trailing NUL.
func (a *Array) GetString() (string, error) {
	arg, err := a.next(String)
	if err != nil {
		return "", err
	}
	if len(arg.Buf) == 0 || arg.Buf[len(arg.Buf)-1] != 0 {
		return "", errcode.New(errcode.EInval, "string arg missing NUL terminator")
	}
	return string(arg.Buf[:len(arg.Buf)-1]), nil
}

// GetBool consumes the next BOOL argument.
func (a *Array) GetBool() (bool, error) {
	arg, err := a.next(Bool)
	if err != nil {
		return false, err
	}
	return arg.Buf[0] != 0, nil
}

// GetInt32 consumes the next INT32 argument.
func (a *Array) GetInt32() (int32, error) {
	arg, err := a.next(Int32)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(arg.Buf)), nil
}

// GetInt64 consumes the next INT64 argument.
func (a *Array) GetInt64() (int64, error) {
	arg, err := a.next(Int64)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(arg.Buf)), nil
}

// GetUint32 consumes the next UINT32 argument.
func (a *Array) GetUint32() (uint32, error) {
	arg, err := a.next(Uint32)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(arg.Buf), nil
}

// GetFloat32 consumes the next FLOAT32 argument.
func (a *Array) GetFloat32() (float32, error) {
	arg, err := a.next(Float32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(arg.Buf)), nil
}

// GetFloat32Array consumes the next FLOAT32 array argument, decoding
// its little-endian elements.
func (a *Array) GetFloat32Array() ([]float32, error) {
	arg, err := a.next(Float32Array)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(arg.Buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(arg.Buf[i*4:]))
	}
	return out, nil
}

// GetInt64Array consumes the next INT64 array argument.
func (a *Array) GetInt64Array() ([]int64, error) {
	arg, err := a.next(Int64Array)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(arg.Buf)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(arg.Buf[i*8:]))
	}
	return out, nil
}

// GetBuffer consumes the next BUFFER argument.
func (a *Array) GetBuffer() ([]byte, error) {
	arg, err := a.next(Buffer)
	if err != nil {
		return nil, err
	}
	return arg.Buf, nil
}

// GetSerialized consumes the next CUSTOM argument tagged expectedCustomID
// and deserializes it into data.
func (a *Array) GetSerialized(expectedCustomID uint32, data interface{}, deserializer Deserializer) error {
	arg, err := a.next(Custom)
	if err != nil {
		return err
	}
	if arg.CustomTypeID != expectedCustomID {
		return errcode.New(errcode.EInval, "custom arg id %d, expected %d", arg.CustomTypeID, expectedCustomID)
	}
	return deserializer(arg.Buf, arg.CustomTypeID, data)
}

// PeekType returns the Type of the arg at Position without consuming it,
// the way vaccel_genop inspects read[0] before dispatching.
func (a *Array) PeekType() (Type, error) {
	if a.Position >= len(a.args) {
		return 0, errcode.New(errcode.ERange, "no more args")
	}
	return a.args[a.Position].Type, nil
}

// MarshalBinary encodes every arg in the array as
// [type uint32][customID uint32][len uint32][buf] for transport over the
// VirtIO backend: the generic argument vector is the wire format genop
// uses. Position is not part of the encoding: a receiver always starts
// reading from the front.
func (a *Array) MarshalBinary() ([]byte, error) {
	var out []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(a.args)))
	out = append(out, header...)

	for _, arg := range a.args {
		rec := make([]byte, 12)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(arg.Type))
		binary.LittleEndian.PutUint32(rec[4:8], arg.CustomTypeID)
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(arg.Buf)))
		out = append(out, rec...)
		out = append(out, arg.Buf...)
	}
	return out, nil
}

// UnmarshalBinary decodes a buffer produced by MarshalBinary into a, the
// receiving side of a VirtIO genop round trip. Existing contents are
// discarded.
func (a *Array) UnmarshalBinary(buf []byte) error {
	if len(buf) < 4 {
		return errcode.New(errcode.EInval, "arg array wire payload too short")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]

	args := make([]Arg, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 12 {
			return errcode.New(errcode.EInval, "truncated arg header at index %d", i)
		}
		t := Type(binary.LittleEndian.Uint32(buf[0:4]))
		customID := binary.LittleEndian.Uint32(buf[4:8])
		size := binary.LittleEndian.Uint32(buf[8:12])
		buf = buf[12:]
		if uint32(len(buf)) < size {
			return errcode.New(errcode.EInval, "truncated arg payload at index %d", i)
		}
		payload := make([]byte, size)
		copy(payload, buf[:size])
		buf = buf[size:]
		args = append(args, Arg{Buf: payload, Type: t, CustomTypeID: customID, Owned: true})
	}

	a.args = args
	a.Position = 0
	return nil
}

// At returns the arg at position i without touching Position, for
// fixed-position protocol decoding (e.g. genop's read[0]/read[1]).
func (a *Array) At(i int) (*Arg, error) {
	if i < 0 || i >= len(a.args) {
		return nil, errcode.New(errcode.ERange, "index %d out of bounds", i)
	}
	return &a.args[i], nil
}

// set overwrites the arg at Position in place, requiring the existing
// type to match and the payload to fit the arg's capacity, then
// advances Position -- the random-access mode used by a plugin writing
// results into caller-provided write args. The caller's backing buffer
// stays aliased: a shorter write reslices it rather than replacing it,
// so an arg added with AddFromBuf still mutates the caller's bytes.
func (a *Array) set(t Type, buf []byte) error {
	if a.Position >= len(a.args) {
		return errcode.New(errcode.ERange, "no more args")
	}
	existing := &a.args[a.Position]
	if existing.Type != t {
		return errcode.New(errcode.EInval, "set type mismatch at position %d", a.Position)
	}
	if len(buf) != len(existing.Buf) {
		if len(buf) > cap(existing.Buf) {
			return errcode.New(errcode.ENoSpc, "arg %d holds %d bytes, %d written", a.Position, cap(existing.Buf), len(buf))
		}
		existing.Buf = existing.Buf[:len(buf)]
	}
	copy(existing.Buf, buf)
	a.Position++
	return nil
}

// SetBuffer overwrites the BUFFER arg at Position with buf.
func (a *Array) SetBuffer(buf []byte) error {
	return a.set(Buffer, buf)
}

// SetString overwrites the STRING arg at Position with s (NUL-terminated).
func (a *Array) SetString(s string) error {
	return a.set(String, append([]byte(s), 0))
}

// SetSerialized overwrites the CUSTOM arg at Position by re-serializing
// data with serializer.
func (a *Array) SetSerialized(data interface{}, customID uint32, serializer Serializer) error {
	buf, err := serializer(data, customID)
	if err != nil {
		return err
	}
	return a.set(Custom, buf)
}
