// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"runtime"
	"unsafe"
)

// cSessionLayout and cResourceLayout are the fixed-size C-ABI structs the
// small shim LoadPlugin expects a legacy C plugin to have been linked
// against (see plugin.go's cPluginDescriptor comment): plain fields only,
// no nested pointers, so a purego call can pass a pointer straight through
// without cgo. Field order and width are the shim's contract, not the
// upstream vaccel_session/vaccel_resource struct layout.
type cSessionLayout struct {
	id       uint64
	remoteID int64
	hint     uint32
	_        uint32 // padding
}

type cResourceLayout struct {
	id       uint64
	remoteID int64
	typ      uint32
	pathType uint32
}

// cSessionHandle is a pinned Go allocation a Session's fields are encoded
// into before a call through a loaded C plugin's function pointer, and
// decoded back out of afterwards (remote_id is the only field a plugin is
// expected to mutate).
type cSessionHandle struct {
	buf    *cSessionLayout
	pinner runtime.Pinner
	ptr    uintptr
}

func newCSessionHandle(sess *Session) *cSessionHandle {
	h := &cSessionHandle{buf: &cSessionLayout{
		id:       uint64(sess.ID),
		remoteID: sess.RemoteID,
		hint:     uint32(sess.Hint),
	}}
	h.pinner.Pin(h.buf)
	h.ptr = uintptr(unsafe.Pointer(h.buf))
	return h
}

func (h *cSessionHandle) writeback(sess *Session) {
	sess.RemoteID = h.buf.remoteID
}

func (h *cSessionHandle) release() {
	h.pinner.Unpin()
}

// cResourceHandle is the resource-side analogue of cSessionHandle.
type cResourceHandle struct {
	buf    *cResourceLayout
	pinner runtime.Pinner
	ptr    uintptr
}

func newCResourceHandle(res *Resource) *cResourceHandle {
	h := &cResourceHandle{buf: &cResourceLayout{
		id:       uint64(res.ID),
		remoteID: res.RemoteID,
		typ:      uint32(res.Type),
		pathType: uint32(res.PathType),
	}}
	h.pinner.Pin(h.buf)
	h.ptr = uintptr(unsafe.Pointer(h.buf))
	return h
}

func (h *cResourceHandle) writeback(res *Resource) {
	res.RemoteID = h.buf.remoteID
}

func (h *cResourceHandle) release() {
	h.pinner.Unpin()
}
