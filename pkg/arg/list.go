// SPDX-License-Identifier: Apache-2.0

package arg

// List is the older name of the argument container, retained for source
// compatibility with callers of the vaccel_arg_list API. It carries none
// of the old structure's index bookkeeping: per-arg ownership replaced
// it, so List is the same type as Array.
//
// Deprecated: use Array.
type List = Array

// NewList builds a List with an initial capacity hint.
//
// Deprecated: use NewArray.
func NewList(initialCapacity int) *List {
	return NewArray(initialCapacity)
}
