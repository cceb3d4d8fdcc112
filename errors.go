// SPDX-License-Identifier: Apache-2.0

package vaccel

import "github.com/vaccel-project/vaccel-go/pkg/errcode"

// Code and the sentinel return codes live in pkg/errcode so that the leaf
// packages (such as arg and fs) can return them without
// importing this root package. They're aliased here so callers of the
// public API can write vaccel.EInval without the extra import.
type Code = errcode.Code

const (
	OK           = errcode.OK
	EInval       = errcode.EInval
	ENoMem       = errcode.ENoMem
	ENotSup      = errcode.ENotSup
	EInProgress  = errcode.EInProgress
	EBusy        = errcode.EBusy
	EExist       = errcode.EExist
	ENoEnt       = errcode.ENoEnt
	ELibBad      = errcode.ELibBad
	ENoDev       = errcode.ENoDev
	EIO          = errcode.EIO
	EConnReset   = errcode.EConnReset
	EProto       = errcode.EProto
	ENoExec      = errcode.ENoExec
	ENameTooLong = errcode.ENameTooLong
	EUsers       = errcode.EUsers
	EPerm        = errcode.EPerm
	ELoop        = errcode.ELoop
	EMLink       = errcode.EMLink
	ENoSpc       = errcode.ENoSpc
	ENotDir      = errcode.ENotDir
	ERoFS        = errcode.ERoFS
	EAcces       = errcode.EAcces
	EBadF        = errcode.EBadF
	ERemoteIO    = errcode.ERemoteIO
	ERange       = errcode.ERange
)

// Error is the error type carrying a Code, aliased from pkg/errcode.
type Error = errcode.Error

// NewError builds an *Error for code with an optional context message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return errcode.New(code, format, args...)
}

// IsCode reports whether err (possibly wrapped) carries Code c.
func IsCode(err error, c Code) bool {
	return errcode.Is(err, c)
}
