package gojokv

import "github.com/sushant-115/gojokv/core/dberror"

// Code is the status class of an error returned by the engine.
type Code = dberror.Code

const (
	CodeSuccess        = dberror.CodeSuccess
	CodePanic          = dberror.CodePanic
	CodeIO             = dberror.CodeIO
	CodeInvalidInput   = dberror.CodeInvalidInput
	CodeUnexpectedFile = dberror.CodeUnexpectedFile
	CodeDBCorrupted    = dberror.CodeDBCorrupted
)

// CodeOf returns the status class of err. It is CodeSuccess for nil.
func CodeOf(err error) Code { return dberror.CodeOf(err) }

// Errors worth matching with errors.Is.
var (
	ErrDatabaseClosed   = dberror.ErrDatabaseClosed
	ErrFileLocked       = dberror.ErrFileLocked
	ErrKeyTooLarge      = dberror.ErrKeyTooLarge
	ErrValueTooLarge    = dberror.ErrValueTooLarge
	ErrInvalidPageSize  = dberror.ErrInvalidPageSize
	ErrTxClosed         = dberror.ErrTxClosed
	ErrTxNotWritable    = dberror.ErrTxNotWritable
	ErrDatabaseReadOnly = dberror.ErrDatabaseReadOnly
	ErrCursorClosed     = dberror.ErrCursorClosed
	ErrCursorStale      = dberror.ErrCursorStale
	ErrManagedTx        = dberror.ErrManagedTx
	ErrPageSizeMismatch = dberror.ErrPageSizeMismatch
	ErrChecksumMismatch = dberror.ErrChecksumMismatch
)
