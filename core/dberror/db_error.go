// Package dberror defines the status taxonomy shared by every layer of the
// engine and the sentinel errors each layer reports.
package dberror

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the statuses surfaced to embedding callers.
type Code int

const (
	CodeSuccess        Code = iota // No error
	CodePanic                      // An internal invariant failed and was caught at the boundary
	CodeIO                         // Backing storage unavailable, short read/write, permission failure
	CodeInvalidInput               // Key or value violates a length constraint, or API misuse
	CodeUnexpectedFile             // File header/size does not match the expected format
	CodeDBCorrupted                // A page or meta structure failed an integrity check
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodePanic:
		return "panic"
	case CodeIO:
		return "io error"
	case CodeInvalidInput:
		return "invalid input"
	case CodeUnexpectedFile:
		return "unexpected file"
	case CodeDBCorrupted:
		return "database corrupted"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// --- Error Definitions ---

var (
	// I/O
	ErrIO             = errors.New("i/o error")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrFileLocked     = errors.New("database file is locked by another process")

	// Input
	ErrKeyTooLarge      = errors.New("key too large")
	ErrValueTooLarge    = errors.New("value too large")
	ErrInvalidPageSize  = errors.New("page size must be a power of two between 4096 and 65536")
	ErrTxClosed         = errors.New("transaction is closed")
	ErrTxNotWritable    = errors.New("transaction is read-only")
	ErrDatabaseReadOnly = errors.New("database was opened read-only")
	ErrCursorClosed     = errors.New("cursor is closed")
	ErrCursorStale      = errors.New("cursor entry was removed by a later write")
	ErrManagedTx        = errors.New("managed transaction cannot be committed or rolled back by its callback")
	ErrInvalidHandle    = errors.New("invalid handle")

	// File shape
	ErrInvalidMagic     = errors.New("invalid database file magic number")
	ErrVersionMismatch  = errors.New("database file version mismatch")
	ErrPageSizeMismatch = errors.New("database file page size does not match configured page size")
	ErrFileTooSmall     = errors.New("database file is too small")

	// Integrity
	ErrChecksumMismatch = errors.New("checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrNoValidMeta      = errors.New("no valid meta page")

	// Internal
	ErrPanic = errors.New("panic")
)

// sentinelCodes is checked in order, so an error that wraps several
// sentinels (a multierr from Check, or an open failure joined with a close
// failure) gets the most severe code. Panic ranks first, then corruption,
// file shape, I/O and input.
var sentinelCodes = []struct {
	err  error
	code Code
}{
	{ErrPanic, CodePanic},

	{ErrChecksumMismatch, CodeDBCorrupted},
	{ErrInvalidPageData, CodeDBCorrupted},
	{ErrNoValidMeta, CodeDBCorrupted},

	{ErrInvalidMagic, CodeUnexpectedFile},
	{ErrVersionMismatch, CodeUnexpectedFile},
	{ErrPageSizeMismatch, CodeUnexpectedFile},
	{ErrFileTooSmall, CodeUnexpectedFile},

	{ErrIO, CodeIO},
	{ErrDatabaseClosed, CodeIO},
	{ErrFileLocked, CodeIO},

	{ErrKeyTooLarge, CodeInvalidInput},
	{ErrValueTooLarge, CodeInvalidInput},
	{ErrInvalidPageSize, CodeInvalidInput},
	{ErrTxClosed, CodeInvalidInput},
	{ErrTxNotWritable, CodeInvalidInput},
	{ErrDatabaseReadOnly, CodeInvalidInput},
	{ErrCursorClosed, CodeInvalidInput},
	{ErrCursorStale, CodeInvalidInput},
	{ErrManagedTx, CodeInvalidInput},
	{ErrInvalidHandle, CodeInvalidInput},
}

// Error carries a status code together with the operation that failed and its cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Code.String()
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so that
// errors.Is(err, &dberror.Error{Code: dberror.CodeDBCorrupted}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Code == e.Code
}

// New wraps err with an explicit code.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf classifies err. A nil error is CodeSuccess; an error that matches
// none of the known sentinels is treated as an I/O failure.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeIO
}

// Recover converts a panic in the calling function into a CodePanic error
// stored in *errp. It must be deferred directly:
//
//	defer dberror.Recover(&err)
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	*errp = &Error{Code: CodePanic, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
}
