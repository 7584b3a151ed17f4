package fserrors

// Stable error codes for the storage engine. These are part of the
// user-visible contract: the CLI renders failures as "svn: E<code>: <msg>"
// and scripts match on the numbers, so existing values must never change.

import (
	"errors"
	"fmt"
)

type Code int

const (
	Corrupt           Code = 160004
	NoSuchTransaction Code = 160007
	TxnOutOfDate      Code = 160028
	RepBeingWritten   Code = 160029
	ItemIndexOverflow Code = 160052
	ItemIndexRevision Code = 160053
	IndexCorruption   Code = 160056
	PathLocked        Code = 160035
	MalformedFile     Code = 200002
	Cancelled         Code = 200015
)

func (c Code) String() string {
	switch c {
	case Corrupt:
		return "corrupt filesystem"
	case NoSuchTransaction:
		return "no such transaction"
	case TxnOutOfDate:
		return "transaction out of date"
	case RepBeingWritten:
		return "representation being written"
	case ItemIndexOverflow:
		return "item index overflow"
	case ItemIndexRevision:
		return "revision not covered by index"
	case IndexCorruption:
		return "index corruption"
	case PathLocked:
		return "path locked"
	case MalformedFile:
		return "malformed file"
	case Cancelled:
		return "operation cancelled"
	}
	return "unknown error"
}

// E is an error with a stable code and an optional boxed cause. Layers wrap
// but never discard: the printer walks the chain one line per level.
type E struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("E%d: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("E%d: %s", e.Code, e.Msg)
}

func (e *E) Unwrap() error { return e.Cause }

// Is matches against another *E by code, so callers can write
// errors.Is(err, fserrors.New(fserrors.TxnOutOfDate, "")).
func (e *E) Is(target error) bool {
	var t *E
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, format string, args ...interface{}) *E {
	return &E{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...interface{}) *E {
	return &E{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the outermost *E in err's chain, or 0.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsCode reports whether any error in the chain carries CODE.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}
