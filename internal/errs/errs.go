// Package errs provides typed, stack-tracing error codes for the watchtower
// core, in the style of pktd's btcutil/er package: every subsystem declares
// an ErrorType, and every distinct failure mode within it a named
// ErrorCode, so callers can test "is this a recoverable chain error" or
// "is this a fatal invariant violation" by code identity rather than by
// matching error strings.
package errs

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// R is the error interface produced by New, Errorf, E and an ErrorCode's
// New/Default. It extends the builtin error with the message and the stack
// trace captured at creation, which pktd-style code relies on for
// diagnosing fatal (§7 "Application invariant") failures. Core function
// signatures return it as a plain error.
type R interface {
	error
	Message() string
	Stack() []string
	HasStack() bool
}

type errT struct {
	messages []string
	wrapped  error
	bstack   []byte
}

func (e errT) HasStack() bool { return e.bstack != nil }

func (e errT) Stack() []string {
	if e.bstack == nil {
		return nil
	}
	lines := strings.Split(string(e.bstack), "\n")
	if len(lines) > 5 {
		lines = lines[5:]
	}
	return lines
}

func (e errT) Message() string {
	if len(e.messages) == 0 {
		if e.wrapped == nil {
			return ""
		}
		return e.wrapped.Error()
	}
	return strings.Join(e.messages, ": ")
}

func (e errT) Error() string {
	return e.Message()
}

func (e errT) Unwrap() error { return e.wrapped }

func captureStack() []byte { return debug.Stack() }

// New creates an untyped error carrying a captured stack trace.
func New(s string) R {
	return errT{messages: []string{s}, wrapped: errors.New(s), bstack: captureStack()}
}

// Errorf is fmt.Errorf plus a captured stack trace.
func Errorf(format string, a ...interface{}) R {
	err := fmt.Errorf(format, a...)
	return errT{messages: []string{err.Error()}, wrapped: err, bstack: captureStack()}
}

// E wraps a plain error, capturing a stack trace at the wrap site.
func E(err error) R {
	if err == nil {
		return nil
	}
	if r, ok := err.(R); ok {
		return r
	}
	return errT{messages: []string{err.Error()}, wrapped: err, bstack: captureStack()}
}

// ErrorCode identifies one named failure mode within an ErrorType.
type ErrorCode struct {
	typ    *ErrorType
	ident  string
	detail string
}

// ErrorType groups the ErrorCodes belonging to one subsystem (blockcache,
// watcher, responder, ...), mirroring pktd's er.ErrorType.
type ErrorType struct {
	Name  string
	Codes []*ErrorCode
}

// NewErrorType declares a new subsystem error namespace.
func NewErrorType(name string) *ErrorType {
	return &ErrorType{Name: name}
}

// CodeWithDetail declares a new named error code with a fixed detail
// string, e.g. Err.CodeWithDetail("ErrTowerNotFound", "tower not found").
func (t *ErrorType) CodeWithDetail(ident, detail string) *ErrorCode {
	c := &ErrorCode{typ: t, ident: ident, detail: detail}
	t.Codes = append(t.Codes, c)
	return c
}

type codedErr struct {
	errT
	code *ErrorCode
}

// New creates an R for this code, optionally wrapping a cause and/or
// appending caller-supplied context.
func (c *ErrorCode) New(info string, cause R) R {
	messages := []string{c.header()}
	if info != "" {
		messages = append(messages, info)
	}
	bstack := captureStack()
	var wrapped error
	if cause != nil {
		messages = append(messages, cause.Message())
		wrapped = cause
	} else {
		wrapped = errors.New(c.header())
	}
	return codedErr{errT: errT{messages: messages, wrapped: wrapped, bstack: bstack}, code: c}
}

// Default is New with no extra info or cause.
func (c *ErrorCode) Default() R {
	return c.New("", nil)
}

func (c *ErrorCode) header() string {
	if c.detail == "" {
		return c.ident
	}
	return fmt.Sprintf("%s: %s", c.ident, c.detail)
}

// Is reports whether err was produced by this exact code.
func (c *ErrorCode) Is(err error) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(codedErr)
	if !ok {
		var r R
		if errors.As(err, &r) {
			ce, ok = r.(codedErr)
		}
	}
	return ok && ce.code == c
}

// Is reports whether err carries any code from this ErrorType.
func (t *ErrorType) Is(err error) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(codedErr)
	if !ok {
		var r R
		if errors.As(err, &r) {
			ce, ok = r.(codedErr)
		}
	}
	return ok && ce.code.typ == t
}
