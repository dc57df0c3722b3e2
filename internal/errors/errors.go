package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes the operation during which an error occurred,
// e.g. "tracker.Announce"
type Op string

func (op Op) String() string {
	return string(op)
}

type Kind int

const (
	Internal Kind = iota + 1
	IO
	Network
	BadArgument
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO Error"
	case Network:
		return "Network Error"
	case BadArgument:
		return "Bad arguments"
	default:
		return "Internal Error"
	}
}

type Error struct {
	err  error
	op   Op
	kind Kind
}

func (e Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %s", e.op, e.err)
	}

	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

// IsKind reports whether err, at any level of wrapping, has
// the given kind
func IsKind(err error, k Kind) bool {
	e, ok := err.(Error)
	if !ok {
		return false
	}

	if e.kind == k {
		return true
	}

	return IsKind(e.err, k)
}

// Ops returns the chain of operations that led to the error
func Ops(e error) []string {
	var out []string

	err, ok := e.(Error)
	if !ok {
		return out
	}

	out = append(out, string(err.op))
	out = append(out, Ops(err.err)...)

	return out
}

func Wrap(e error, args ...interface{}) error {
	err := Error{err: e, kind: Internal}

	if _err, ok := e.(Error); ok {
		err.kind = _err.kind
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			err.kind = v
		case Op:
			err.op = v
		}
	}

	return err
}

func New(e string) error {
	return Error{err: errors.New(e)}
}

func Newf(fmtStr string, args ...interface{}) error {
	return Error{err: fmt.Errorf(fmtStr, args...)}
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

type Errors []error

func (errs Errors) Error() string {
	var sb strings.Builder

	for i, err := range errs {
		sb.WriteString(err.Error())

		if i < len(errs)-1 {
			sb.WriteString(", ")
		}
	}

	return sb.String()
}
