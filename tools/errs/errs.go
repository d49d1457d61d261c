package errs

import (
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error classes of the gateway protocol. Handlers map these onto the
// error frame sent back to a single connection; anything uncoded is
// treated as infrastructure.
const (
	CodeAuth       = 1001
	CodeValidation = 1002
	CodeNotFound   = 1003
	CodeInfra      = 1500
)

var (
	ErrAuth       = NewCodeError(CodeAuth, "authentication failed")
	ErrValidation = NewCodeError(CodeValidation, "validation failed")
	ErrNotFound   = NewCodeError(CodeNotFound, "not found")
	ErrInfra      = NewCodeError(CodeInfra, "infrastructure unavailable")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context for the caller-facing
// message; the code stays comparable with errors.Is.
func (e *CodeError) WithDetail(detail string) error {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !stderrors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// Code extracts the protocol code from any error in the chain,
// defaulting to CodeInfra.
func Code(err error) int {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeInfra
}

// Message is the caller-facing text for an error. Uncoded errors are
// masked so internals never leak onto the wire.
func Message(err error) string {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		if ce.Detail != "" {
			return ce.Msg + ": " + ce.Detail
		}
		return ce.Msg
	}
	return "internal error"
}

// Wrap and WrapMsg keep call sites uniform with the rest of the tree.
func Wrap(err error) error { return errors.WithStack(err) }

func WrapMsg(err error, msg string) error { return errors.Wrap(err, msg) }
