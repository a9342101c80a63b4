package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error codes for the sync core's failure taxonomy. Transport failures are
// recovered internally and never carry a code; everything surfaced to a
// consumer does.
const (
	CodeSeedFailed      = 1101 // seeding fetch failed, log is in errored state
	CodeSendFailed      = 1102 // send mutation rejected or timed out
	CodeStageAttachment = 1103 // attachment staging failed before send
	CodeClosed          = 1104 // session already torn down
	CodeNotSubscribed   = 1105 // operation on a conversation with no reference
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
	if e.Detail == "" {
		return fmt.Sprintf("code=%d msg=%s", e.Code, e.Msg)
	}
	return fmt.Sprintf("code=%d msg=%s detail=%s", e.Code, e.Msg, e.Detail)
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Wrap folds a cause into the coded error and attaches a stack. The result
// still matches the sentinel via Is/Code.
func (e *CodeError) Wrap(cause error) error {
	if cause == nil {
		return errors.WithStack(e)
	}
	return errors.WithStack(e.WithDetail(cause.Error()))
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the numeric code from err, or 0 when err carries none.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

var (
	ErrSeedFailed      = NewCodeError(CodeSeedFailed, "seeding fetch failed")
	ErrSendFailed      = NewCodeError(CodeSendFailed, "send failed")
	ErrStageAttachment = NewCodeError(CodeStageAttachment, "attachment staging failed")
	ErrClosed          = NewCodeError(CodeClosed, "session closed")
	ErrNotSubscribed   = NewCodeError(CodeNotSubscribed, "conversation not subscribed")
)
