package core

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies every error the renderer can return.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// Out of memory, unsupported format or memory type combination.
	KindAllocation
	// Fence or queue wait failures. Treated as device loss.
	KindSync
	// Out of date or suboptimal results from acquire or present.
	KindSwapchain
	// A renderer bug. Raised as a panic, never returned.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindAllocation:
		return "allocation"
	case KindSync:
		return "sync"
	case KindSwapchain:
		return "swapchain"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var (
	ErrAllocation  = errors.New("resource allocation failed")
	ErrUnsupported = errors.New("unsupported format or memory type combination")

	ErrDeviceLost = errors.New("device lost")
	ErrTimeout    = errors.New("wait timed out")

	ErrOutOfDate        = errors.New("swapchain out of date")
	ErrSuboptimal       = errors.New("swapchain suboptimal")
	ErrSwapchainBooting = errors.New("swapchain resized or recreated, booting")

	ErrInvariant = errors.New("invariant violated")
	ErrUnknown   = errors.New("unknown")
)

// RenderError carries the kind of failure, the operation that failed and the
// originating API result code when one is available.
type RenderError struct {
	Kind ErrorKind
	Op   string
	Code string
	Err  error
}

func (e *RenderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// NewRenderError tags err with a kind and marks it with the kind's sentinel so
// that errors.Is keeps working across wrapping.
func NewRenderError(kind ErrorKind, op, code string, err error) error {
	if err == nil {
		err = ErrUnknown
	}
	if mark := kindSentinel(kind); mark != nil && !errors.Is(err, mark) {
		err = errors.Mark(err, mark)
	}
	return &RenderError{Kind: kind, Op: op, Code: code, Err: err}
}

func kindSentinel(kind ErrorKind) error {
	switch kind {
	case KindAllocation:
		return ErrAllocation
	case KindSync:
		return ErrDeviceLost
	case KindSwapchain:
		return ErrOutOfDate
	default:
		return nil
	}
}

// KindOf classifies err. Unknown errors are reported as KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RenderError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrAllocation), errors.Is(err, ErrUnsupported):
		return KindAllocation
	case errors.Is(err, ErrDeviceLost), errors.Is(err, ErrTimeout):
		return KindSync
	case errors.Is(err, ErrOutOfDate), errors.Is(err, ErrSuboptimal), errors.Is(err, ErrSwapchainBooting):
		return KindSwapchain
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	}
	return KindUnknown
}

// Assert panics with an invariant error when cond is false.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(errors.Mark(errors.AssertionFailedf(format, args...), ErrInvariant))
}
