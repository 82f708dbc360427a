package gpu

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Infinite is the fence timeout used everywhere in the renderer. A wait that
// never returns means the device is gone.
const Infinite uint64 = math.MaxUint64

// AlignUp rounds v up to a multiple of alignment. Zero alignment returns v.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

// resultCode extracts the API result name from a driver error.
func resultCode(err error) string {
	var re *driver.ResultError
	if errors.As(err, &re) {
		return re.Result.String()
	}
	return ""
}

func allocationError(op string, err error) error {
	return core.NewRenderError(core.KindAllocation, op, resultCode(err), err)
}

func syncError(op string, err error) error {
	return core.NewRenderError(core.KindSync, op, resultCode(err), err)
}

// syncResultError turns a failed wait into a sync error. Timeouts are kept
// distinguishable through core.ErrTimeout.
func syncResultError(op string, r driver.Result) error {
	var err error = &driver.ResultError{Op: op, Result: r}
	if r == driver.Timeout {
		err = errors.Mark(err, core.ErrTimeout)
	}
	return core.NewRenderError(core.KindSync, op, r.String(), err)
}
