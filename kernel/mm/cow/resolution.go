package cow

import (
	"fmt"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// ResolutionKind describes how a page fault was resolved.
type ResolutionKind uint8

const (
	// GrantedInPlace means the faulting page keeps its frame, now with
	// write access.
	GrantedInPlace ResolutionKind = iota

	// GrantedCopy means the faulting page was remapped to a private copy
	// of its previous frame.
	GrantedCopy

	// Fatal means the fault could not be resolved and the faulting process
	// must be terminated.
	Fatal
)

// Resolution is the outcome of a page fault.
type Resolution struct {
	Kind ResolutionKind

	// Frame is the frame mapped at the faulting page after a grant.
	Frame mm.Frame

	// Reason is set for Fatal resolutions.
	Reason *kernel.Error
}

// InPlace returns a GrantedInPlace resolution for frame.
func InPlace(frame mm.Frame) Resolution {
	return Resolution{Kind: GrantedInPlace, Frame: frame}
}

// Copied returns a GrantedCopy resolution for the new frame.
func Copied(frame mm.Frame) Resolution {
	return Resolution{Kind: GrantedCopy, Frame: frame}
}

// Terminate returns a Fatal resolution.
func Terminate(reason *kernel.Error) Resolution {
	return Resolution{Kind: Fatal, Frame: mm.InvalidFrame, Reason: reason}
}

// Granted returns true if the faulting access may be retried.
func (r Resolution) Granted() bool {
	return r.Kind != Fatal
}

// FramesTouched returns the number of frames that are exclusively owned by
// the faulting address space as a result of the resolution.
func (r Resolution) FramesTouched() int {
	if r.Granted() {
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (r Resolution) String() string {
	switch r.Kind {
	case GrantedInPlace:
		return fmt.Sprintf("granted in place (frame 0x%x)", uintptr(r.Frame))
	case GrantedCopy:
		return fmt.Sprintf("granted copy (frame 0x%x)", uintptr(r.Frame))
	default:
		return fmt.Sprintf("fatal: %v", r.Reason)
	}
}
