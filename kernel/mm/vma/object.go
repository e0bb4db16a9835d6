package vma

import (
	"sync/atomic"

	"vmcore/kernel/mm"
)

// SharedObject holds the frames backing a Shared region. Every region that
// maps the object holds a reference; the frames are released by the owner of
// the last reference.
type SharedObject struct {
	frames []mm.Frame
	refs   atomic.Int32
}

// NewSharedObject returns an object that owns frames, with one reference.
func NewSharedObject(frames []mm.Frame) *SharedObject {
	obj := &SharedObject{frames: frames}
	obj.refs.Store(1)
	return obj
}

// Pages returns the number of frames in the object.
func (o *SharedObject) Pages() int {
	return len(o.frames)
}

// Frame returns the frame backing the page at index.
func (o *SharedObject) Frame(index int) mm.Frame {
	return o.frames[index]
}

// Refs returns the current number of references.
func (o *SharedObject) Refs() int {
	return int(o.refs.Load())
}

// Acquire adds a reference.
func (o *SharedObject) Acquire() {
	o.refs.Add(1)
}

// Release drops a reference. When the last reference is dropped Release
// returns the frames, which the caller must free; otherwise it returns nil.
func (o *SharedObject) Release() []mm.Frame {
	if o.refs.Add(-1) != 0 {
		return nil
	}

	frames := o.frames
	o.frames = nil
	return frames
}
