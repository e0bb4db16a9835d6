// Package cpu exposes the processor operations used by the memory subsystem.
// The kernel core runs hosted, so halting the CPU is modelled as an
// unrecoverable Go panic carrying the reason.
package cpu

import "sync/atomic"

// haltCount tracks the number of Halt invocations.
var haltCount uint32

// Halt stops instruction execution on the current CPU. The supplied reason is
// propagated as the panic value so a supervising harness can report it.
func Halt(reason interface{}) {
	atomic.AddUint32(&haltCount, 1)
	panic(reason)
}

// HaltCount returns the number of times Halt has been invoked.
func HaltCount() uint32 {
	return atomic.LoadUint32(&haltCount)
}
