// Package kfmt implements the kernel's formatted output. Output is sent to a
// pluggable sink; until a sink is attached it is captured by a ring buffer so
// that messages emitted during early initialization are not lost.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputMu serializes writes to the active output target.
	outputMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes the result to the
// active output sink (or the early print buffer if no sink is attached).
// Printf supports the verbs of the fmt package.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. If w is nil, the
// output goes to the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if w == nil {
		w = activeWriter()
	}

	_, _ = fmt.Fprintf(w, format, args...)
}

// activeWriter returns the current output target. Callers must hold outputMu.
func activeWriter() io.Writer {
	if outputSink != nil {
		return outputSink
	}

	return &earlyPrintBuffer
}

// Logger returns a writer that prefixes every line written to it with
// "[module] " and forwards it to the active output target.
func Logger(module string) *PrefixWriter {
	return &PrefixWriter{
		Sink:   sinkProxy{},
		Prefix: []byte("[" + module + "] "),
	}
}

// sinkProxy forwards writes to whatever output target is active at the time
// of the write.
type sinkProxy struct{}

// Write implements io.Writer.
func (sinkProxy) Write(p []byte) (int, error) {
	// Callers reach this through Fprintf which holds outputMu.
	return activeWriter().Write(p)
}
