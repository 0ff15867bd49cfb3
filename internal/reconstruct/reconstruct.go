// Package reconstruct buffers partial byte chunks from a connection and
// emits complete reply values in arrival order, by repeatedly driving the
// pure protocol.DecodeFrame parser over a growing internal buffer.
package reconstruct

import (
	"fmt"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/protocol"
)

// Poisoned is returned by Process once a decode error has occurred; the
// reconstructor does not attempt to resynchronize.
type Poisoned struct {
	Cause error
}

func (e *Poisoned) Error() string {
	return fmt.Sprintf("reconstruct: poisoned: %v", e.Cause)
}

func (e *Poisoned) Unwrap() error { return e.Cause }

// Reconstructor accumulates byte chunks and reports complete replies, in
// order, through the sink passed to Process. It is not safe for concurrent
// use; the owning connection actor drives it from a single goroutine.
type Reconstructor struct {
	buf    []byte
	poison error
}

// New creates an empty Reconstructor.
func New() *Reconstructor {
	return &Reconstructor{}
}

// Process appends chunk to the internal buffer and decodes as many complete
// replies as possible, invoking sink once per reply in order. Left-over
// bytes — a partial frame — are retained for the next call.
//
// If a previous call poisoned the reconstructor, Process returns that same
// error immediately without consuming chunk.
func (r *Reconstructor) Process(chunk []byte, sink func(akre.RValue)) error {
	if r.poison != nil {
		return &Poisoned{Cause: r.poison}
	}

	r.buf = append(r.buf, chunk...)

	for {
		value, n, err := protocol.DecodeFrame(r.buf, 0)
		if err != nil {
			r.poison = err
			r.buf = nil
			return &Poisoned{Cause: err}
		}
		if n == 0 {
			// No complete frame yet; wait for more bytes.
			break
		}

		sink(value)

		// Slide the consumed prefix off by copying the remaining bytes to
		// the front of the buffer.
		remaining := len(r.buf) - n
		copy(r.buf, r.buf[n:])
		r.buf = r.buf[:remaining]
	}

	return nil
}

// Poisoned reports whether a prior decode error has permanently disabled
// this reconstructor.
func (r *Reconstructor) Poisoned() bool {
	return r.poison != nil
}
