package manager

import (
	"sync"
)

// --------------------------------------------------------------------------
// Promises
// --------------------------------------------------------------------------

// ReadResult is the outcome of a completed read: a value, or missing.
// Transport and validation failures on the read path surface as missing,
// never as a crash.
type ReadResult struct {
	Found bool
	Value []byte
}

// WritePromise resolves exactly once with the outcome of a write request:
// nil on success, or the transport/shutdown/timeout error.
type WritePromise struct {
	once sync.Once
	ch   chan error
}

// NewWritePromise creates an unresolved write promise.
func NewWritePromise() *WritePromise {
	return &WritePromise{ch: make(chan error, 1)}
}

// Resolve settles the promise. Later calls are ignored.
func (p *WritePromise) Resolve(err error) {
	p.once.Do(func() {
		p.ch <- err
		close(p.ch)
	})
}

// Await blocks until the promise is resolved and returns its outcome.
func (p *WritePromise) Await() error {
	return <-p.ch
}

// readOutcome pairs a read result with a pipeline error.
type readOutcome struct {
	res ReadResult
	err error
}

// ReadPromise resolves exactly once with the outcome of a read request.
type ReadPromise struct {
	once sync.Once
	ch   chan readOutcome
}

// NewReadPromise creates an unresolved read promise.
func NewReadPromise() *ReadPromise {
	return &ReadPromise{ch: make(chan readOutcome, 1)}
}

// Resolve settles the promise. Later calls are ignored.
func (p *ReadPromise) Resolve(res ReadResult, err error) {
	p.once.Do(func() {
		p.ch <- readOutcome{res: res, err: err}
		close(p.ch)
	})
}

// Await blocks until the promise is resolved and returns its outcome.
func (p *ReadPromise) Await() (ReadResult, error) {
	out := <-p.ch
	return out.res, out.err
}
