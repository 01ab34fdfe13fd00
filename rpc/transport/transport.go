package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrClosed is returned when posting to a closed worker or endpoint.
	ErrClosed = errors.New("transport is closed")
	// ErrCanceled completes a receive that was canceled before a frame
	// matched it.
	ErrCanceled = errors.New("request canceled")
	// ErrTruncated completes a receive whose matched frame was larger than
	// the posted buffer. The buffer holds the frame's prefix.
	ErrTruncated = errors.New("message truncated to receive buffer")
)

// --------------------------------------------------------------------------
// Features and Context
// --------------------------------------------------------------------------

// Feature flags requested when opening a transport context.
type Feature uint32

const (
	FeatureTagged Feature = 1 << iota // Tagged send/receive matching
	FeatureWakeup                     // Signal/Wait support on workers
	FeatureActiveMessages
	FeatureRMA
)

// Params configures a transport context.
type Params struct {
	Features Feature
}

// Context is the per-process transport state. It carries the negotiated
// feature set; all live state belongs to workers created from it.
type Context struct {
	features Feature

	mu     sync.Mutex
	closed bool
}

// NewContext opens a transport context with the requested features.
// Tagged messaging is the foundation of this engine and must be requested.
func NewContext(params Params) (*Context, error) {
	if params.Features&FeatureTagged == 0 {
		return nil, fmt.Errorf("tagged messaging feature is required")
	}
	return &Context{features: params.Features}, nil
}

// Close marks the context closed. Workers must be closed first.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

// ThreadMode selects the worker's locking discipline. Multi is required
// when operations are posted from more than one goroutine.
type ThreadMode int

const (
	ThreadModeSingle ThreadMode = iota
	ThreadModeMulti
)

// SendCallback is invoked (via Progress) once a posted send has been
// written to the wire, or has failed.
type SendCallback func(err error)

// RecvCallback is invoked (via Progress) once a posted receive has
// matched a frame, been canceled, or failed.
type RecvCallback func(err error, info RecvInfo)

// RecvInfo describes a completed receive: the actual tag of the matched
// frame, the number of bytes copied into the posted buffer, and the
// endpoint the frame arrived on.
type RecvInfo struct {
	Tag      uint64
	Length   int
	Endpoint *Endpoint
}

// inboundFrame is a received message waiting for a matching posted receive.
type inboundFrame struct {
	tag     uint64
	payload []byte
	ep      *Endpoint
}

// Worker owns the tag-matching state and the completion queue. Completion
// callbacks never fire on the goroutine that posted or delivered; they are
// queued and run by Progress().
type Worker struct {
	ctx  *Context
	mode ThreadMode

	mu          sync.Mutex
	posted      []*Request      // posted receives in FIFO order
	unexpected  []*inboundFrame // frames with no matching receive yet
	completions []func()
	closed      bool

	wakeCh chan struct{}
}

// NewWorker creates a worker on the context.
func (c *Context) NewWorker(mode ThreadMode) (*Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return &Worker{
		ctx:    c,
		mode:   mode,
		wakeCh: make(chan struct{}, 1),
	}, nil
}

// Progress drains the completion queue, invoking the queued callbacks on
// the calling goroutine, and returns the number of events processed. The
// worker lock is not held while callbacks run, so callbacks may post new
// operations.
func (w *Worker) Progress() int {
	w.mu.Lock()
	pending := w.completions
	w.completions = nil
	w.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// Signal wakes a goroutine blocked in Wait (the wakeup feature).
func (w *Worker) Signal() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker is signaled. Returns immediately if a
// signal is already pending.
func (w *Worker) Wait() {
	<-w.wakeCh
}

// Close marks the worker closed and completes every posted receive with
// ErrCanceled. The completions are queued as usual; a final Progress call
// delivers them.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for _, req := range w.posted {
		req.done = true
		w.enqueueLocked(w.cancelCompletion(req))
	}
	w.posted = nil
	w.unexpected = nil
	return nil
}

// RecvTagged posts a receive for frames whose tag matches the given tag
// under the given mask (mask 0 matches every frame). The frame payload is
// copied into buf; if the frame is larger than buf the receive completes
// with ErrTruncated and buf holds the prefix. The buffer is owned by the
// callback from this point on.
func (w *Worker) RecvTagged(tag, mask uint64, buf []byte, cb RecvCallback) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	req := &Request{w: w, kind: kindRecv, tag: tag, mask: mask, buf: buf, cb: cb}

	// Unexpected frames are matched first, in arrival order.
	for i, frame := range w.unexpected {
		if frame.tag&mask == tag&mask {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			req.done = true
			w.enqueueLocked(w.matchCompletion(req, frame))
			return req, nil
		}
	}

	w.posted = append(w.posted, req)
	return req, nil
}

// deliver hands an inbound frame to the first matching posted receive, or
// parks it in the unexpected queue.
func (w *Worker) deliver(frame *inboundFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for i, req := range w.posted {
		if frame.tag&req.mask == req.tag&req.mask {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			req.done = true
			w.enqueueLocked(w.matchCompletion(req, frame))
			return
		}
	}

	w.unexpected = append(w.unexpected, frame)
}

// matchCompletion builds the completion closure for a receive matched
// against a frame.
func (w *Worker) matchCompletion(req *Request, frame *inboundFrame) func() {
	n := copy(req.buf, frame.payload)
	var err error
	if len(frame.payload) > len(req.buf) {
		err = ErrTruncated
	}
	info := RecvInfo{Tag: frame.tag, Length: n, Endpoint: frame.ep}
	return func() { req.cb(err, info) }
}

// cancelCompletion builds the completion closure for a canceled receive.
func (w *Worker) cancelCompletion(req *Request) func() {
	return func() { req.cb(ErrCanceled, RecvInfo{}) }
}

// enqueueLocked queues a completion and wakes pollers. Caller holds w.mu.
func (w *Worker) enqueueLocked(fn func()) {
	w.completions = append(w.completions, fn)
	w.Signal()
}

// enqueue queues a completion from outside the lock.
func (w *Worker) enqueue(fn func()) {
	w.mu.Lock()
	w.completions = append(w.completions, fn)
	w.mu.Unlock()
	w.Signal()
}

// --------------------------------------------------------------------------
// Request
// --------------------------------------------------------------------------

type requestKind int

const (
	kindSend requestKind = iota
	kindRecv
)

// Request is the handle for a posted send or receive.
type Request struct {
	w    *Worker
	kind requestKind
	tag  uint64
	mask uint64
	buf  []byte
	cb   RecvCallback
	done bool
}

// Cancel removes a still-posted receive and completes it with ErrCanceled
// through the completion queue. Canceling an already-completed request or
// a send is a no-op.
func (r *Request) Cancel() {
	if r.kind != kindRecv {
		return
	}
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.done {
		return
	}
	for i, req := range r.w.posted {
		if req == r {
			r.w.posted = append(r.w.posted[:i], r.w.posted[i+1:]...)
			r.done = true
			r.w.enqueueLocked(r.w.cancelCompletion(r))
			return
		}
	}
}

// --------------------------------------------------------------------------
// Address Parsing
// --------------------------------------------------------------------------

// ParseHostPort validates a "host:port" address. The host must be
// "0.0.0.0", "localhost"/"127.0.0.1", or an explicit IPv4 address; the
// port must be in (0, 65535]. Returns the normalized "ip:port" form.
func ParseHostPort(addr string) (string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", fmt.Errorf("invalid address format %q, expected host:port", addr)
	}

	host, portStr := addr[:idx], addr[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port format %q: %v", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port number: %d", port)
	}

	if host == "localhost" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid host address: %s", host)
	}

	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}
