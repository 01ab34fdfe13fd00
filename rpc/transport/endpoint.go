package transport

import (
	"fmt"
	"net"
	"sync"
)

// sendQueueDepth bounds the number of frames waiting on an endpoint's
// writer goroutine. Posting blocks when the queue is full.
const sendQueueDepth = 64

// outboundFrame is one queued send.
type outboundFrame struct {
	tag     uint64
	payload []byte
	cb      SendCallback
}

// Endpoint is a bidirectional channel to one peer. Dialed endpoints are
// created with Worker.Dial; accepted endpoints are handed to the
// listener's accept callback. Each endpoint runs a writer goroutine (so
// sends complete asynchronously through the worker's completion queue)
// and a reader goroutine that delivers inbound frames to the worker.
type Endpoint struct {
	w        *Worker
	conn     net.Conn
	accepted bool

	sendCh chan *outboundFrame
	stopCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// Dial connects to a peer at "host:port" and returns the endpoint. Every
// connection goes through the transport, loopback included.
func (w *Worker) Dial(addr string) (*Endpoint, error) {
	hostPort, err := ParseHostPort(addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", hostPort, err)
	}

	Logger.Infof("dialed endpoint to %s", hostPort)
	return newEndpoint(w, conn, false), nil
}

// newEndpoint wires a connection into the worker and starts its reader
// and writer goroutines.
func newEndpoint(w *Worker, conn net.Conn, accepted bool) *Endpoint {
	ep := &Endpoint{
		w:        w,
		conn:     conn,
		accepted: accepted,
		sendCh:   make(chan *outboundFrame, sendQueueDepth),
		stopCh:   make(chan struct{}),
	}
	go ep.writeLoop()
	go ep.readLoop()
	return ep
}

// RemoteAddr returns the peer's network address.
func (e *Endpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}

// Accepted reports whether this endpoint came in through a listener.
func (e *Endpoint) Accepted() bool {
	return e.accepted
}

// SendTagged posts a tagged send of payload. The buffer belongs to the
// transport until cb fires (through Worker.Progress). A post-time failure
// is returned synchronously and cb is never invoked.
func (e *Endpoint) SendTagged(tag uint64, payload []byte, cb SendCallback) (*Request, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	req := &Request{w: e.w, kind: kindSend, tag: tag}
	select {
	case e.sendCh <- &outboundFrame{tag: tag, payload: payload, cb: cb}:
		return req, nil
	case <-e.stopCh:
		return nil, ErrClosed
	}
}

// Close tears the connection down. Queued sends complete with ErrClosed;
// posted receives are untouched (they complete on worker close or cancel).
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	return e.conn.Close()
}

// writeLoop drains the send queue onto the wire and queues send
// completions on the worker.
func (e *Endpoint) writeLoop() {
	for {
		select {
		case <-e.stopCh:
			// Flush completions for anything still queued.
			for {
				select {
				case frame := <-e.sendCh:
					if frame.cb != nil {
						e.w.enqueue(func() { frame.cb(ErrClosed) })
					}
				default:
					return
				}
			}
		case frame := <-e.sendCh:
			err := writeWireFrame(e.conn, frame.tag, frame.payload)
			if frame.cb != nil {
				cb := frame.cb
				e.w.enqueue(func() { cb(err) })
			}
			if err != nil {
				Logger.Errorf("send to %s failed: %v", e.RemoteAddr(), err)
			}
		}
	}
}

// readLoop delivers inbound frames to the worker's matching logic until
// the connection dies.
func (e *Endpoint) readLoop() {
	for {
		tag, payload, err := readWireFrame(e.conn)
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				Logger.Warningf("connection to %s broke: %v", e.RemoteAddr(), err)
			}
			return
		}
		e.w.deliver(&inboundFrame{tag: tag, payload: payload, ep: e})
	}
}
