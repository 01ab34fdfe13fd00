package transport

import (
	"fmt"
	"net"
	"sync"
)

// AcceptCallback is invoked for every accepted connection. It runs on the
// listener's internal accept goroutine, so it must not block on locks that
// are held while polling Progress; hand such work to a fresh goroutine.
type AcceptCallback func(ep *Endpoint)

// Listener binds a local address and turns inbound connections into
// accepted endpoints.
type Listener struct {
	w  *Worker
	ln net.Listener

	mu     sync.Mutex
	closed bool
}

// Listen binds "host:port" and starts accepting. The bind address must be
// IPv4 ("0.0.0.0" for all interfaces, "127.0.0.1"/"localhost", or an
// explicit address).
func (w *Worker) Listen(addr string, cb AcceptCallback) (*Listener, error) {
	hostPort, err := ParseHostPort(addr)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener on %s: %v", hostPort, err)
	}

	l := &Listener{w: w, ln: ln}
	go l.acceptLoop(cb)

	Logger.Infof("listener bound on %s", hostPort)
	return l, nil
}

// Addr returns the bound address (useful with port 0 in tests).
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting. Already-accepted endpoints stay alive.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ln.Close()
}

func (l *Listener) acceptLoop(cb AcceptCallback) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				Logger.Errorf("accept error: %v", err)
			}
			return
		}

		Logger.Infof("accepted connection from %s", conn.RemoteAddr())
		cb(newEndpoint(l.w, conn, true))
	}
}
