package server

import (
	"errors"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/manager"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

var metricFramesDropped = metrics.GetOrCreateCounter(`rkv_frames_dropped_total`)

// rpcServer consumes incoming request frames, mutates the store, and
// emits response frames. One instance serves one listener.
type rpcServer struct {
	mgr   *manager.Manager
	store store.IStore
}

// NewRPCServer creates the server dispatch bound to the transport manager.
//
// Usage:
//
//	s := server.NewRPCServer(manager.Instance())
//	if err := s.Serve("0.0.0.0:12345"); err != nil {
//		panic(err)
//	}
func NewRPCServer(mgr *manager.Manager) *rpcServer {
	return &rpcServer{mgr: mgr}
}

// Serve initializes the transport manager, installs the dispatch handler,
// and binds the listener. It returns once the server is accepting; the
// progress loop keeps it serving until manager shutdown.
func (s *rpcServer) Serve(listenAddr string) error {
	if err := s.mgr.Initialize(); err != nil {
		return err
	}

	// The store reference is captured here because the dispatch callback
	// must not call into the manager on the progress goroutine.
	s.store = s.mgr.GetStorage()

	s.mgr.SetServerHandler(s.handleReceive)

	if err := s.mgr.CreateListener(listenAddr); err != nil {
		return err
	}

	Logger.Infof("server serving on %s", listenAddr)
	return nil
}

// handleReceive is the server-receive completion callback. It runs on the
// progress goroutine while the manager lock is held: only the store (which
// has its own lock) may be touched inline, and every step that goes back
// into the manager - endpoint lookup, response emission, re-arming the
// receive slot - is scheduled onto a fresh goroutine.
func (s *rpcServer) handleReceive(buf []byte, err error, info transport.RecvInfo) {
	if err != nil {
		if errors.Is(err, transport.ErrCanceled) {
			// Shutdown path; the slot is gone for good.
			return
		}
		Logger.Errorf("server receive failed: %v", err)
		go s.rearm()
		return
	}

	frame := buf[:info.Length]
	h, key, value, derr := common.DecodeRequest(frame)
	if derr != nil {
		// Integrity failure: drop the frame, keep serving. No response is
		// sent and no store state changes.
		Logger.Errorf("dropping invalid frame (%d bytes): %v", info.Length, derr)
		metricFramesDropped.Inc()
		go s.rearm()
		return
	}

	switch h.Type {
	case common.MsgTWriteRequest:
		s.store.Set(string(key), value)
		Logger.Debugf("stored key %q (%d value bytes) for request %d", key, len(value), h.RequestID)

		go func(from *transport.Endpoint, requestID uint64) {
			ep := s.mgr.ResponseEndpoint(from)
			if ep == nil {
				Logger.Errorf("no endpoint available for write response %d, dropping", requestID)
				return
			}
			s.mgr.SendWriteResponse(ep, requestID, common.StatusOK)
		}(info.Endpoint, h.RequestID)

	case common.MsgTReadRequest:
		v, found := s.store.Get(string(key))
		Logger.Debugf("read key %q (found=%v) for request %d", key, found, h.RequestID)

		go func(from *transport.Endpoint, requestID uint64) {
			ep := s.mgr.ResponseEndpoint(from)
			if ep == nil {
				Logger.Errorf("no endpoint available for read response %d, dropping", requestID)
				return
			}
			s.mgr.SendReadResponse(ep, requestID, v, found)
		}(info.Endpoint, h.RequestID)
	}

	go s.rearm()
}

// rearm restores the consumed receive slot. Failure is expected during
// shutdown and only logged.
func (s *rpcServer) rearm() {
	if err := s.mgr.PostServerReceive(); err != nil {
		Logger.Debugf("could not re-arm server receive: %v", err)
	}
}
