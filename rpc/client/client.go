package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/manager"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// ErrTimeout resolves a pending operation whose per-request deadline
// expired before a response arrived.
var ErrTimeout = errors.New("request timed out")

// DefaultTimeout is the per-request deadline applied when the caller does
// not choose one. Zero disables the deadline entirely (a lost response
// then strands the promise).
const DefaultTimeout = 30 * time.Second

// Generation stamps a completed write: an opaque token plus the local
// completion time.
type Generation struct {
	Token string
	Time  time.Time
}

// --------------------------------------------------------------------------
// Futures
// --------------------------------------------------------------------------

// WriteFuture resolves once the matching write response arrives, the
// request fails, times out, or the manager shuts down.
type WriteFuture struct {
	promise *manager.WritePromise
}

// Await blocks until resolution. On success it stamps a fresh generation.
func (f *WriteFuture) Await() (Generation, error) {
	if err := f.promise.Await(); err != nil {
		return Generation{}, err
	}
	return Generation{Token: uuid.NewString(), Time: time.Now()}, nil
}

// ReadFuture resolves once the matching read response arrives or the
// request fails. Response-side anomalies (key absent, corrupt frame,
// transport error) resolve as missing; only a failure to post the
// response receive or the send, a failed send completion, and deadline
// expiry resolve with an error.
type ReadFuture struct {
	promise *manager.ReadPromise
}

// Await blocks until resolution.
func (f *ReadFuture) Await() (manager.ReadResult, error) {
	return f.promise.Await()
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client is the request pipeline for one remote server. It encodes
// requests, posts matching response receives, and returns futures that
// resolve on response arrival.
type Client struct {
	mgr     *manager.Manager
	ep      *transport.Endpoint
	timeout time.Duration
}

// NewClient dials the server through the transport manager. A timeout of
// zero or less disables per-request deadlines.
func NewClient(remoteAddr string, timeout time.Duration) (*Client, error) {
	mgr := manager.Instance()
	if err := mgr.Initialize(); err != nil {
		return nil, err
	}

	ep, err := mgr.CreateClientEndpoint(remoteAddr)
	if err != nil {
		return nil, err
	}

	Logger.Infof("client connected to %s", remoteAddr)
	return &Client{mgr: mgr, ep: ep, timeout: timeout}, nil
}

// Write sends key/value to the server and returns a future for the
// acknowledgement. Post-time failures resolve the future immediately;
// Write itself never fails.
func (c *Client) Write(key, value []byte) *WriteFuture {
	id := c.mgr.GenerateRequestID()
	pw := &manager.PendingWrite{ID: id, Promise: manager.NewWritePromise()}
	c.mgr.RegisterPendingWrite(pw)
	future := &WriteFuture{promise: pw.Promise}

	// Post the response receive before the request goes out, so the
	// response can never race past an unarmed slot.
	respBuf := make([]byte, common.WriteResponseBufSize)
	recvReq, err := c.mgr.Worker().RecvTagged(common.TagWriteResponse, common.TagMaskResponses, respBuf,
		func(err error, info transport.RecvInfo) {
			c.onWriteResponse(respBuf, id, err, info)
		})
	if err != nil {
		c.mgr.CompletePendingWrite(id, fmt.Errorf("failed to post response receive: %w", err))
		return future
	}
	pw.SetRecvRequest(recvReq)

	frame := common.EncodeWriteRequest(id, key, value)
	if _, err := c.ep.SendTagged(common.TagWriteRequest, frame, func(err error) {
		if err != nil {
			c.mgr.CompletePendingWrite(id, fmt.Errorf("send failed: %w", err))
		}
	}); err != nil {
		c.mgr.CompletePendingWrite(id, fmt.Errorf("failed to post send: %w", err))
		return future
	}

	c.armDeadline(id, pw, nil)
	return future
}

// Read requests the value for key and returns a future for the result.
func (c *Client) Read(key []byte) *ReadFuture {
	id := c.mgr.GenerateRequestID()
	pr := &manager.PendingRead{ID: id, Promise: manager.NewReadPromise()}
	c.mgr.RegisterPendingRead(pr)
	future := &ReadFuture{promise: pr.Promise}

	respBuf := make([]byte, common.ReadResponseBufSize)
	recvReq, err := c.mgr.Worker().RecvTagged(common.TagReadResponse, common.TagMaskResponses, respBuf,
		func(err error, info transport.RecvInfo) {
			c.onReadResponse(respBuf, id, err, info)
		})
	if err != nil {
		c.mgr.CompletePendingRead(id, manager.ReadResult{}, fmt.Errorf("failed to post response receive: %w", err))
		return future
	}
	pr.SetRecvRequest(recvReq)

	frame := common.EncodeReadRequest(id, key)
	if _, err := c.ep.SendTagged(common.TagReadRequest, frame, func(err error) {
		if err != nil {
			c.mgr.CompletePendingRead(id, manager.ReadResult{}, fmt.Errorf("send failed: %w", err))
		}
	}); err != nil {
		c.mgr.CompletePendingRead(id, manager.ReadResult{}, fmt.Errorf("failed to post send: %w", err))
		return future
	}

	c.armDeadline(id, nil, pr)
	return future
}

// armDeadline starts the per-request timer. On expiry the pending entry is
// completed with ErrTimeout; its cleanup cancels the still-armed receive.
func (c *Client) armDeadline(id uint64, pw *manager.PendingWrite, pr *manager.PendingRead) {
	if c.timeout <= 0 {
		return
	}
	if pw != nil {
		pw.SetTimer(time.AfterFunc(c.timeout, func() {
			Logger.Warningf("write request %d timed out after %v", id, c.timeout)
			c.mgr.CompletePendingWrite(id, ErrTimeout)
		}))
	}
	if pr != nil {
		pr.SetTimer(time.AfterFunc(c.timeout, func() {
			Logger.Warningf("read request %d timed out after %v", id, c.timeout)
			c.mgr.CompletePendingRead(id, manager.ReadResult{}, ErrTimeout)
		}))
	}
}

// onWriteResponse runs via worker progress when the posted write-response
// receive completes. Completing the pending operation only touches the
// lock-free pending tables, so it is safe on the progress goroutine.
func (c *Client) onWriteResponse(buf []byte, postedID uint64, err error, info transport.RecvInfo) {
	if err != nil {
		// Canceled by timeout/shutdown cleanup, or a transport failure.
		c.mgr.CompletePendingWrite(postedID, err)
		return
	}

	h, statusCode, derr := common.DecodeWriteResponse(buf[:info.Length])
	if derr != nil {
		Logger.Errorf("dropping corrupt write response: %v", derr)
		c.mgr.CompletePendingWrite(postedID, fmt.Errorf("corrupt write response: %w", derr))
		return
	}

	// Route by the id echoed in the frame: per-tag FIFO can hand another
	// operation's response to this slot.
	if statusCode != common.StatusOK {
		c.mgr.CompletePendingWrite(h.RequestID, fmt.Errorf("server reported status %d", statusCode))
		return
	}
	c.mgr.CompletePendingWrite(h.RequestID, nil)
}

// onReadResponse runs via worker progress when the posted read-response
// receive completes. Anything that is not a well-formed found-value
// response resolves as missing.
func (c *Client) onReadResponse(buf []byte, postedID uint64, err error, info transport.RecvInfo) {
	if err != nil {
		c.mgr.CompletePendingRead(postedID, manager.ReadResult{}, nil)
		return
	}

	h, statusCode, value, derr := common.DecodeReadResponse(buf[:info.Length])
	if derr != nil {
		Logger.Errorf("read response failed validation, resolving as missing: %v", derr)
		c.mgr.CompletePendingRead(postedID, manager.ReadResult{}, nil)
		return
	}

	if statusCode != common.StatusOK {
		c.mgr.CompletePendingRead(h.RequestID, manager.ReadResult{}, nil)
		return
	}

	// The decoded value aliases the receive buffer; copy so the result
	// owns its bytes.
	out := make([]byte, len(value))
	copy(out, value)
	c.mgr.CompletePendingRead(h.RequestID, manager.ReadResult{Found: true, Value: out}, nil)
}
