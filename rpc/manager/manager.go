package manager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/memstore"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("manager")

// ErrShutdown resolves every pending write when the manager shuts down
// mid-flight.
var ErrShutdown = errors.New("transport manager shutting down")

var (
	metricWriteRequests  = metrics.GetOrCreateCounter(`rkv_requests_total{kind="write"}`)
	metricReadRequests   = metrics.GetOrCreateCounter(`rkv_requests_total{kind="read"}`)
	metricWriteResponses = metrics.GetOrCreateCounter(`rkv_responses_total{kind="write"}`)
	metricReadResponses  = metrics.GetOrCreateCounter(`rkv_responses_total{kind="read"}`)
)

// Constants for the progress loop and server receive handling.
const (
	// progressInterval is the sleep between progress polls, so foreground
	// operations are never starved of the manager lock.
	progressInterval = 100 * time.Microsecond

	// numPrepostedReceives is how many receive buffers the server posts
	// before any client dials.
	numPrepostedReceives = 10

	// shutdownDrainTicks bounds the progress calls made during shutdown to
	// let completion callbacks quiesce.
	shutdownDrainTicks = 10
)

// ServerHandler consumes completed server receives. It is invoked on the
// progress goroutine with the receive buffer, the completion error, and
// the receive info (actual tag, length, source endpoint). It must not call
// back into the Manager on the same goroutine; all such work has to be
// scheduled onto a fresh one.
type ServerHandler func(buf []byte, err error, info transport.RecvInfo)

// --------------------------------------------------------------------------
// Pending Operations
// --------------------------------------------------------------------------

// PendingWrite tracks one in-flight write request on the client.
type PendingWrite struct {
	ID      uint64
	Promise *WritePromise

	recvReq atomic.Pointer[transport.Request]
	timer   atomic.Pointer[time.Timer]
}

// PendingRead tracks one in-flight read request on the client.
type PendingRead struct {
	ID      uint64
	Promise *ReadPromise

	recvReq atomic.Pointer[transport.Request]
	timer   atomic.Pointer[time.Timer]
}

// SetRecvRequest records the posted response receive so it can be canceled
// on timeout or shutdown.
func (p *PendingWrite) SetRecvRequest(req *transport.Request) { p.recvReq.Store(req) }
func (p *PendingRead) SetRecvRequest(req *transport.Request)  { p.recvReq.Store(req) }

// SetTimer records the per-request deadline timer so completion can stop it.
func (p *PendingWrite) SetTimer(t *time.Timer) { p.timer.Store(t) }
func (p *PendingRead) SetTimer(t *time.Timer)  { p.timer.Store(t) }

func (p *PendingWrite) cleanup() {
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
	if req := p.recvReq.Load(); req != nil {
		req.Cancel()
	}
}

func (p *PendingRead) cleanup() {
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
	if req := p.recvReq.Load(); req != nil {
		req.Cancel()
	}
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager is the process-wide singleton owning the transport context, the
// progress loop, the endpoint registry, and the pending-operation tables.
// Lifecycle state is guarded by one mutex; the pending tables live in
// lock-free maps so promise resolution never holds the transport lock.
type Manager struct {
	mu              sync.Mutex
	initialized     bool
	tctx            *transport.Context
	worker          *transport.Worker
	listener        *transport.Listener
	progressRunning bool
	progressStopCh  chan struct{}

	accepted       []*transport.Endpoint
	dialed         []*transport.Endpoint
	activeReceives []*transport.Request
	serverHandler  ServerHandler

	storage       store.IStore
	pendingWrites *xsync.MapOf[uint64, *PendingWrite]
	pendingReads  *xsync.MapOf[uint64, *PendingRead]
	nextRequestID atomic.Uint64
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

// Instance returns the process-wide Manager.
func Instance() *Manager {
	instanceOnce.Do(func() {
		instance = &Manager{
			pendingWrites: xsync.NewMapOf[uint64, *PendingWrite](),
			pendingReads:  xsync.NewMapOf[uint64, *PendingRead](),
		}
	})
	return instance
}

// Initialize opens the transport context, creates the worker in
// multi-threaded mode, and starts the progress loop. It is idempotent:
// once initialized, later calls return immediately.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	tctx, err := transport.NewContext(transport.Params{
		Features: transport.FeatureTagged |
			transport.FeatureWakeup |
			transport.FeatureActiveMessages |
			transport.FeatureRMA,
	})
	if err != nil {
		return fmt.Errorf("failed to open transport context: %w", err)
	}

	worker, err := tctx.NewWorker(transport.ThreadModeMulti)
	if err != nil {
		tctx.Close()
		return fmt.Errorf("failed to create transport worker: %w", err)
	}

	m.tctx = tctx
	m.worker = worker
	m.initialized = true

	m.startProgressLoopLocked()

	Logger.Infof("transport manager initialized")
	return nil
}

// Worker exposes the transport worker for posting tagged receives.
func (m *Manager) Worker() *transport.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker
}

// GetStorage returns the server-side store, creating it on first use.
func (m *Manager) GetStorage() store.IStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		m.storage = memstore.NewMemStore()
	}
	return m.storage
}

// SetServerHandler installs the dispatch function consuming server
// receives. Must be set before CreateListener.
func (m *Manager) SetServerHandler(h ServerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverHandler = h
}

// --------------------------------------------------------------------------
// Progress Loop
// --------------------------------------------------------------------------

// startProgressLoopLocked starts the dedicated progress goroutine. Caller
// holds m.mu.
func (m *Manager) startProgressLoopLocked() {
	if m.progressRunning {
		return
	}
	m.progressRunning = true
	m.progressStopCh = make(chan struct{})

	go m.progressLoop(m.progressStopCh)
	Logger.Infof("worker progress loop started")
}

// progressLoop polls the worker under the manager lock in a brief
// lock-poll-unlock-sleep cycle. Completion callbacks therefore run while
// the lock is held, which is why callbacks must schedule any work that
// touches the Manager onto a fresh goroutine.
func (m *Manager) progressLoop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		m.mu.Lock()
		if !m.progressRunning || m.worker == nil {
			m.mu.Unlock()
			return
		}
		m.worker.Progress()
		m.mu.Unlock()

		time.Sleep(progressInterval)
	}
}

// --------------------------------------------------------------------------
// Listener / Endpoints
// --------------------------------------------------------------------------

// CreateListener binds the server listener and pre-posts receive buffers
// so the server is ready before any client dials.
func (m *Manager) CreateListener(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return fmt.Errorf("transport manager not initialized")
	}
	if m.serverHandler == nil {
		return fmt.Errorf("no server handler installed")
	}

	listener, err := m.worker.Listen(addr, m.onAccept)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	Logger.Infof("posting %d initial receive buffers", numPrepostedReceives)
	for i := 0; i < numPrepostedReceives; i++ {
		if err := m.postServerReceiveLocked(); err != nil {
			return err
		}
	}

	return nil
}

// ListenerAddr returns the bound listener address, or "" without one.
func (m *Manager) ListenerAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr()
}

// onAccept runs on the transport's accept goroutine, which may hold
// transport-internal state overlapping with the manager lock. The
// insertion into the accepted set is therefore scheduled onto a fresh
// goroutine instead of being performed inline.
func (m *Manager) onAccept(ep *transport.Endpoint) {
	Logger.Infof("new client connection from %s", ep.RemoteAddr())
	go func() {
		m.mu.Lock()
		m.accepted = append(m.accepted, ep)
		n := len(m.accepted)
		m.mu.Unlock()
		Logger.Infof("registered accepted endpoint, total clients: %d", n)
	}()
}

// CreateClientEndpoint dials the server and registers the endpoint for
// cleanup. There is no localhost shortcut; loopback goes through the
// transport like every other connection.
func (m *Manager) CreateClientEndpoint(addr string) (*transport.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("transport manager not initialized")
	}

	ep, err := m.worker.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client endpoint: %w", err)
	}
	m.dialed = append(m.dialed, ep)
	return ep, nil
}

// ResponseEndpoint picks the endpoint to answer a request on: the
// endpoint the request arrived on when the receive info carries it,
// otherwise the most recently accepted endpoint.
func (m *Manager) ResponseEndpoint(from *transport.Endpoint) *transport.Endpoint {
	if from != nil {
		return from
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accepted) == 0 {
		return nil
	}
	return m.accepted[len(m.accepted)-1]
}

// --------------------------------------------------------------------------
// Pending Operation Tables
// --------------------------------------------------------------------------

// GenerateRequestID returns the next correlation id. The counter wraps
// harmlessly at 2^64.
func (m *Manager) GenerateRequestID() uint64 {
	return m.nextRequestID.Add(1)
}

// RegisterPendingWrite inserts an in-flight write keyed by request id.
func (m *Manager) RegisterPendingWrite(pw *PendingWrite) {
	m.pendingWrites.Store(pw.ID, pw)
	metricWriteRequests.Inc()
}

// RegisterPendingRead inserts an in-flight read keyed by request id.
func (m *Manager) RegisterPendingRead(pr *PendingRead) {
	m.pendingReads.Store(pr.ID, pr)
	metricReadRequests.Inc()
}

// CompletePendingWrite resolves and removes a pending write. An unknown id
// (late duplicate response, already timed out) is silently tolerated.
func (m *Manager) CompletePendingWrite(id uint64, err error) {
	pw, ok := m.pendingWrites.LoadAndDelete(id)
	if !ok {
		return
	}
	pw.cleanup()
	pw.Promise.Resolve(err)
	metricWriteResponses.Inc()
}

// CompletePendingRead resolves and removes a pending read. An unknown id
// is silently tolerated.
func (m *Manager) CompletePendingRead(id uint64, res ReadResult, err error) {
	pr, ok := m.pendingReads.LoadAndDelete(id)
	if !ok {
		return
	}
	pr.cleanup()
	pr.Promise.Resolve(res, err)
	metricReadResponses.Inc()
}

// --------------------------------------------------------------------------
// Server Receives and Responses
// --------------------------------------------------------------------------

// PostServerReceive arms one wildcard server receive slot. Safe to call
// from scheduled goroutines; returns an error once the manager is down.
func (m *Manager) PostServerReceive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return fmt.Errorf("transport manager not initialized")
	}
	return m.postServerReceiveLocked()
}

// postServerReceiveLocked allocates a max-frame buffer and posts a receive
// with tag 0 and mask 0 so both request types land in it. Buffer ownership
// passes to the receive callback. Caller holds m.mu.
func (m *Manager) postServerReceiveLocked() error {
	buf := make([]byte, common.MaxFrameSize)
	handler := m.serverHandler

	req, err := m.worker.RecvTagged(0, common.TagMaskWildcard, buf, func(err error, info transport.RecvInfo) {
		handler(buf, err, info)
	})
	if err != nil {
		return fmt.Errorf("failed to post server receive: %w", err)
	}

	m.activeReceives = append(m.activeReceives, req)
	return nil
}

// SendWriteResponse emits a WRITE_RESPONSE frame on the endpoint. The
// response buffer belongs to the transport until the send completes.
func (m *Manager) SendWriteResponse(ep *transport.Endpoint, requestID uint64, statusCode uint32) {
	if ep == nil {
		Logger.Errorf("cannot send write response for request %d: no endpoint", requestID)
		return
	}
	buf := common.EncodeWriteResponse(requestID, statusCode)
	if _, err := ep.SendTagged(common.TagWriteResponse, buf, func(err error) {
		if err != nil {
			Logger.Errorf("write response for request %d failed: %v", requestID, err)
		}
	}); err != nil {
		Logger.Errorf("failed to post write response for request %d: %v", requestID, err)
	}
}

// SendReadResponse emits a READ_RESPONSE frame on the endpoint, carrying
// the value when found and StatusNotFound otherwise.
func (m *Manager) SendReadResponse(ep *transport.Endpoint, requestID uint64, value []byte, found bool) {
	if ep == nil {
		Logger.Errorf("cannot send read response for request %d: no endpoint", requestID)
		return
	}
	buf := common.EncodeReadResponse(requestID, value, found)
	if _, err := ep.SendTagged(common.TagReadResponse, buf, func(err error) {
		if err != nil {
			Logger.Errorf("read response for request %d failed: %v", requestID, err)
		}
	}); err != nil {
		Logger.Errorf("failed to post read response for request %d: %v", requestID, err)
	}
}

// --------------------------------------------------------------------------
// Cancellation and Shutdown
// --------------------------------------------------------------------------

// CancelPendingReceives cancels every outstanding receive. The actual
// completions are delivered by the receive callbacks via progress.
func (m *Manager) CancelPendingReceives() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingReceivesLocked()
}

func (m *Manager) cancelPendingReceivesLocked() {
	Logger.Infof("canceling %d outstanding receives", len(m.activeReceives))
	for _, req := range m.activeReceives {
		req.Cancel()
	}
	m.activeReceives = nil
}

// Shutdown stops the progress loop, cancels receives, destroys the
// listener and all endpoints, resolves every remaining pending operation
// (writes as canceled, reads as missing), drains a bounded number of
// progress ticks so callbacks quiesce, and tears down the worker and
// context. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return
	}
	Logger.Infof("transport manager shutting down")

	// Stop the progress loop first; callbacks are drained manually below.
	m.progressRunning = false
	close(m.progressStopCh)

	m.cancelPendingReceivesLocked()

	if m.listener != nil {
		m.listener.Close()
		m.listener = nil
	}

	for _, ep := range m.accepted {
		ep.Close()
	}
	m.accepted = nil
	for _, ep := range m.dialed {
		ep.Close()
	}
	m.dialed = nil

	// Resolve everything still in flight.
	m.pendingWrites.Range(func(id uint64, pw *PendingWrite) bool {
		m.pendingWrites.Delete(id)
		pw.cleanup()
		pw.Promise.Resolve(ErrShutdown)
		return true
	})
	m.pendingReads.Range(func(id uint64, pr *PendingRead) bool {
		m.pendingReads.Delete(id)
		pr.cleanup()
		pr.Promise.Resolve(ReadResult{}, nil)
		return true
	})

	// Let queued completion callbacks run. They may spawn goroutines that
	// block on m.mu; those observe the de-initialized manager afterwards.
	m.worker.Close()
	for i := 0; i < shutdownDrainTicks; i++ {
		if m.worker.Progress() == 0 {
			break
		}
	}

	m.worker = nil
	m.tctx.Close()
	m.tctx = nil
	m.serverHandler = nil
	m.storage = nil
	m.initialized = false

	Logger.Infof("transport manager shutdown completed")
}

// ResetForTests runs the full shutdown so test cases tolerate singleton
// carryover between cases.
func (m *Manager) ResetForTests() {
	m.Shutdown()
}
