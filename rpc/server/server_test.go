package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/manager"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// startServer brings up the real dispatch on the manager singleton.
func startServer(t *testing.T, addr string) *manager.Manager {
	t.Helper()
	mgr := manager.Instance()
	if err := NewRPCServer(mgr).Serve(addr); err != nil {
		t.Fatalf("server failed to start: %v", err)
	}
	return mgr
}

// rawClient speaks the wire protocol on its own transport worker, so the
// server side can be exercised without the client pipeline.
type rawClient struct {
	t      *testing.T
	worker *transport.Worker
	ep     *transport.Endpoint
	nextID uint64
	stop   func()
}

func newRawClient(t *testing.T, addr string) *rawClient {
	t.Helper()

	tctx, err := transport.NewContext(transport.Params{Features: transport.FeatureTagged})
	if err != nil {
		t.Fatalf("raw client context: %v", err)
	}
	w, err := tctx.NewWorker(transport.ThreadModeMulti)
	if err != nil {
		t.Fatalf("raw client worker: %v", err)
	}

	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			w.Progress()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	ep, err := w.Dial(addr)
	if err != nil {
		t.Fatalf("raw client dial: %v", err)
	}

	return &rawClient{
		t:      t,
		worker: w,
		ep:     ep,
		stop: func() {
			close(stopCh)
			ep.Close()
			w.Close()
			w.Progress()
			tctx.Close()
		},
	}
}

// write issues one write request and waits for the acknowledgement.
func (rc *rawClient) write(key, value []byte) error {
	rc.nextID++
	id := rc.nextID

	buf := make([]byte, common.WriteResponseBufSize)
	done := make(chan error, 1)
	if _, err := rc.worker.RecvTagged(common.TagWriteResponse, common.TagMaskResponses, buf,
		func(err error, info transport.RecvInfo) {
			if err != nil {
				done <- err
				return
			}
			h, statusCode, derr := common.DecodeWriteResponse(buf[:info.Length])
			if derr != nil {
				done <- derr
				return
			}
			if h.RequestID != id {
				done <- fmt.Errorf("response for wrong request %d", h.RequestID)
				return
			}
			if statusCode != common.StatusOK {
				done <- fmt.Errorf("status %d", statusCode)
				return
			}
			done <- nil
		}); err != nil {
		return err
	}

	if _, err := rc.ep.SendTagged(common.TagWriteRequest, common.EncodeWriteRequest(id, key, value), nil); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("write response did not arrive")
	}
}

// read issues one read request and waits for the result.
func (rc *rawClient) read(key []byte) (bool, []byte, error) {
	rc.nextID++
	id := rc.nextID

	buf := make([]byte, common.ReadResponseBufSize)
	type outcome struct {
		found bool
		value []byte
		err   error
	}
	done := make(chan outcome, 1)
	if _, err := rc.worker.RecvTagged(common.TagReadResponse, common.TagMaskResponses, buf,
		func(err error, info transport.RecvInfo) {
			if err != nil {
				done <- outcome{err: err}
				return
			}
			h, statusCode, value, derr := common.DecodeReadResponse(buf[:info.Length])
			if derr != nil {
				done <- outcome{err: derr}
				return
			}
			if h.RequestID != id {
				done <- outcome{err: fmt.Errorf("response for wrong request %d", h.RequestID)}
				return
			}
			done <- outcome{found: statusCode == common.StatusOK, value: append([]byte(nil), value...)}
		}); err != nil {
		return false, nil, err
	}

	if _, err := rc.ep.SendTagged(common.TagReadRequest, common.EncodeReadRequest(id, key), nil); err != nil {
		return false, nil, err
	}

	select {
	case out := <-done:
		return out.found, out.value, out.err
	case <-time.After(5 * time.Second):
		return false, nil, fmt.Errorf("read response did not arrive")
	}
}

// TestServerStoresWrite tests that a write lands in the server store and
// is acknowledged
func TestServerStoresWrite(t *testing.T) {
	mgr := startServer(t, "127.0.0.1:21701")
	defer mgr.ResetForTests()

	rc := newRawClient(t, "127.0.0.1:21701")
	defer rc.stop()

	if err := rc.write([]byte("testkey"), []byte("Data from Node 1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	st := mgr.GetStorage()
	if v, ok := st.Get("testkey"); !ok || !bytes.Equal(v, []byte("Data from Node 1")) {
		t.Errorf("store mismatch: %q found=%v", v, ok)
	}
	if st.Size() != 1 {
		t.Errorf("expected store size 1, got %d", st.Size())
	}
}

// TestSecondClientReads tests that a second connection reads what the
// first one wrote
func TestSecondClientReads(t *testing.T) {
	mgr := startServer(t, "127.0.0.1:21702")
	defer mgr.ResetForTests()

	rc1 := newRawClient(t, "127.0.0.1:21702")
	defer rc1.stop()
	if err := rc1.write([]byte("testkey"), []byte("Data from Node 1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rc2 := newRawClient(t, "127.0.0.1:21702")
	defer rc2.stop()
	found, value, err := rc2.read([]byte("testkey"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !found || !bytes.Equal(value, []byte("Data from Node 1")) {
		t.Errorf("read mismatch: found=%v value=%q", found, value)
	}
}

// TestReadMissing tests a read on a fresh server
func TestReadMissing(t *testing.T) {
	mgr := startServer(t, "127.0.0.1:21703")
	defer mgr.ResetForTests()

	rc := newRawClient(t, "127.0.0.1:21703")
	defer rc.stop()

	found, _, err := rc.read([]byte("absent"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if found {
		t.Errorf("expected missing")
	}
}

// TestCorruptFrameIgnored tests that a frame with a flipped magic number
// does not mutate the store and does not stop the server from serving
// subsequent valid requests
func TestCorruptFrameIgnored(t *testing.T) {
	mgr := startServer(t, "127.0.0.1:21704")
	defer mgr.ResetForTests()

	rc := newRawClient(t, "127.0.0.1:21704")
	defer rc.stop()

	// Flip the magic to 0xDEADBEEE
	frame := common.EncodeWriteRequest(999, []byte("evil"), []byte("payload"))
	binary.LittleEndian.PutUint32(frame[0:4], 0xDEADBEEE)
	if _, err := rc.ep.SendTagged(common.TagWriteRequest, frame, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// A frame with a corrupted payload (checksum mismatch) as well
	frame = common.EncodeWriteRequest(998, []byte("evil2"), []byte("payload"))
	frame[common.HeaderSize] ^= 0xFF
	if _, err := rc.ep.SendTagged(common.TagWriteRequest, frame, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The next valid write must still succeed
	if err := rc.write([]byte("good"), []byte("value")); err != nil {
		t.Fatalf("valid write after corrupt frames failed: %v", err)
	}

	st := mgr.GetStorage()
	if st.Has("evil") || st.Has("evil2") {
		t.Errorf("corrupt frames must not mutate the store")
	}
	if st.Size() != 1 {
		t.Errorf("expected store size 1, got %d", st.Size())
	}
}

// TestHundredWrites tests a sequence of 100 writes all landing in the
// store and reading back
func TestHundredWrites(t *testing.T) {
	mgr := startServer(t, "127.0.0.1:21705")
	defer mgr.ResetForTests()

	rc := newRawClient(t, "127.0.0.1:21705")
	defer rc.stop()

	for i := 0; i < 100; i++ {
		if err := rc.write([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	if n := mgr.GetStorage().Size(); n != 100 {
		t.Errorf("expected store size 100, got %d", n)
	}

	for i := 0; i < 100; i++ {
		found, value, err := rc.read([]byte(fmt.Sprintf("k%d", i)))
		if err != nil || !found || !bytes.Equal(value, []byte(fmt.Sprintf("v%d", i))) {
			t.Fatalf("read k%d mismatch: found=%v value=%q err=%v", i, found, value, err)
		}
	}
}
