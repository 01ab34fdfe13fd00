package driver

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/manager"
	"github.com/ValentinKolb/rKV/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("driver")

// ErrNotImplemented marks operations outside the remote protocol.
var ErrNotImplemented = errors.New("operation not implemented")

// Spec selects the driver role. Exactly one of the two addresses must be
// set: ListenAddr starts a memory server, RemoteAddr connects a client.
type Spec struct {
	ListenAddr string `json:"listen_addr,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	// Timeout is the per-request deadline for client-role operations.
	// Zero selects client.DefaultTimeout; negative disables deadlines.
	Timeout time.Duration `json:"-"`
}

// WriteResult stamps a completed write with a generation token and time.
type WriteResult struct {
	Generation string
	Time       time.Time
}

// ReadResult is the outcome of a read: a value or missing, stamped with
// the time. Only a found value carries a generation token.
type ReadResult struct {
	Found      bool
	Value      []byte
	Generation string
	Time       time.Time
}

// WriteFuture resolves with the write outcome.
type WriteFuture struct {
	await func() (WriteResult, error)
}

func (f *WriteFuture) Await() (WriteResult, error) { return f.await() }

// ReadFuture resolves with the read outcome.
type ReadFuture struct {
	await func() (ReadResult, error)
}

func (f *ReadFuture) Await() (ReadResult, error) { return f.await() }

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// Driver is the role-dispatching facade over the store and the client
// pipeline. Server role serves the in-memory store over the transport and
// answers local calls directly; client role forwards reads and writes to
// the remote server.
type Driver struct {
	spec       Spec
	serverMode bool
	mgr        *manager.Manager
	store      store.IStore   // server role
	client     *client.Client // client role
}

// Open validates the spec, initializes the transport manager, and brings
// up the requested role.
func Open(spec Spec) (*Driver, error) {
	if spec.ListenAddr != "" && spec.RemoteAddr != "" {
		return nil, fmt.Errorf("cannot specify both listen_addr and remote_addr")
	}
	if spec.ListenAddr == "" && spec.RemoteAddr == "" {
		return nil, fmt.Errorf("must specify either listen_addr (server mode) or remote_addr (client mode)")
	}

	d := &Driver{spec: spec, mgr: manager.Instance()}

	if spec.ListenAddr != "" {
		srv := server.NewRPCServer(d.mgr)
		if err := srv.Serve(spec.ListenAddr); err != nil {
			return nil, err
		}
		d.serverMode = true
		d.store = d.mgr.GetStorage()
		Logger.Infof("driver opened in server mode on %s", spec.ListenAddr)
		return d, nil
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = client.DefaultTimeout
	} else if timeout < 0 {
		timeout = 0
	}
	c, err := client.NewClient(spec.RemoteAddr, timeout)
	if err != nil {
		return nil, err
	}
	d.client = c
	Logger.Infof("driver opened in client mode to %s", spec.RemoteAddr)
	return d, nil
}

// ServerMode reports the driver's role.
func (d *Driver) ServerMode() bool { return d.serverMode }

// Write stores key/value: directly in server role, through the request
// pipeline in client role.
func (d *Driver) Write(key string, value []byte) *WriteFuture {
	if d.serverMode {
		d.store.Set(key, value)
		res := WriteResult{Generation: localGeneration(), Time: time.Now()}
		return &WriteFuture{await: func() (WriteResult, error) { return res, nil }}
	}

	wf := d.client.Write([]byte(key), value)
	return &WriteFuture{await: func() (WriteResult, error) {
		gen, err := wf.Await()
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Generation: gen.Token, Time: gen.Time}, nil
	}}
}

// Read fetches the value for key: directly in server role, through the
// request pipeline in client role. An absent key resolves as missing, not
// as an error.
func (d *Driver) Read(key string) *ReadFuture {
	if d.serverMode {
		v, found := d.store.Get(key)
		res := ReadResult{Found: found, Value: v, Time: time.Now()}
		if found {
			res.Generation = localGeneration()
		}
		return &ReadFuture{await: func() (ReadResult, error) { return res, nil }}
	}

	rf := d.client.Read([]byte(key))
	return &ReadFuture{await: func() (ReadResult, error) {
		r, err := rf.Await()
		if err != nil {
			return ReadResult{}, err
		}
		res := ReadResult{Found: r.Found, Value: r.Value, Time: time.Now()}
		if r.Found {
			res.Generation = localGeneration()
		}
		return res, nil
	}}
}

// Delete removes a key. Server role only; the remote protocol does not
// carry deletes.
func (d *Driver) Delete(key string) (bool, error) {
	if !d.serverMode {
		return false, fmt.Errorf("delete over the wire: %w", ErrNotImplemented)
	}
	return d.store.Delete(key), nil
}

// Keys enumerates stored keys. Server role only.
func (d *Driver) Keys() ([]string, error) {
	if !d.serverMode {
		return nil, fmt.Errorf("list over the wire: %w", ErrNotImplemented)
	}
	return d.store.Keys(), nil
}

// Size reports the number of stored keys. Server role only.
func (d *Driver) Size() (uint64, error) {
	if !d.serverMode {
		return 0, fmt.Errorf("size over the wire: %w", ErrNotImplemented)
	}
	return d.store.Size(), nil
}

// DeleteRange is not part of the remote protocol.
func (d *Driver) DeleteRange(start, end string) error {
	return fmt.Errorf("delete range: %w", ErrNotImplemented)
}

// List is not part of the remote protocol.
func (d *Driver) List() ([]string, error) {
	return nil, fmt.Errorf("list: %w", ErrNotImplemented)
}

// localGeneration stamps server-local operations from the nanosecond clock.
func localGeneration() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
