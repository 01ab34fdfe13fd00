package memstore

import (
	"sync"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

var (
	metricSets    = metrics.GetOrCreateCounter(`rkv_store_ops_total{op="set"}`)
	metricGets    = metrics.GetOrCreateCounter(`rkv_store_ops_total{op="get"}`)
	metricDeletes = metrics.GetOrCreateCounter(`rkv_store_ops_total{op="delete"}`)
)

// storeImpl is a mapping from key bytes to value bytes guarded by a single
// mutex. Operations never touch the transport and never block on I/O; the
// mutex is held only for the duration of the map access.
type storeImpl struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates a new in-memory store instance. The store lives for
// the lifetime of the process; there is no persistence.
func NewMemStore() store.IStore {
	return &storeImpl{
		data: make(map[string][]byte),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) {
	// Copy before taking the lock so concurrent callers never share the
	// caller's backing array with the map.
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()

	metricSets.Inc()
}

func (s *storeImpl) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	v, ok := s.data[key]
	s.mu.Unlock()

	metricGets.Inc()

	if !ok {
		return nil, false
	}

	// Return an owning copy so the caller can serialize without the lock.
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (s *storeImpl) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *storeImpl) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	if ok {
		delete(s.data, key)
		metricDeletes.Inc()
	}
	return ok
}

func (s *storeImpl) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

func (s *storeImpl) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.data))
}
