package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

// memStore is an in-memory ObjectStore for exercising the state store
// without a real provider. Failures are injected per operation name ("put",
// "get", "list", "delete") or per "op bucket/key"; puts records completed
// writes in order so tests can assert write ordering.
type memStore struct {
	mu        sync.Mutex
	buckets   map[string]map[string][]byte
	versioned map[string]bool
	failures  map[string]error
	puts      []string
}

func newMemStore() *memStore {
	return &memStore{
		buckets:   make(map[string]map[string][]byte),
		versioned: make(map[string]bool),
		failures:  make(map[string]error),
	}
}

func (m *memStore) fail(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[target] = err
}

func (m *memStore) injected(op, bucket, key string) error {
	if err, ok := m.failures[op+" "+bucket+"/"+key]; ok {
		return err
	}
	if err, ok := m.failures[op]; ok {
		return err
	}
	return nil
}

func (m *memStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("put", bucket, key); err != nil {
		return err
	}
	objects, ok := m.buckets[bucket]
	if !ok {
		return storage.ErrBucketNotFound
	}
	objects[key] = append([]byte(nil), data...)
	m.puts = append(m.puts, bucket+"/"+key)
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("get", bucket, key); err != nil {
		return nil, err
	}
	objects, ok := m.buckets[bucket]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	data, ok := objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("list", bucket, prefix); err != nil {
		return nil, err
	}
	objects, ok := m.buckets[bucket]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	var keys []string
	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("delete", bucket, key); err != nil {
		return err
	}
	if objects, ok := m.buckets[bucket]; ok {
		delete(objects, key)
	}
	return nil
}

func (m *memStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("bucket_exists", bucket, ""); err != nil {
		return false, err
	}
	_, ok := m.buckets[bucket]
	return ok, nil
}

func (m *memStore) MakeBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("make_bucket", bucket, ""); err != nil {
		return err
	}
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *memStore) EnableVersioning(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("enable_versioning", bucket, ""); err != nil {
		return err
	}
	m.versioned[bucket] = true
	return nil
}

// object returns the raw stored bytes, bypassing the Store.
func (m *memStore) object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.buckets[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objects[key]
	return data, ok
}

// overwrite replaces stored bytes in place, bypassing the Store.
func (m *memStore) overwrite(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if objects, ok := m.buckets[bucket]; ok {
		objects[key] = append([]byte(nil), data...)
	}
}

// remove drops an object in place, bypassing the Store.
func (m *memStore) remove(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if objects, ok := m.buckets[bucket]; ok {
		delete(objects, key)
	}
}

// objectCount counts objects under a prefix, bypassing the Store.
func (m *memStore) objectCount(bucket, prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// putOrder returns the completed writes recorded so far.
func (m *memStore) putOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}
