package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memCacheEntry struct {
	storedAt time.Time
	bytes    []byte
}

type memNamespace struct {
	seq     int
	entries map[string]memCacheEntry
}

// MemCache is a volatile CacheProvider, mostly useful for tests and development.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]*memNamespace
	seq   *int
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]*memNamespace),
		seq:   new(int),
	}
}

func (m MemCache) open(namespace string) *memNamespace {
	ns, ok := m.db[namespace]
	if !ok {
		*m.seq++
		ns = &memNamespace{seq: *m.seq, entries: make(map[string]memCacheEntry)}
		m.db[namespace] = ns
	}
	return ns
}

func (m MemCache) Open(ctx context.Context, namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(namespace)
	return nil
}

func (m MemCache) Namespaces(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.db[names[i]].seq < m.db[names[j]].seq
	})
	return names, nil
}

func (m MemCache) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.db[namespace]
	delete(m.db, namespace)
	return ok, nil
}

func (m MemCache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ns, ok := m.db[namespace]
	if !ok {
		return nil, false, nil
	}
	entry, ok := ns.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(ctx context.Context, namespace, key string, bytes []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// copy, so the caller cannot mutate a stored entry
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(namespace).entries[key] = memCacheEntry{time.Now(), stored}
	return nil
}

func (m MemCache) Delete(ctx context.Context, namespace, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ns, ok := m.db[namespace]
	if !ok {
		return false, nil
	}
	_, ok = ns.entries[key]
	delete(ns.entries, key)
	return ok, nil
}

func (m MemCache) All(ctx context.Context, namespace string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	ns, ok := m.db[namespace]
	if !ok {
		return entries, nil
	}
	for key, val := range ns.entries {
		entries = append(entries, CacheEntry{
			Namespace: namespace,
			Key:       key,
			StoredAt:  val.storedAt,
			Bytes:     val.bytes,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m MemCache) Close() error {
	return nil
}
