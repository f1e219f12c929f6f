package storefake

import (
	"sort"
	"strings"
	"sync"

	"github.com/jrsteele09/go-session-reconciler/sessionstore"
)

var _ sessionstore.Store = (*FakeStore)(nil)

// FakeStore is an in-memory Store for tests.
type FakeStore struct {
	values map[string]string
	lock   sync.RWMutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		values: make(map[string]string),
	}
}

func (fs *FakeStore) ListKeys(prefix string) []string {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	keys := make([]string, 0)
	for key := range fs.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (fs *FakeStore) Get(key string) (string, bool) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	value, ok := fs.values[key]
	return value, ok
}

func (fs *FakeStore) Set(key, value string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.values[key] = value
}

func (fs *FakeStore) Remove(key string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	delete(fs.values, key)
}
