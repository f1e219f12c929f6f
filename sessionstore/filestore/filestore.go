package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/pkg/errors"
)

var _ sessionstore.Store = (*FileStore)(nil)

// FileStore persists keys as a single JSON document under the data folder.
// Writes are flushed through on every mutation; a write failure leaves the
// in-memory view authoritative until the next successful flush, matching the
// best-effort contract of sessionstore.Store.
type FileStore struct {
	path   string
	values map[string]string
	lock   sync.RWMutex
}

// New opens (or creates) the store file at dataFolder/filename.
func New(dataFolder, filename string) (*FileStore, error) {
	if err := os.MkdirAll(dataFolder, 0o700); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] os.MkdirAll")
	}

	fs := &FileStore{
		path:   filepath.Join(dataFolder, filename),
		values: make(map[string]string),
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, errors.Wrap(err, "[filestore.New] os.ReadFile")
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fs.values); err != nil {
			// Corrupt store file: start fresh rather than refusing to boot.
			fs.values = make(map[string]string)
		}
	}
	return fs, nil
}

func (fs *FileStore) ListKeys(prefix string) []string {
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

func (fs *FileStore) Get(key string) (string, bool) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	value, ok := fs.values[key]
	return value, ok
}

func (fs *FileStore) Set(key, value string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.values[key] = value
	fs.flush()
}

func (fs *FileStore) Remove(key string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	delete(fs.values, key)
	fs.flush()
}

// flush writes the current map through a temp file rename. Caller holds the
// write lock.
func (fs *FileStore) flush() {
	data, err := json.MarshalIndent(fs.values, "", "  ")
	if err != nil {
		return
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, fs.path)
}
