// Package store is the durable key/value store shared by every tab of
// the same browser profile: credential, guest identity, the active
// conversation reference and the active-tab set all live here. Writes
// are last-write-wins by design; the store is a coarse presence and
// preference record, not a database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Well-known keys.
const (
	KeyCredential         = "auth.credential"
	KeyGuestSessionID     = "guest.sessionId"
	KeyActiveConversation = "conversation.active"
	KeyActiveTabs         = "tabs.active"
	KeyReloadingFlag      = "tabs.reloading"
)

// Store is a file-backed JSON map with atomic replace-on-write.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open prepares a store at path, creating the parent directory if
// needed. The file itself is created lazily on first write.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get reads a single key. The second return is false when the key is
// absent.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Set writes a single key.
func (s *Store) Set(key, value string) error {
	return s.Update(func(m map[string]string) {
		m[key] = value
	})
}

// Delete removes a single key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.Update(func(m map[string]string) {
		delete(m, key)
	})
}

// Update applies a read-modify-write mutation under the store lock.
// The lock only serializes writers within this process; concurrent
// tabs race with last-write-wins semantics.
func (s *Store) Update(fn func(m map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return err
	}
	fn(m)
	return s.write(m)
}

func (s *Store) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	m := map[string]string{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		// A torn cross-process write is recoverable: start over rather
		// than wedging every caller.
		log.Warn().Err(err).Str("path", s.path).Msg("store file corrupt, resetting")
		return map[string]string{}, nil
	}
	return m, nil
}

func (s *Store) write(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// Watch emits a signal whenever the backing file changes, including
// writes made by other tabs. Signals are coalesced; consumers re-read
// whatever keys they care about. The watcher stops when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch store: %w", err)
	}
	// Watch the directory: atomic replace-on-write renames over the
	// file, which would otherwise drop the watch.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch store: %w", err)
	}

	ch := make(chan struct{}, 1)
	name := filepath.Base(s.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("store watcher error")
			}
		}
	}()
	return ch, nil
}
