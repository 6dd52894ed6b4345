// Package userconfig is the JSON-file configuration layer at
// <root>/user_config.json, holding the operator-editable
// voting_url/bright_data_username/bright_data_password document. Reads
// are lock-free (atomic.Value swap) and the file is hot-reloaded with
// fsnotify, the same idiom internal/pattern uses for its own
// hot-reloadable state.
package userconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Doc is the on-disk shape of user_config.json.
type Doc struct {
	VotingURL         string `json:"voting_url"`
	BrightDataUser    string `json:"bright_data_username"`
	BrightDataPass    string `json:"bright_data_password"`
}

// Store is a hot-reloadable handle on one user_config.json file.
type Store struct {
	path    string
	current atomic.Value // Doc

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// Open loads path if it exists (a missing file is not an error — it means
// the operator has not configured anything via the control plane yet) and
// starts watching it for writes from POST /api/config.
func Open(path string) (*Store, error) {
	s := &Store{path: path, stopCh: make(chan struct{})}
	s.current.Store(Doc{})

	if _, err := os.Stat(path); err == nil {
		if err := s.reload(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("userconfig: failed to load existing file, starting empty")
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("userconfig: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("userconfig: watch dir: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.mu.Lock()
			if err := s.reload(); err != nil {
				log.Warn().Err(err).Msg("userconfig: reload after file change failed")
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("userconfig: watcher error")
		}
	}
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("userconfig: parse: %w", err)
	}
	s.current.Store(d)
	log.Info().Str("path", s.path).Msg("user config reloaded")
	return nil
}

// Get returns the current document without blocking on writers.
func (s *Store) Get() Doc {
	return s.current.Load().(Doc)
}

// Save atomically writes doc to disk (write-to-tmp, rename) and updates
// the in-memory copy immediately, so a POST /api/config handler observes
// its own write without waiting on the fsnotify round trip.
func (s *Store) Save(doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("userconfig: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("userconfig: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("userconfig: rename: %w", err)
	}
	s.current.Store(doc)
	return nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.watcher.Close()
}

// Resolved composes the configuration priority order: a request-scoped
// override (passed in by a start-monitoring call) beats the Doc on file,
// which beats the supplied environment defaults.
type Resolved struct {
	VotingURL      string
	BrightDataUser string
	BrightDataPass string
}

// Resolve applies the override > file > env-default priority order.
// override fields are applied only when non-empty.
func Resolve(override Doc, file Doc, envDefault Doc) Resolved {
	pick := func(o, f, e string) string {
		if o != "" {
			return o
		}
		if f != "" {
			return f
		}
		return e
	}
	return Resolved{
		VotingURL:      pick(override.VotingURL, file.VotingURL, envDefault.VotingURL),
		BrightDataUser: pick(override.BrightDataUser, file.BrightDataUser, envDefault.BrightDataUser),
		BrightDataPass: pick(override.BrightDataPass, file.BrightDataPass, envDefault.BrightDataPass),
	}
}
