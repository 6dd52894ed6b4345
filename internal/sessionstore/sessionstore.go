// Package sessionstore is the filesystem-backed directory of persisted
// browser-session identities, keyed by instance id. Each instance gets its
// own directory holding the driver's opaque storage-state blob and a small
// JSON sidecar of bookkeeping fields. Writes are atomic (write to a
// sibling .tmp file, then os.Rename) so a crash mid-write never leaves a
// half-written file behind for the next Load to trip over — the same
// TOCTOU care the browser pool applies to in-memory state, applied here to
// on-disk state instead.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vorthane/fleetvote/internal/types"
)

// listStatConcurrency bounds how many instance directories List stats
// at once, so a session root with thousands of stale directories does
// not open thousands of file descriptors in one burst.
const listStatConcurrency = 8

const (
	dirName          = "session_data"
	instancePrefix   = "instance_"
	storageStateFile = "storage_state.json"
	sessionInfoFile  = "session_info.json"
)

// sessionInfo is the on-disk shape of session_info.json.
type sessionInfo struct {
	InstanceID   int        `json:"instance_id"`
	ProxyIP      string     `json:"proxy_ip"`
	SessionID    string     `json:"session_id"`
	LastVoteTime *time.Time `json:"last_vote_time,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt_time,omitempty"`
	VoteCount    int        `json:"vote_count"`
}

// Store manages <root>/session_data/instance_<id>/ directories.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory tree is created lazily
// on first Save, not touching disk until there is something to write.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) instanceDir(id types.InstanceID) string {
	return filepath.Join(s.root, dirName, instancePrefix+strconv.Itoa(int(id)))
}

// Exists reports whether a session directory for id has been persisted.
func (s *Store) Exists(id types.InstanceID) bool {
	info, err := os.Stat(filepath.Join(s.instanceDir(id), sessionInfoFile))
	return err == nil && !info.IsDir()
}

// List returns every instance id with a persisted session directory,
// sorted ascending. Directories that do not parse as instance_<n> are
// skipped (not an error: the session root is not exclusively ours once an
// operator starts poking around in it).
//
// A candidate directory is only included once its session_info.json is
// confirmed present: Save creates the instance directory with MkdirAll
// before it atomically writes that file, so a directory can briefly
// exist with nothing in it yet. Confirming each candidate costs one
// Stat, and the candidate count can run into the thousands on a
// long-lived fleet, so the stats run concurrently (bounded by
// listStatConcurrency) via errgroup rather than one at a time.
func (s *Store) List() ([]types.InstanceID, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}

	var candidates []types.InstanceID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), instancePrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), instancePrefix))
		if err != nil {
			continue
		}
		candidates = append(candidates, types.InstanceID(n))
	}

	confirmed := make([]types.InstanceID, 0, len(candidates))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(listStatConcurrency)
	for _, id := range candidates {
		id := id
		g.Go(func() error {
			if !s.Exists(id) {
				return nil
			}
			mu.Lock()
			confirmed = append(confirmed, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // Exists never errors; nothing for Wait to propagate

	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i] < confirmed[j] })
	return confirmed, nil
}

// Load reads the persisted SessionRecord for id.
func (s *Store) Load(id types.InstanceID) (types.SessionRecord, error) {
	dir := s.instanceDir(id)

	raw, err := os.ReadFile(filepath.Join(dir, sessionInfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return types.SessionRecord{}, types.ErrSessionNotFound
		}
		return types.SessionRecord{}, fmt.Errorf("sessionstore: read session_info: %w", err)
	}
	var info sessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return types.SessionRecord{}, fmt.Errorf("sessionstore: parse session_info: %w", err)
	}

	storageState, err := os.ReadFile(filepath.Join(dir, storageStateFile))
	if err != nil && !os.IsNotExist(err) {
		return types.SessionRecord{}, fmt.Errorf("sessionstore: read storage_state: %w", err)
	}

	return types.SessionRecord{
		InstanceID:      id,
		StorageState:    storageState,
		LastKnownEgress: info.ProxyIP,
		SessionID:       info.SessionID,
		LastSuccessTime: info.LastVoteTime,
		LastAttemptTime: info.LastAttempt,
		VoteCount:       info.VoteCount,
	}, nil
}

// Save persists rec atomically: both files are written to a sibling .tmp
// path and renamed into place, so a reader never observes a partially
// written file. The storage-state file is only (re)written when
// rec.StorageState is non-nil, so a bookkeeping-only update (e.g. after a
// failed vote) does not need the caller to re-read-and-pass-through the
// driver blob.
func (s *Store) Save(rec types.SessionRecord) error {
	dir := s.instanceDir(rec.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}

	info := sessionInfo{
		InstanceID:   int(rec.InstanceID),
		ProxyIP:      rec.LastKnownEgress,
		SessionID:    rec.SessionID,
		LastVoteTime: rec.LastSuccessTime,
		LastAttempt:  rec.LastAttemptTime,
		VoteCount:    rec.VoteCount,
	}
	infoBytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session_info: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(dir, sessionInfoFile), infoBytes); err != nil {
		return fmt.Errorf("sessionstore: write session_info: %w", err)
	}

	if rec.StorageState != nil {
		if err := atomicWriteFile(filepath.Join(dir, storageStateFile), rec.StorageState); err != nil {
			return fmt.Errorf("sessionstore: write storage_state: %w", err)
		}
	}
	return nil
}

// atomicWriteFile writes data to a .tmp sibling of path, fsyncs it, then
// renames it over path. os.Rename is atomic within the same filesystem.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
