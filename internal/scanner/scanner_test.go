package scanner

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/votelog"
)

func newTestScanner(t *testing.T) (*Scanner, *sessionstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store := sessionstore.New(dir)

	vlog, err := votelog.Open(filepath.Join(dir, "votes.csv"), 8)
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	t.Cleanup(func() { _ = vlog.Close() })

	global := globallimit.New()
	s := New(store, vlog, global, func() map[types.InstanceID]bool { return nil }, nil, time.Hour)
	return s, store
}

func seedEligible(t *testing.T, store *sessionstore.Store, id types.InstanceID) {
	t.Helper()
	if err := store.Save(types.SessionRecord{InstanceID: id}); err != nil {
		t.Fatalf("seed instance %d: %v", id, err)
	}
}

func seedInCooldown(t *testing.T, store *sessionstore.Store, id types.InstanceID) {
	t.Helper()
	now := time.Now()
	if err := store.Save(types.SessionRecord{InstanceID: id, LastSuccessTime: &now}); err != nil {
		t.Fatalf("seed instance %d: %v", id, err)
	}
}

func TestTickSpawnsAtMostOnePerTick(t *testing.T) {
	s, store := newTestScanner(t)
	seedEligible(t, store, 3)
	seedEligible(t, store, 1)
	seedEligible(t, store, 2)

	var mu sync.Mutex
	var spawned []types.InstanceID
	s.trySpawn = func(id types.InstanceID) {
		mu.Lock()
		spawned = append(spawned, id)
		mu.Unlock()
	}

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	if len(spawned) != 1 {
		t.Fatalf("spawned %d instances in one tick, want exactly 1: %v", len(spawned), spawned)
	}
	if spawned[0] != types.InstanceID(1) {
		t.Errorf("spawned instance %d, want the lowest ready id (1)", spawned[0])
	}
}

func TestTickSkipsOwnedInstances(t *testing.T) {
	s, store := newTestScanner(t)
	seedEligible(t, store, 1)
	seedEligible(t, store, 2)

	s.owned = func() map[types.InstanceID]bool {
		return map[types.InstanceID]bool{1: true}
	}

	var spawned []types.InstanceID
	s.trySpawn = func(id types.InstanceID) { spawned = append(spawned, id) }

	s.tick()

	if len(spawned) != 1 || spawned[0] != types.InstanceID(2) {
		t.Fatalf("spawned = %v, want exactly instance 2 (1 is owned)", spawned)
	}
}

func TestTickSkipsInstancesInCooldown(t *testing.T) {
	s, store := newTestScanner(t)
	seedInCooldown(t, store, 1)

	var spawned []types.InstanceID
	s.trySpawn = func(id types.InstanceID) { spawned = append(spawned, id) }

	s.tick()

	if len(spawned) != 0 {
		t.Fatalf("spawned %v, want none: instance is still in its per-worker cooldown", spawned)
	}
}

func TestTickNoCandidatesDoesNotSpawn(t *testing.T) {
	s, _ := newTestScanner(t)

	called := false
	s.trySpawn = func(id types.InstanceID) { called = true }

	s.tick()

	if called {
		t.Fatal("trySpawn called with an empty session store")
	}
}
