// Package scanner implements the ReadyScanner: a periodic ticker that
// finds at most one cooldown-eligible instance per tick and hands it to
// the Supervisor to launch, using the same ticker+stopCh+wg background-job
// shape as the fleet's other periodic routines.
package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/cooldown"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/votelog"
)

// DefaultInterval is SESSION_SCAN_INTERVAL.
const DefaultInterval = 30 * time.Second

// Owned reports the set of instance ids currently under an active
// WorkerInstance, keyed however the Supervisor tracks ownership. Called
// once per tick, before enumerating the SessionStore.
type Owned func() map[types.InstanceID]bool

// TrySpawn asks the Supervisor to launch id. It must return quickly;
// Supervisor performs the actual launch asynchronously.
type TrySpawn func(id types.InstanceID)

// Scanner is the ReadyScanner. Zero value is not usable; construct with
// New.
type Scanner struct {
	store    *sessionstore.Store
	log      *votelog.Log
	global   *globallimit.Gate
	clock    cooldown.Clock
	owned    Owned
	trySpawn TrySpawn
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scanner. interval<=0 uses DefaultInterval.
func New(store *sessionstore.Store, vlog *votelog.Log, global *globallimit.Gate, owned Owned, trySpawn TrySpawn, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{
		store:    store,
		log:      vlog,
		global:   global,
		owned:    owned,
		trySpawn: trySpawn,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan loop in a background goroutine.
func (s *Scanner) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit and waits for it.
func (s *Scanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scanner) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs exactly one scan. It is a separate unexported method so tests
// in this package can drive it without waiting on the real ticker.
func (s *Scanner) tick() {
	ownedSet := s.owned()

	ids, err := s.store.List()
	if err != nil {
		log.Warn().Err(err).Msg("scanner: failed to list session store")
		return
	}

	lastSuccess := s.log.LastSuccessByInstance()
	snap := s.global.Snapshot()
	now := time.Now()

	var ready []types.InstanceID
	waiting := 0
	for _, id := range ids {
		if ownedSet[id] {
			continue
		}
		rec, err := s.store.Load(id)
		if err != nil {
			log.Warn().Err(err).Int("instance_id", int(id)).Msg("scanner: failed to load session")
			continue
		}
		st := cooldown.WorkerCooldownState{LastSuccessTime: rec.LastSuccessTime}
		if t, ok := lastSuccess[id]; ok && (st.LastSuccessTime == nil || t.After(*st.LastSuccessTime)) {
			st.LastSuccessTime = &t
		}
		if s.clock.SecondsUntilEligible(st, snap, now) == 0 {
			ready = append(ready, id)
		} else {
			waiting++
		}
	}

	if len(ready) == 0 {
		return
	}

	// Deterministic pick among ready candidates: lowest instance id first.
	// Only one is ever spawned per tick; a stable order keeps behavior
	// reproducible across ticks instead of depending on map iteration
	// order.
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	chosen := ready[0]

	if len(ready) > 1 {
		log.Debug().Int("ready_count", len(ready)).Int("chosen", int(chosen)).Msg("scanner: multiple instances ready, spawning one this tick")
	}
	if waiting > 0 {
		log.Debug().Int("waiting_count", waiting).Msg("scanner: instances still in cooldown")
	}

	s.trySpawn(chosen)
}
