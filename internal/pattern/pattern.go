// Package pattern classifies raw vote-page text into the outcome classes
// the orchestration engine reacts to, and extracts a clean, PII-stripped
// message for display. The classification table is hot-reloadable from an
// external YAML override file.
package pattern

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/vorthane/fleetvote/internal/types"
)

// maxPageTextLen bounds the text handed to regex matching to prevent ReDoS
// on pathologically large pages.
const maxPageTextLen = 100 * 1024

// Class is the outcome of classifying one page read.
type Class int

const (
	ClassNone Class = iota
	ClassSuccess
	ClassGlobalHourlyLimit
	ClassInstanceCooldownMismatch
	ClassInstanceCooldownGeneric
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassGlobalHourlyLimit:
		return "global_hourly_limit"
	case ClassInstanceCooldownMismatch:
		return "instance_cooldown_mismatch"
	case ClassInstanceCooldownGeneric:
		return "instance_cooldown_generic"
	default:
		return "none"
	}
}

// FailureKind maps a Class to the FailureKind recorded in the vote log.
// ClassSuccess and ClassNone have no associated failure kind.
func (c Class) FailureKind() types.FailureKind {
	switch c {
	case ClassGlobalHourlyLimit:
		return types.FailureGlobalHourlyLimit
	case ClassInstanceCooldownMismatch:
		return types.FailureProxyIPMismatch
	case ClassInstanceCooldownGeneric:
		return types.FailureInstanceCooldown
	default:
		return types.FailureNone
	}
}

// signal is one compiled phrase bound to the class it indicates.
type signal struct {
	class    Class
	phrase   string // lower-cased literal substring
	original string
}

// table is the full, ordered classification table. Order matters: the
// first matching class in priority order wins.
type table struct {
	globalLimit     []signal
	cooldownGeneric []signal
	success         []signal
}

// overrideFile is the YAML shape an operator can supply to extend the
// built-in phrase table without a recompile.
type overrideFile struct {
	GlobalHourlyLimit []string `yaml:"global_hourly_limit"`
	InstanceCooldown  []string `yaml:"instance_cooldown_generic"`
	Success           []string `yaml:"success"`
}

func defaultTable() *table {
	mk := func(class Class, phrases ...string) []signal {
		out := make([]signal, len(phrases))
		for i, p := range phrases {
			out[i] = signal{class: class, phrase: strings.ToLower(p), original: p}
		}
		return out
	}
	return &table{
		globalLimit: mk(ClassGlobalHourlyLimit,
			"hourly voting limit",
			"hourly limit",
			"voting button is temporarily disabled",
			"will be reactivated at",
		),
		cooldownGeneric: mk(ClassInstanceCooldownGeneric,
			"please come back at your next voting time",
			"already voted",
			"wait before voting again",
		),
		success: mk(ClassSuccess,
			"thank you for voting",
			"vote recorded",
			"your vote has been counted",
		),
	}
}

// mismatchPattern recognizes "someone has already voted out of this ip"
// and captures the offending IP address, if present, for the message.
var mismatchPattern = regexp.MustCompile(`(?i)someone has already voted out of this ip(?:\s*address)?:?\s*([0-9]{1,3}(?:\.[0-9]{1,3}){3})?`)

// nameStripPattern strips a personal-name segment from messages like
// "Voted already Jane Doe!" down to "Voted already!".
var nameStripPattern = regexp.MustCompile(`(?i)(voted already|already)\s+[^!]+!`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Matcher classifies page text against a hot-reloadable pattern table.
// Reads are lock-free (atomic.Value swap); reloads swap in a new table
// under a mutex.
type Matcher struct {
	current atomic.Value // *table

	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	reloadCount  atomic.Int64
}

// NewMatcher builds a Matcher. If overridePath is non-empty and hotReload
// is true, the override file is watched and merged into the built-in
// table on every change.
func NewMatcher(overridePath string, hotReload bool) (*Matcher, error) {
	m := &Matcher{
		externalPath: overridePath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(defaultTable())

	if overridePath != "" {
		if err := m.reload(); err != nil {
			log.Warn().Err(err).Str("path", overridePath).Msg("pattern override failed to load, using embedded defaults")
		}
		if hotReload {
			if err := m.startWatch(); err != nil {
				return nil, fmt.Errorf("pattern: start watch: %w", err)
			}
		}
	}

	return m, nil
}

func (m *Matcher) reload() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		return err
	}
	var ov overrideFile
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse override yaml: %w", err)
	}

	base := defaultTable()
	mk := func(class Class, phrases []string) []signal {
		out := make([]signal, len(phrases))
		for i, p := range phrases {
			out[i] = signal{class: class, phrase: strings.ToLower(p), original: p}
		}
		return out
	}
	t := &table{
		globalLimit:     append(base.globalLimit, mk(ClassGlobalHourlyLimit, ov.GlobalHourlyLimit)...),
		cooldownGeneric: append(base.cooldownGeneric, mk(ClassInstanceCooldownGeneric, ov.InstanceCooldown)...),
		success:         append(base.success, mk(ClassSuccess, ov.Success)...),
	}
	m.current.Store(t)
	m.reloadCount.Add(1)
	log.Info().Str("path", m.externalPath).Int64("reload_count", m.reloadCount.Load()).Msg("pattern table reloaded")
	return nil
}

func (m *Matcher) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.externalPath); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.mu.Lock()
				if err := m.reload(); err != nil {
					log.Warn().Err(err).Msg("pattern: reload after file change failed")
				}
				m.mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("pattern: watcher error")
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if any.
func (m *Matcher) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Classify matches page text against the ordered table: GlobalHourlyLimit
// → InstanceCooldownMismatch → InstanceCooldownGeneric → SuccessIndicator
// → NoKnownSignal.
func (m *Matcher) Classify(pageText, workerEgressIP string) (Class, string) {
	if len(pageText) > maxPageTextLen {
		pageText = pageText[:maxPageTextLen]
	}
	lower := strings.ToLower(pageText)
	t := m.current.Load().(*table)

	for _, s := range t.globalLimit {
		if strings.Contains(lower, s.phrase) {
			return ClassGlobalHourlyLimit, cleanMessage(pageText)
		}
	}

	if loc := mismatchPattern.FindStringSubmatchIndex(lower); loc != nil {
		ip := mismatchPattern.FindStringSubmatch(lower)[1]
		msg := cleanMessage(pageText)
		if ip != "" {
			msg = fmt.Sprintf("%s (observed egress %s, worker egress %s)", msg, ip, workerEgressIP)
		}
		return ClassInstanceCooldownMismatch, msg
	}

	for _, s := range t.cooldownGeneric {
		if strings.Contains(lower, s.phrase) {
			return ClassInstanceCooldownGeneric, cleanMessage(pageText)
		}
	}

	for _, s := range t.success {
		if strings.Contains(lower, s.phrase) {
			return ClassSuccess, cleanMessage(pageText)
		}
	}

	return ClassNone, cleanMessage(pageText)
}

// cleanMessage strips personal-name tokens, collapses whitespace, and
// truncates to 200 characters before a cooldown message is ever surfaced
// or logged.
func cleanMessage(raw string) string {
	cleaned := nameStripPattern.ReplaceAllString(raw, "$1!")
	cleaned = whitespaceRun.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > 200 {
		cleaned = cleaned[:200]
	}
	return cleaned
}
