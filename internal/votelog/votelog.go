// Package votelog is the append-only, durable record of every vote attempt
// the fleet has made, successful or not. It is the source of truth for
// per-instance cooldown decisions across process restarts. The session
// store also persists a last-success time per instance; the ReadyScanner
// uses whichever of the two is later.
package votelog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/types"
)

var header = []string{
	"timestamp", "instance_id", "instance_name", "time_of_click", "status",
	"voting_url", "cooldown_message", "failure_type", "failure_reason",
	"initial_vote_count", "final_vote_count", "proxy_ip", "session_id",
	"click_attempts", "error_message", "browser_closed",
}

// writeRequest pairs an attempt with the channel its Append call is
// blocked on, so the single writer goroutine can report durability back to
// the caller without a second round of locking.
type writeRequest struct {
	attempt types.VoteAttempt
	done    chan error
}

// Stats is a snapshot of the in-memory counters VoteLog maintains
// alongside the durable CSV. Counters start at zero on process start, as
// required: they are a session view, not a durable aggregate.
type Stats struct {
	TotalAttempts   int64
	Successful      int64
	Failed          int64
	HourlyLimitHits int64
	SuccessRate     float64
}

// Log is the append-only vote log. One Log owns exactly one writer
// goroutine, so that ordering across the file is total even though many
// WorkerInstance goroutines call Append concurrently.
type Log struct {
	path string

	mu     sync.Mutex // guards file, writer, lastSuccess, rowCount
	file   *os.File
	writer *csv.Writer

	lastSuccess map[types.InstanceID]time.Time
	rowCount    int

	queue  chan writeRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	totalAttempts   atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	hourlyLimitHits atomic.Int64
}

// Open opens (creating if absent) the CSV file at path and rebuilds the
// in-memory lastSuccessByInstance map by scanning its existing rows; the
// session counters start at zero. queueSize bounds how many pending Append
// calls may queue before callers block — the single-writer task applies
// backpressure rather than unbounded buffering.
func Open(path string, queueSize int) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("votelog: create parent dir: %w", err)
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	l := &Log{
		path:        path,
		lastSuccess: make(map[types.InstanceID]time.Time),
		queue:       make(chan writeRequest, queueSize),
		stopCh:      make(chan struct{}),
	}

	if existed {
		if err := l.rebuildFromDisk(); err != nil {
			return nil, fmt.Errorf("votelog: rebuild from disk: %w", err)
		}
		// Only lastSuccess survives a restart; the session counters the
		// rebuild bumped start over at zero.
		l.totalAttempts.Store(0)
		l.successful.Store(0)
		l.failed.Store(0)
		l.hourlyLimitHits.Store(0)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("votelog: open for append: %w", err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)

	if !existed {
		if err := l.writer.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("votelog: write header: %w", err)
		}
		l.writer.Flush()
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("votelog: sync header: %w", err)
		}
	}

	l.wg.Add(1)
	go l.writeLoop()

	log.Info().Str("path", path).Int("rows_recovered", l.rowCount).Msg("vote log opened")
	return l, nil
}

// rebuildFromDisk scans the existing CSV once at startup to recover
// lastSuccessByInstance (Open then resets the session counters it also
// bumps). Malformed trailing rows
// (a crash mid-write) are logged and skipped rather than failing startup.
func (l *Log) rebuildFromDisk() error {
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	first := true
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == "timestamp" {
				continue
			}
		}
		if len(rec) != len(header) {
			log.Warn().Int("fields", len(rec)).Msg("vote log: skipping malformed row during recovery")
			continue
		}
		l.rowCount++
		l.applyCountersLocked(rec)
	}
	return nil
}

// applyCountersLocked updates the in-memory counters and lastSuccess map
// for one parsed row. Called without the lock during rebuild (Open has not
// yet started the writer goroutine or returned the Log), and from writeOne
// with l.mu held on append.
func (l *Log) applyCountersLocked(rec []string) {
	status := rec[4]
	failureType := rec[7]

	l.totalAttempts.Add(1)
	switch status {
	case string(types.StatusSuccess):
		l.successful.Add(1)
		instanceID, err := strconv.Atoi(rec[1])
		if err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, rec[0]); err == nil {
				if prev, ok := l.lastSuccess[types.InstanceID(instanceID)]; !ok || ts.After(prev) {
					l.lastSuccess[types.InstanceID(instanceID)] = ts
				}
			}
		}
	default:
		l.failed.Add(1)
	}
	if failureType == string(types.FailureGlobalHourlyLimit) {
		l.hourlyLimitHits.Add(1)
	}
}

// Append durably records one attempt: the call blocks until the row has
// been written, flushed, and fsynced by the single writer goroutine, or
// until ctx-independent shutdown happens first.
func (l *Log) Append(attempt types.VoteAttempt) error {
	if l.closed.Load() {
		return fmt.Errorf("votelog: log is closed")
	}
	req := writeRequest{attempt: attempt, done: make(chan error, 1)}
	select {
	case l.queue <- req:
	case <-l.stopCh:
		return fmt.Errorf("votelog: log is closing")
	}
	return <-req.done
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.queue:
			req.done <- l.writeOne(req.attempt)
		case <-l.stopCh:
			// Drain anything already queued before exiting so callers
			// blocked in Append get a definitive answer.
			for {
				select {
				case req := <-l.queue:
					req.done <- fmt.Errorf("votelog: log is closing")
				default:
					return
				}
			}
		}
	}
}

func (l *Log) writeOne(a types.VoteAttempt) error {
	rec := []string{
		a.Timestamp.Format(time.RFC3339Nano),
		strconv.Itoa(int(a.InstanceID)),
		a.InstanceName,
		a.TimeOfClick.Format(time.RFC3339Nano),
		string(a.Status),
		a.VotingURL,
		a.CooldownMsg,
		string(a.FailureType),
		a.FailureReason,
		intPtrToString(a.InitialCount),
		intPtrToString(a.FinalCount),
		a.ProxyIP,
		a.SessionID,
		strconv.Itoa(a.ClickAttempts),
		a.ErrorMessage,
		strconv.FormatBool(a.BrowserClosed),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Write(rec); err != nil {
		return fmt.Errorf("votelog: write row: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("votelog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("votelog: fsync: %w", err)
	}

	l.rowCount++
	l.applyCountersLocked(rec)
	return nil
}

func intPtrToString(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

// LastSuccessByInstance returns a snapshot of the most recent successful
// vote time per instance, as recovered from disk at startup and kept
// current by every subsequent Append.
func (l *Log) LastSuccessByInstance() map[types.InstanceID]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.InstanceID]time.Time, len(l.lastSuccess))
	for k, v := range l.lastSuccess {
		out[k] = v
	}
	return out
}

// SessionStats returns the in-memory counters. They reset to zero at
// process start, independent of what rebuildFromDisk recovers for
// lastSuccess — only lastSuccessByInstance survives a restart.
func (l *Log) SessionStats() Stats {
	total := l.totalAttempts.Load()
	successful := l.successful.Load()
	stats := Stats{
		TotalAttempts:   total,
		Successful:      successful,
		Failed:          l.failed.Load(),
		HourlyLimitHits: l.hourlyLimitHits.Load(),
	}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total)
	}
	return stats
}

// Close stops the writer goroutine, draining anything already queued, and
// closes the underlying file.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopCh)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}

// Compact rewrites the log to a bounded size: one row per instance (its
// most recent success or, absent one, its most recent attempt) plus the
// most recent keepTail rows overall. Not part of the documented contract —
// a long-running fleet with an ever-growing CSV needs a bounded-disk
// option, so this is offered as an explicit call rather than automatic
// truncation; nothing in the daemon calls it.
func (l *Log) Compact(keepTail int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writer.Flush()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("votelog: compact: close before read: %w", err)
	}

	rows, err := readAllRows(l.path)
	if err != nil {
		return fmt.Errorf("votelog: compact: read rows: %w", err)
	}

	keepByInstance := make(map[string][]string)
	for _, rec := range rows {
		prev, ok := keepByInstance[rec[1]]
		if !ok || rec[4] == string(types.StatusSuccess) || prev[4] != string(types.StatusSuccess) {
			keepByInstance[rec[1]] = rec
		}
	}

	tailStart := len(rows) - keepTail
	if tailStart < 0 {
		tailStart = 0
	}
	tail := rows[tailStart:]

	written := make(map[string]struct{})
	out := make([][]string, 0, len(keepByInstance)+len(tail))
	for _, rec := range keepByInstance {
		out = append(out, rec)
		written[rowKey(rec)] = struct{}{}
	}
	for _, rec := range tail {
		if _, ok := written[rowKey(rec)]; ok {
			continue
		}
		out = append(out, rec)
	}

	tmpPath := l.path + ".compact.tmp"
	if err := writeRows(tmpPath, out); err != nil {
		return fmt.Errorf("votelog: compact: write replacement: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("votelog: compact: rename: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("votelog: compact: reopen: %w", err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)
	log.Info().Int("rows_kept", len(out)).Msg("vote log compacted")
	return nil
}

func rowKey(rec []string) string {
	return rec[0] + "|" + rec[1]
}

func readAllRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	var rows [][]string
	first := true
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == "timestamp" {
				continue
			}
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func writeRows(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range rows {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
