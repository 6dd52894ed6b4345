package votelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/types"
)

func intPtr(n int) *int { return &n }

func TestAppendAndSessionStats(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "votes.csv"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	now := time.Now()
	ok := types.VoteAttempt{
		Timestamp:  now,
		InstanceID: 1,
		Status:     types.StatusSuccess,
		InitialCount: intPtr(10),
		FinalCount:   intPtr(11),
	}
	if err := l.Append(ok); err != nil {
		t.Fatalf("Append success: %v", err)
	}

	fail := types.VoteAttempt{
		Timestamp:   now,
		InstanceID:  2,
		Status:      types.StatusFailed,
		FailureType: types.FailureGlobalHourlyLimit,
	}
	if err := l.Append(fail); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	stats := l.SessionStats()
	if stats.TotalAttempts != 2 {
		t.Errorf("TotalAttempts = %d, want 2", stats.TotalAttempts)
	}
	if stats.Successful != 1 {
		t.Errorf("Successful = %d, want 1", stats.Successful)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.HourlyLimitHits != 1 {
		t.Errorf("HourlyLimitHits = %d, want 1", stats.HourlyLimitHits)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}

	last := l.LastSuccessByInstance()
	if _, ok := last[types.InstanceID(1)]; !ok {
		t.Errorf("LastSuccessByInstance() missing instance 1")
	}
	if _, ok := last[types.InstanceID(2)]; ok {
		t.Errorf("LastSuccessByInstance() should not contain instance 2 (no success recorded)")
	}
}

func TestReopenRecoversLastSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votes.csv")

	l1, err := Open(path, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now().Truncate(time.Second)
	if err := l1.Append(types.VoteAttempt{
		Timestamp:    now,
		InstanceID:   7,
		Status:       types.StatusSuccess,
		InitialCount: intPtr(3),
		FinalCount:   intPtr(4),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, 8)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer l2.Close()

	last := l2.LastSuccessByInstance()
	ts, ok := last[types.InstanceID(7)]
	if !ok {
		t.Fatalf("LastSuccessByInstance() did not recover instance 7 after reopen")
	}
	if !ts.Equal(now) {
		t.Errorf("recovered lastSuccess = %v, want %v", ts, now)
	}

	stats := l2.SessionStats()
	if stats.TotalAttempts != 0 {
		t.Errorf("SessionStats() after reopen should start at zero, got %d", stats.TotalAttempts)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "votes.csv"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = l.Append(types.VoteAttempt{InstanceID: 1, Status: types.StatusFailed})
	if err == nil {
		t.Error("Append() after Close() should return an error")
	}
}

func TestCompactKeepsLatestPerInstanceAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votes.csv")
	l, err := Open(path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		err := l.Append(types.VoteAttempt{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			InstanceID:   1,
			Status:       types.StatusSuccess,
			InitialCount: intPtr(i),
			FinalCount:   intPtr(i + 1),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := l.Compact(1); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	rows, err := readAllRows(path)
	if err != nil {
		t.Fatalf("readAllRows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Compact() left %d rows for a single instance with tail=1, want 1", len(rows))
	}
}
