package sessionstore

import (
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	now := time.Now().Truncate(time.Second)
	rec := types.SessionRecord{
		InstanceID:      3,
		StorageState:    []byte(`{"cookies":[]}`),
		LastKnownEgress: "203.0.113.7",
		SessionID:       "tok-abc",
		LastSuccessTime: &now,
		VoteCount:       5,
	}

	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !s.Exists(3) {
		t.Fatal("Exists(3) = false after Save")
	}

	got, err := s.Load(3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastKnownEgress != rec.LastKnownEgress {
		t.Errorf("LastKnownEgress = %q, want %q", got.LastKnownEgress, rec.LastKnownEgress)
	}
	if got.SessionID != rec.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, rec.SessionID)
	}
	if got.VoteCount != rec.VoteCount {
		t.Errorf("VoteCount = %d, want %d", got.VoteCount, rec.VoteCount)
	}
	if string(got.StorageState) != string(rec.StorageState) {
		t.Errorf("StorageState = %q, want %q", got.StorageState, rec.StorageState)
	}
	if got.LastSuccessTime == nil || !got.LastSuccessTime.Equal(now) {
		t.Errorf("LastSuccessTime = %v, want %v", got.LastSuccessTime, now)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load(99)
	if err != types.ErrSessionNotFound {
		t.Errorf("Load() err = %v, want ErrSessionNotFound", err)
	}
}

func TestListReturnsSortedIDs(t *testing.T) {
	s := New(t.TempDir())
	for _, id := range []types.InstanceID{5, 1, 3} {
		if err := s.Save(types.SessionRecord{InstanceID: id, StorageState: []byte("{}")}); err != nil {
			t.Fatalf("Save(%d): %v", id, err)
		}
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []types.InstanceID{1, 3, 5}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestSaveWithoutStorageStatePreservesExisting(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save(types.SessionRecord{InstanceID: 1, StorageState: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A bookkeeping-only update (nil StorageState) must not erase the blob.
	if err := s.Save(types.SessionRecord{InstanceID: 1, VoteCount: 2}); err != nil {
		t.Fatalf("Save (bookkeeping only): %v", err)
	}

	got, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.StorageState) != `{"a":1}` {
		t.Errorf("StorageState = %q, want preserved %q", got.StorageState, `{"a":1}`)
	}
	if got.VoteCount != 2 {
		t.Errorf("VoteCount = %d, want 2", got.VoteCount)
	}
}

func TestListOnMissingRootReturnsEmpty(t *testing.T) {
	s := New(t.TempDir() + "/does-not-exist")
	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List() = %v, want empty", ids)
	}
}
