package logstore

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendSequential(t *testing.T) {
	s := newTestStore(t)

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(Entry{Index: i, Term: 1, Kind: EntryNormal, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if got := s.LastIndex(); got != 5 {
		t.Fatalf("LastIndex() = %d, want 5", got)
	}
	if got := s.FirstIndex(); got != 1 {
		t.Fatalf("FirstIndex() = %d, want 1", got)
	}
}

func TestAppendRejectsGap(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append(Entry{Index: 1, Term: 1}); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := s.Append(Entry{Index: 3, Term: 1}); !errors.Is(err, ErrLogGap) {
		t.Fatalf("Append(3) after 1 = %v, want ErrLogGap", err)
	}
}

func TestGetOutOfRange(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append(Entry{Index: 1, Term: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(5); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Get(5) = %v, want ErrOutOfRange", err)
	}
}

func TestRangeClampsToLastIndex(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.Range(1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("Range(1,100) returned %d entries, want 3", len(entries))
	}
}

func TestTruncatePrefixIdempotent(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TruncatePrefix(3); err != nil {
		t.Fatal(err)
	}
	if got := s.FirstIndex(); got != 4 {
		t.Fatalf("FirstIndex() = %d, want 4", got)
	}
	// Truncating again at an earlier or equal index is a no-op.
	if err := s.TruncatePrefix(2); err != nil {
		t.Fatal(err)
	}
	if got := s.FirstIndex(); got != 4 {
		t.Fatalf("FirstIndex() after no-op truncate = %d, want 4", got)
	}
}

func TestTruncateSuffixForbiddenAtOrBelowCommit(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TruncateSuffix(3, 4); !errors.Is(err, ErrLogMismatch) {
		t.Fatalf("TruncateSuffix(3, commit=4) = %v, want ErrLogMismatch", err)
	}
	if err := s.TruncateSuffix(4, 3); err != nil {
		t.Fatalf("TruncateSuffix(4, commit=3): %v", err)
	}
	if got := s.LastIndex(); got != 3 {
		t.Fatalf("LastIndex() = %d, want 3", got)
	}
}

func TestRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 4; i++ {
		if err := s.Append(Entry{Index: i, Term: 2, Payload: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PersistCommitMeta(3, 2); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if got := reopened.LastIndex(); got != 4 {
		t.Fatalf("LastIndex() after reopen = %d, want 4", got)
	}
	commit, applied := reopened.CommitMeta()
	if commit != 3 || applied != 2 {
		t.Fatalf("CommitMeta() after reopen = (%d,%d), want (3,2)", commit, applied)
	}
	e, err := reopened.Get(4)
	if err != nil || e.Payload[0] != 4 {
		t.Fatalf("Get(4) after reopen = %+v, %v", e, err)
	}
}

func TestSetSnapshotOrigin(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetSnapshotOrigin(10, 4); err != nil {
		t.Fatal(err)
	}
	if got := s.FirstIndex(); got != 11 {
		t.Fatalf("FirstIndex() = %d, want 11", got)
	}
	if got := s.LastIndex(); got != 10 {
		t.Fatalf("LastIndex() = %d, want 10", got)
	}
	if err := s.Append(Entry{Index: 11, Term: 4}); err != nil {
		t.Fatalf("Append after snapshot origin reset: %v", err)
	}
}
