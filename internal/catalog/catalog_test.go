package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	s := New(Options{Path: path, PendingWindow: 7 * 24 * time.Hour})
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func reopen(t *testing.T, path string) *Store {
	t.Helper()
	s := New(Options{Path: path, PendingWindow: 7 * 24 * time.Hour})
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("reopen Begin failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFolderLifecyclePersists(t *testing.T) {
	s, path := newTestStore(t)

	s.MarkFolderCompleted("20260101")
	s.MarkFolderPending("20260102", time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC))

	if !s.IsFolderCompleted("20260101") {
		t.Errorf("folder not marked completed")
	}
	if !s.IsPendingFolder("20260102") {
		t.Errorf("folder not marked pending")
	}
	s.Close()

	s2 := reopen(t, path)
	if !s2.IsFolderCompleted("20260101") {
		t.Errorf("completed folder lost across reopen")
	}
	if !s2.IsPendingFolder("20260102") {
		t.Errorf("pending folder lost across reopen")
	}
}

func TestCompletedNeverDemotedToPending(t *testing.T) {
	s, _ := newTestStore(t)

	s.MarkFolderCompleted("20260101")
	s.MarkFolderPending("20260101", time.Now())
	if s.IsPendingFolder("20260101") {
		t.Errorf("completed folder must not become pending")
	}
	if !s.IsFolderCompleted("20260101") {
		t.Errorf("completed status lost")
	}
}

func TestPendingPromotionWindow(t *testing.T) {
	s, _ := newTestStore(t)
	since := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	s.MarkFolderPending("20260102", since)

	if s.ShouldPromotePendingToCompleted("20260102", since.Add(6*24*time.Hour)) {
		t.Errorf("promotion before the window elapsed")
	}
	if !s.ShouldPromotePendingToCompleted("20260102", since.Add(7*24*time.Hour)) {
		t.Errorf("promotion due after the window")
	}

	s.PromotePendingToCompleted("20260102")
	if s.IsPendingFolder("20260102") || !s.IsFolderCompleted("20260102") {
		t.Errorf("promotion did not move folder to completed")
	}
}

func TestRemoveFolderFromPending(t *testing.T) {
	s, _ := newTestStore(t)
	s.MarkFolderPending("20260103", time.Now())
	s.RemoveFolderFromPending("20260103")
	if s.IsPendingFolder("20260103") {
		t.Errorf("folder still pending after removal")
	}
	if s.IsFolderCompleted("20260103") {
		t.Errorf("removal must not complete the folder")
	}
}

func TestFileChecksumGate(t *testing.T) {
	s, path := newTestStore(t)

	p := "DATALOG/20260104/a.edf"
	if !s.HasFileChanged(p, "abc", 100) {
		t.Errorf("unknown file must read as changed")
	}
	s.MarkFileUploaded(p, "abc", 100)
	if s.HasFileChanged(p, "abc", 100) {
		t.Errorf("matching record must read as unchanged")
	}
	if !s.HasFileChanged(p, "def", 100) {
		t.Errorf("checksum change not detected")
	}
	if !s.HasFileChanged(p, "abc", 101) {
		t.Errorf("size change not detected")
	}
	s.Close()

	s2 := reopen(t, path)
	if s2.HasFileChanged(p, "abc", 100) {
		t.Errorf("file record lost across reopen")
	}
}

func TestRetryBookkeeping(t *testing.T) {
	s, path := newTestStore(t)

	s.SetCurrentRetryFolder("20260105")
	if got := s.GetCurrentRetryCount("20260105"); got != 0 {
		t.Errorf("fresh retry target should be 0, got %d", got)
	}
	s.IncrementCurrentRetryCount()
	if got := s.IncrementCurrentRetryCount(); got != 2 {
		t.Errorf("expected retry count 2, got %d", got)
	}
	if got := s.GetCurrentRetryCount("20260199"); got != 0 {
		t.Errorf("other folder must read 0, got %d", got)
	}

	// Switching targets resets the count.
	s.SetCurrentRetryFolder("20260106")
	if got := s.GetCurrentRetryCount("20260106"); got != 0 {
		t.Errorf("new target must start at 0, got %d", got)
	}

	s.IncrementCurrentRetryCount()
	s.Close()
	s2 := reopen(t, path)
	if got := s2.GetCurrentRetryCount("20260106"); got != 1 {
		t.Errorf("retry count lost across reopen, got %d", got)
	}

	s2.ClearCurrentRetry()
	if got := s2.GetCurrentRetryCount("20260106"); got != 0 {
		t.Errorf("retry count survives clear, got %d", got)
	}
}

func TestCompletingFolderClearsItsRetryState(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetCurrentRetryFolder("20260107")
	s.IncrementCurrentRetryCount()
	s.MarkFolderCompleted("20260107")
	if got := s.GetCurrentRetryCount("20260107"); got != 0 {
		t.Errorf("completion must clear retry state, got %d", got)
	}
}

func TestRecentOpsJournal(t *testing.T) {
	s, _ := newTestStore(t)

	s.MarkFolderCompleted("20260115")
	s.MarkFileUploaded("DATALOG/20260115/a.edf", "x", 10)

	ops, err := s.RecentOps(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentOps failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, op := range ops {
		seen[op.Op] = true
		if op.At.IsZero() {
			t.Errorf("journal entry missing timestamp: %+v", op)
		}
	}
	if !seen["folder_completed"] || !seen["file_uploaded"] {
		t.Errorf("journal missing mutations, got %+v", ops)
	}

	limited, err := s.RecentOps(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentOps with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not honored, got %d entries", len(limited))
	}
}

func TestRetryCountMirroredToFolderRow(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetCurrentRetryFolder("20260116")
	s.IncrementCurrentRetryCount()
	s.IncrementCurrentRetryCount()

	var n int
	if err := s.db.QueryRow(
		`SELECT retry_count FROM folders WHERE name = ?`, "20260116").Scan(&n); err != nil {
		t.Fatalf("retry target has no folder row: %v", err)
	}
	if n != 2 {
		t.Errorf("folder row retry_count = %d, want 2", n)
	}

	s.MarkFolderCompleted("20260116")
	if err := s.db.QueryRow(
		`SELECT retry_count FROM folders WHERE name = ?`, "20260116").Scan(&n); err != nil {
		t.Fatalf("folder row lost on completion: %v", err)
	}
	if n != 0 {
		t.Errorf("completion must zero the mirrored retry count, got %d", n)
	}
}

func TestInvalidateFolder(t *testing.T) {
	s, _ := newTestStore(t)

	s.MarkFileUploaded("DATALOG/20260108/a.edf", "x", 10)
	s.MarkFileUploaded("DATALOG/20260108/b.edf", "y", 20)
	s.MarkFileUploaded("DATALOG/20260109/c.edf", "z", 30)
	s.MarkFolderCompleted("20260108")

	s.InvalidateFolder("20260108", "DATALOG/20260108/")
	if s.IsFolderCompleted("20260108") {
		t.Errorf("invalidated folder still completed")
	}
	if !s.HasFileChanged("DATALOG/20260108/a.edf", "x", 10) {
		t.Errorf("invalidation must drop the folder's file records")
	}
	if s.HasFileChanged("DATALOG/20260109/c.edf", "z", 30) {
		t.Errorf("invalidation must not touch other folders")
	}
}

func TestBeginToleratesCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	if err := os.WriteFile(path, []byte("not a database"), 0o644); err != nil {
		t.Fatalf("failed to plant corrupt file: %v", err)
	}

	s := New(Options{Path: path})
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin must tolerate a corrupt store, got %v", err)
	}
	defer s.Close()

	if s.Stats().CompletedFolders != 0 {
		t.Errorf("corrupt store must yield empty state")
	}
	// And the recreated store must be writable.
	s.MarkFolderCompleted("20260110")
	if !s.IsFolderCompleted("20260110") {
		t.Errorf("recreated store rejected writes")
	}
}

func TestBeginToleratesMissingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "catalog.db")
	s := New(Options{Path: path})
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin must tolerate an unusable path, got %v", err)
	}
	defer s.Close()

	// Memory-only operation still works.
	s.MarkFolderCompleted("20260111")
	if !s.IsFolderCompleted("20260111") {
		t.Errorf("memory-only catalog rejected writes")
	}
}

func TestStatsAndSave(t *testing.T) {
	s, path := newTestStore(t)

	s.MarkFolderCompleted("20260112")
	s.MarkFolderPending("20260113", time.Now())
	s.MarkFileUploaded("DATALOG/20260112/a.edf", "x", 10)
	s.SetCurrentRetryFolder("20260114")

	stats := s.Stats()
	if stats.CompletedFolders != 1 || stats.PendingFolders != 1 || stats.TrackedFiles != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.CurrentRetry != "20260114" {
		t.Errorf("retry target missing from stats")
	}
	if stats.LastUpload.IsZero() {
		t.Errorf("last upload timestamp missing")
	}

	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s2 := reopen(t, path)
	stats2 := s2.Stats()
	if stats2.CompletedFolders != 1 || stats2.PendingFolders != 1 || stats2.TrackedFiles != 1 {
		t.Errorf("stats lost after Save+reopen: %+v", stats2)
	}
}
