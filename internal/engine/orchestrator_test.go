package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/sdsync/sdsync/internal/budget"
	"github.com/sdsync/sdsync/internal/catalog"
	"github.com/sdsync/sdsync/internal/model"
	"github.com/sdsync/sdsync/internal/schedule"
	"github.com/sdsync/sdsync/internal/uploader"
)

// fakeBackend records uploads and can serve remote listings and fail on
// demand.
type fakeBackend struct {
	name      string
	connected bool
	uploads   []string
	remote    map[string]int64 // remote path -> size
	failAll   bool
	delay     time.Duration
	finalized []string
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, remote: make(map[string]int64)}
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Type() string { return "fake" }
func (f *fakeBackend) Begin(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeBackend) IsConnected() bool { return f.connected }
func (f *fakeBackend) Close() error {
	f.connected = false
	return nil
}

func (f *fakeBackend) Upload(ctx context.Context, local, remote string) (int64, error) {
	if f.failAll {
		return 0, fmt.Errorf("backend down")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	fi, err := os.Stat(local)
	if err != nil {
		return 0, err
	}
	f.uploads = append(f.uploads, remote)
	f.remote[remote] = fi.Size()
	return fi.Size(), nil
}

func (f *fakeBackend) ListRemote(ctx context.Context, remoteDir string) ([]uploader.RemoteFile, error) {
	var out []uploader.RemoteFile
	for p, size := range f.remote {
		if filepath.Dir(p) == remoteDir {
			out = append(out, uploader.RemoteFile{Name: filepath.Base(p), Size: size})
		}
	}
	return out, nil
}

// fakeSessionBackend adds the import-session surface.
type fakeSessionBackend struct {
	fakeBackend
}

func (f *fakeSessionBackend) FinalizeFolder(ctx context.Context, folder string) error {
	f.finalized = append(f.finalized, folder)
	return nil
}

type fixture struct {
	root    string
	cat     *catalog.Store
	bud     *budget.TimeBudget
	sched   *schedule.Scheduler
	reg     *uploader.Registry
	backend *fakeBackend
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "DATALOG"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	cat := catalog.New(catalog.Options{
		Path:          filepath.Join(t.TempDir(), "catalog.db"),
		PendingWindow: 7 * 24 * time.Hour,
	})
	if err := cat.Begin(context.Background()); err != nil {
		t.Fatalf("catalog Begin failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	bud := budget.New(time.Hour, nil)
	bud.StartSession(time.Hour, 1)

	sched := schedule.New(schedule.Options{
		Mode:             model.ModeSmart,
		RecentFolderDays: 3,
	})

	backend := newFakeBackend("nas")
	reg := uploader.NewRegistry()
	if err := reg.Register(backend); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	fx := &fixture{root: root, cat: cat, bud: bud, sched: sched, reg: reg, backend: backend}
	fx.orch = NewOrchestrator(OrchestratorOptions{
		Root:           root,
		DataFolder:     "DATALOG",
		SettingsFolder: "SETTINGS",
		DataExtensions: []string{".edf"},
		RootFiles:      []string{"Identification.json", "STR.edf"},
		MaxRetries:     5,
		Catalog:        cat,
		Budget:         bud,
		Scheduler:      sched,
		Registry:       reg,
	})
	return fx
}

func (fx *fixture) addFile(t *testing.T, rel string, size int) {
	t.Helper()
	p := filepath.Join(fx.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (fx *fixture) addFolder(t *testing.T, name string, files int) {
	t.Helper()
	if files == 0 {
		if err := os.MkdirAll(filepath.Join(fx.root, "DATALOG", name), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		return
	}
	for i := 0; i < files; i++ {
		fx.addFile(t, fmt.Sprintf("DATALOG/%s/rec%02d.edf", name, i), 1000+i)
	}
}

func today() string {
	return time.Now().UTC().Format("20060102")
}

func daysAgo(n int) string {
	return time.Now().UTC().AddDate(0, 0, -n).Format("20060102")
}

func TestPassUploadsNewestFirstAndCompletes(t *testing.T) {
	fx := newFixture(t)
	oldFolder := daysAgo(30)
	newFolder := today()
	fx.addFolder(t, oldFolder, 2)
	fx.addFolder(t, newFolder, 2)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("expected complete pass, got %s (%v)", res.Outcome, res.Err)
	}
	if res.FilesUploaded != 4 {
		t.Errorf("expected 4 uploads, got %d", res.FilesUploaded)
	}

	// Newest folder's files must come before the old folder's.
	if len(fx.backend.uploads) < 4 {
		t.Fatalf("uploads missing: %v", fx.backend.uploads)
	}
	if filepath.Dir(fx.backend.uploads[0]) != "DATALOG/"+newFolder {
		t.Errorf("newest folder must upload first, got %s", fx.backend.uploads[0])
	}

	if !fx.cat.IsFolderCompleted(oldFolder) || !fx.cat.IsFolderCompleted(newFolder) {
		t.Errorf("folders not marked completed")
	}
}

func TestPassIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFolder(t, folder, 3)

	first := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if first.FilesUploaded != 3 {
		t.Fatalf("expected 3 uploads, got %d", first.FilesUploaded)
	}

	// A completed recent folder is rescanned but everything is skipped
	// by the checksum gate.
	second := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if second.FilesUploaded != 0 {
		t.Errorf("second pass must upload nothing, got %d", second.FilesUploaded)
	}
	if second.FilesSkipped != 3 {
		t.Errorf("second pass should skip 3 files, got %d", second.FilesSkipped)
	}
}

func TestChangedFileReuploadedOnRescan(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFolder(t, folder, 2)

	fx.orch.RunPass(context.Background(), model.FilterAllData)

	// The device appended to one file; only that file goes again.
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/rec00.edf", folder), 5000)
	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.FilesUploaded != 1 {
		t.Errorf("expected exactly the changed file re-sent, got %d", res.FilesUploaded)
	}
}

func TestOldCompletedFolderNotRescanned(t *testing.T) {
	fx := newFixture(t)
	folder := daysAgo(10)
	fx.addFolder(t, folder, 1)

	fx.orch.RunPass(context.Background(), model.FilterAllData)
	uploadsAfterFirst := len(fx.backend.uploads)

	// Mutate the old folder; outside the recent window nothing happens.
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/rec00.edf", folder), 9999)
	fx.orch.RunPass(context.Background(), model.FilterAllData)
	if len(fx.backend.uploads) != uploadsAfterFirst {
		t.Errorf("old completed folder must not be rescanned")
	}
}

func TestEmptyFolderPendingLifecycle(t *testing.T) {
	fx := newFixture(t)
	folder := daysAgo(1)
	fx.addFolder(t, folder, 0)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %v", res.Err)
	}
	if !fx.cat.IsPendingFolder(folder) {
		t.Fatalf("empty folder must become pending")
	}

	// Content appears: the folder leaves pending and uploads normally.
	fx.addFolder(t, folder, 1)
	fx.orch.RunPass(context.Background(), model.FilterAllData)
	if fx.cat.IsPendingFolder(folder) {
		t.Errorf("folder with content must leave pending")
	}
	if !fx.cat.IsFolderCompleted(folder) {
		t.Errorf("folder must complete after upload")
	}
}

func TestZeroByteFilesRecordedNotSent(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/empty.edf", folder), 0)
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/real.edf", folder), 500)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.FilesUploaded != 1 {
		t.Errorf("only the non-empty file is transferred, got %d", res.FilesUploaded)
	}
	for _, u := range fx.backend.uploads {
		if filepath.Base(u) == "empty.edf" {
			t.Errorf("zero-byte file must never hit a backend")
		}
	}
	if !fx.cat.IsFolderCompleted(folder) {
		t.Errorf("folder with an empty file still completes")
	}
}

func TestNonDataFilesIgnored(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/rec00.edf", folder), 500)
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/thumbs.db", folder), 500)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.FilesUploaded != 1 {
		t.Errorf("non-data extension must be ignored, got %d uploads", res.FilesUploaded)
	}
}

func TestFilterConfinesCategories(t *testing.T) {
	fx := newFixture(t)
	fresh := today()
	old := daysAgo(20)
	fx.addFolder(t, fresh, 1)
	fx.addFolder(t, old, 1)

	res := fx.orch.RunPass(context.Background(), model.FilterFreshOnly)
	if res.FilesUploaded != 1 {
		t.Fatalf("fresh-only pass should send 1 file, got %d", res.FilesUploaded)
	}
	if fx.cat.IsFolderCompleted(old) {
		t.Errorf("old folder must not upload under fresh-only filter")
	}

	res = fx.orch.RunPass(context.Background(), model.FilterOldOnly)
	if !fx.cat.IsFolderCompleted(old) {
		t.Errorf("old folder must upload under old-only filter, result %+v", res)
	}
}

func TestBudgetExhaustionIsResumable(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	total := 5
	// Small files so admission control passes; the budget runs out on
	// wall time instead.
	for i := 0; i < total; i++ {
		fx.addFile(t, fmt.Sprintf("DATALOG/%s/rec%02d.edf", folder, i), 100)
	}

	// 50ms budget against a 30ms-per-file backend: the pass times out
	// partway through.
	fx.backend.delay = 30 * time.Millisecond
	fx.bud.StartSession(50*time.Millisecond, 1)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassTimeout {
		t.Fatalf("expected timeout outcome, got %s", res.Outcome)
	}
	k := res.FilesUploaded
	if k == 0 || k >= total {
		t.Fatalf("expected partial progress, uploaded %d of %d", k, total)
	}
	if fx.cat.IsFolderCompleted(folder) {
		t.Errorf("interrupted folder must not be completed")
	}
	// The cutoff counts as a retry so the next session gets a larger
	// budget for the unfinished folder.
	if got := fx.cat.GetCurrentRetryCount(folder); got != 1 {
		t.Errorf("budget cutoff must bump the retry count to 1, got %d", got)
	}

	// Next session finishes exactly the remainder.
	fx.backend.delay = 0
	fx.bud.StartSession(time.Hour, 1)
	res2 := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res2.Outcome != model.PassComplete {
		t.Fatalf("resume pass failed: %s (%v)", res2.Outcome, res2.Err)
	}
	if res2.FilesUploaded != total-k {
		t.Errorf("expected %d remaining uploads, got %d", total-k, res2.FilesUploaded)
	}
	if res2.FilesSkipped != k {
		t.Errorf("expected %d skips of already-sent files, got %d", k, res2.FilesSkipped)
	}
	if !fx.cat.IsFolderCompleted(folder) {
		t.Errorf("folder must complete after the resume pass")
	}
	if got := fx.cat.GetCurrentRetryCount(folder); got != 0 {
		t.Errorf("completion must clear the retry state, got %d", got)
	}
}

func TestOversizedFileDeferredNotFatal(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	// At the default 40 KiB/s rate a 100MB file cannot fit a 10m
	// budget; the small file still goes.
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/huge.edf", folder), 0)
	huge := filepath.Join(fx.root, "DATALOG", folder, "huge.edf")
	if err := os.Truncate(huge, 100_000_000); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	fx.addFile(t, fmt.Sprintf("DATALOG/%s/small.edf", folder), 800)

	fx.bud.StartSession(10*time.Minute, 1)
	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %s (%v)", res.Outcome, res.Err)
	}
	if res.FilesUploaded != 1 {
		t.Errorf("expected only the small file, got %d uploads", res.FilesUploaded)
	}
	if fx.cat.IsFolderCompleted(folder) {
		t.Errorf("folder with a held-back file must not be completed")
	}
	// Held-back files count as a retry so the next session's budget
	// grows toward fitting them.
	if got := fx.cat.GetCurrentRetryCount(folder); got != 1 {
		t.Errorf("deferral must bump the retry count to 1, got %d", got)
	}
}

func TestConsecutiveFailureCutoff(t *testing.T) {
	fx := newFixture(t)
	f1, f2, f3 := daysAgo(2), daysAgo(1), today()
	fx.addFolder(t, f1, 1)
	fx.addFolder(t, f2, 1)
	fx.addFolder(t, f3, 1)
	fx.backend.failAll = true

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassError {
		t.Fatalf("expected error outcome, got %s", res.Outcome)
	}
	// Newest two folders fail, then the pass stops; the oldest is
	// never attempted.
	if fx.cat.GetCurrentRetryCount(f2) == 0 && fx.cat.GetCurrentRetryCount(f3) == 0 {
		t.Errorf("expected retry bookkeeping for a failed folder")
	}
}

func TestRetryBookkeepingClearsOnSuccess(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFolder(t, folder, 1)

	fx.backend.failAll = true
	fx.orch.RunPass(context.Background(), model.FilterAllData)
	if fx.cat.GetCurrentRetryCount(folder) != 1 {
		t.Fatalf("expected retry count 1, got %d", fx.cat.GetCurrentRetryCount(folder))
	}

	fx.backend.failAll = false
	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %v", res.Err)
	}
	if fx.cat.GetCurrentRetryCount(folder) != 0 {
		t.Errorf("success must clear the retry state")
	}
}

func TestAuxiliaryFilesUploaded(t *testing.T) {
	fx := newFixture(t)
	fx.addFile(t, "Identification.json", 200)
	fx.addFile(t, "STR.edf", 3000)
	fx.addFile(t, "SETTINGS/device.cfg", 400)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %v", res.Err)
	}
	got := append([]string(nil), fx.backend.uploads...)
	sort.Strings(got)
	want := []string{"Identification.json", "STR.edf", "SETTINGS/device.cfg"}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	// Checksum-gated: unchanged auxiliary files are not re-sent.
	res = fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.FilesUploaded != 0 {
		t.Errorf("unchanged auxiliary files must be skipped, got %d", res.FilesUploaded)
	}
}

func TestSessionBackendFinalizedPerFolder(t *testing.T) {
	fx := newFixture(t)
	session := &fakeSessionBackend{fakeBackend: *newFakeBackend("hq")}
	if err := fx.reg.Register(session); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	fx.addFile(t, "Identification.json", 100)
	f1, f2 := daysAgo(1), today()
	fx.addFolder(t, f1, 1)
	fx.addFolder(t, f2, 1)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %v", res.Err)
	}
	if len(session.finalized) != 2 {
		t.Fatalf("expected 2 finalized folders, got %v", session.finalized)
	}
	// Mandatory metadata lands in every import session.
	mandatory := 0
	for _, u := range session.uploads {
		if u == "Identification.json" {
			mandatory++
		}
	}
	if mandatory != 2 {
		t.Errorf("expected mandatory file in both sessions, got %d", mandatory)
	}
}

func TestVerifyInvalidatesDivergedFolder(t *testing.T) {
	fx := newFixture(t)
	good := daysAgo(1)
	bad := today()
	fx.addFolder(t, good, 2)
	fx.addFolder(t, bad, 2)

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("pass failed: %v", res.Err)
	}

	// Simulate a partial remote: drop one of the bad folder's files.
	delete(fx.backend.remote, fmt.Sprintf("DATALOG/%s/rec01.edf", bad))

	report, err := fx.orch.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.FoldersChecked != 2 {
		t.Errorf("expected 2 folders checked, got %d", report.FoldersChecked)
	}
	if len(report.FoldersInvalidated) != 1 || report.FoldersInvalidated[0] != bad {
		t.Fatalf("expected %s invalidated, got %v", bad, report.FoldersInvalidated)
	}
	if fx.cat.IsFolderCompleted(bad) {
		t.Errorf("diverged folder must lose completed status")
	}
	if !fx.cat.IsFolderCompleted(good) {
		t.Errorf("intact folder must stay completed")
	}

	// The normal path repairs the divergence.
	res = fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassComplete {
		t.Fatalf("repair pass failed: %v", res.Err)
	}
	if !fx.cat.IsFolderCompleted(bad) {
		t.Errorf("repaired folder must complete again")
	}
}

func TestVerifySizeMismatch(t *testing.T) {
	fx := newFixture(t)
	folder := today()
	fx.addFolder(t, folder, 1)
	fx.orch.RunPass(context.Background(), model.FilterAllData)

	fx.backend.remote[fmt.Sprintf("DATALOG/%s/rec00.edf", folder)] = 1
	report, err := fx.orch.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(report.FoldersInvalidated) != 1 {
		t.Errorf("size mismatch must invalidate the folder")
	}
}

func TestPassErrorWhenNoBackendReachable(t *testing.T) {
	fx := newFixture(t)
	fx.addFolder(t, today(), 1)

	reg := uploader.NewRegistry()
	fx.orch.reg = reg // empty registry

	res := fx.orch.RunPass(context.Background(), model.FilterAllData)
	if res.Outcome != model.PassError {
		t.Errorf("no backends must produce an error outcome, got %s", res.Outcome)
	}
}
