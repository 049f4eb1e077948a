// Package engine contains the upload orchestrator and the cycle
// controller. The orchestrator performs one budgeted pass over the
// mounted card; the controller decides when such a pass may run and
// owns the bus around it.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/sdsync/sdsync/internal/budget"
	"github.com/sdsync/sdsync/internal/catalog"
	"github.com/sdsync/sdsync/internal/metrics"
	"github.com/sdsync/sdsync/internal/model"
	"github.com/sdsync/sdsync/internal/schedule"
	"github.com/sdsync/sdsync/internal/uploader"
)

// errBudgetExhausted aborts the folder walk when the session budget
// runs out mid-pass.
var errBudgetExhausted = errors.New("session budget exhausted")

// consecutiveFailureCutoff stops a pass after this many folder failures
// in a row with no progress; the destination is presumed down.
const consecutiveFailureCutoff = 2

// emptyFileChecksum marks a zero-byte file as handled without transfer.
const emptyFileChecksum = "empty"

// Orchestrator runs upload passes against the mounted card. It is
// handed an already-acquired bus; it never touches the mux.
type Orchestrator struct {
	root            string // card mount point
	dataFolder      string
	settingsFolder  string
	dataExts        map[string]bool // empty set admits every extension
	rootFiles       []string
	maxRetries      int
	transferTimeout time.Duration // per-file cap, 0 = none
	yieldEvery      time.Duration // min spacing between yields, 0 = every folder

	catalog *catalog.Store
	budget  *budget.TimeBudget
	sched   *schedule.Scheduler
	reg     *uploader.Registry
	log     *slog.Logger
	now     func() time.Time

	// yield runs between folders with the budget clock paused, giving
	// the card's internal controller breathing room on long sessions.
	yield func()
}

// OrchestratorOptions wires an Orchestrator.
type OrchestratorOptions struct {
	Root            string
	DataFolder      string
	SettingsFolder  string
	DataExtensions  []string
	RootFiles       []string
	MaxRetries      int
	TransferTimeout time.Duration
	YieldInterval   time.Duration
	Catalog         *catalog.Store
	Budget          *budget.TimeBudget
	Scheduler       *schedule.Scheduler
	Registry        *uploader.Registry
	Logger          *slog.Logger
	Yield           func()
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exts := make(map[string]bool, len(opts.DataExtensions))
	for _, e := range opts.DataExtensions {
		exts[e] = true
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 5
	}
	return &Orchestrator{
		root:            opts.Root,
		dataFolder:      opts.DataFolder,
		settingsFolder:  opts.SettingsFolder,
		dataExts:        exts,
		rootFiles:       opts.RootFiles,
		maxRetries:      opts.MaxRetries,
		transferTimeout: opts.TransferTimeout,
		yieldEvery:      opts.YieldInterval,
		catalog:         opts.Catalog,
		budget:          opts.Budget,
		sched:           opts.Scheduler,
		reg:             opts.Registry,
		log:             logger,
		now:             time.Now,
		yield:           opts.Yield,
	}
}

// RunPass executes one upload pass: dated data folders newest-first
// under the given filter, then the settings directory and root
// metadata files. The pass respects the session budget and absorbs
// per-folder failures into retry bookkeeping.
func (o *Orchestrator) RunPass(ctx context.Context, filter model.DataFilter) model.PassResult {
	start := o.now()
	res := model.PassResult{Outcome: model.PassComplete}

	if err := o.reg.BeginAll(ctx); err != nil {
		res.Outcome = model.PassError
		res.Err = fmt.Errorf("failed to connect backends: %w", err)
		res.Elapsed = o.now().Sub(start)
		return res
	}
	defer o.reg.CloseAll()

	folders, err := o.scanFolders(filter)
	if err != nil {
		res.Outcome = model.PassError
		res.Err = err
		res.Elapsed = o.now().Sub(start)
		return res
	}

	consecutiveFailures := 0
	timedOut := false
	lastYield := start

walk:
	for i, name := range folders {
		select {
		case <-ctx.Done():
			o.noteBudgetCutoff(name)
			timedOut = true
			break walk
		default:
		}
		if !o.budget.HasBudget() {
			o.noteBudgetCutoff(name)
			timedOut = true
			break
		}
		if i > 0 && o.yield != nil && o.now().Sub(lastYield) >= o.yieldEvery {
			o.budget.PauseActiveTime()
			o.yield()
			o.budget.ResumeActiveTime()
			lastYield = o.now()
		}

		uploaded, skipped, deferred, bytes, err := o.uploadFolder(ctx, name)
		res.FilesUploaded += uploaded
		res.FilesSkipped += skipped + deferred
		res.BytesUploaded += bytes

		switch {
		case errors.Is(err, errBudgetExhausted) || ctx.Err() != nil:
			o.noteBudgetCutoff(name)
			timedOut = true
			break walk
		case err != nil:
			o.noteFolderFailure(name, err)
			if uploaded == 0 {
				consecutiveFailures++
				if consecutiveFailures >= consecutiveFailureCutoff {
					o.log.Warn("stopping pass after consecutive folder failures",
						"failures", consecutiveFailures)
					res.Outcome = model.PassError
					res.Err = fmt.Errorf("folder %s: %w", name, err)
					break walk
				}
			} else {
				consecutiveFailures = 0
			}
		case deferred > 0:
			// Admission control held files back: the folder is not done,
			// but nothing failed either. The retry bump buys the next
			// session a larger budget for the held-back files.
			consecutiveFailures = 0
			o.noteBudgetCutoff(name)
			o.log.Info("folder left incomplete, files deferred",
				"folder", name, "deferred", deferred)
		default:
			consecutiveFailures = 0
			o.catalog.MarkFolderCompleted(name)
			o.log.Info("folder completed", "folder", name,
				"uploaded", uploaded, "skipped", skipped, "bytes", bytes)
		}
	}

	if !timedOut && res.Outcome != model.PassError {
		up, sk, by, err := o.uploadAuxiliary(ctx)
		res.FilesUploaded += up
		res.FilesSkipped += sk
		res.BytesUploaded += by
		switch {
		case errors.Is(err, errBudgetExhausted) || ctx.Err() != nil:
			timedOut = true
		case err != nil:
			o.log.Warn("auxiliary upload failed", "error", err)
		}
	}

	if timedOut && res.Outcome == model.PassComplete {
		res.Outcome = model.PassTimeout
	}
	res.Elapsed = o.now().Sub(start)
	return res
}

// noteBudgetCutoff records a budget or deadline cutoff against the
// folder the walk stopped at. The persisted retry count drives the next
// session's budget multiplier, so a starved folder gets a growing
// window instead of looping on an identical one.
func (o *Orchestrator) noteBudgetCutoff(name string) {
	o.catalog.SetCurrentRetryFolder(name)
	n := o.catalog.IncrementCurrentRetryCount()
	metrics.FolderRetries.Inc()
	o.log.Info("session budget cut folder short, resuming next cycle",
		"folder", name, "attempt", n)
}

func (o *Orchestrator) noteFolderFailure(name string, err error) {
	o.catalog.SetCurrentRetryFolder(name)
	n := o.catalog.IncrementCurrentRetryCount()
	metrics.FolderRetries.Inc()
	if n >= o.maxRetries {
		o.log.Error("folder exceeded retry limit, leaving incomplete",
			"folder", name, "attempts", n, "error", err)
	} else {
		o.log.Warn("folder upload failed", "folder", name, "attempt", n, "error", err)
	}
}

// scanFolders lists the dated data folders eligible for this pass,
// newest first, resolving the pending list along the way.
func (o *Orchestrator) scanFolders(filter model.DataFilter) ([]string, error) {
	dataDir := filepath.Join(o.root, o.dataFolder)
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dataDir, err)
	}

	now := o.now()
	var eligible []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := schedule.ParseFolderDate(name); !ok {
			continue
		}
		if !o.sched.WithinMaxAge(name) {
			continue
		}

		empty, err := o.folderIsEmpty(filepath.Join(dataDir, name))
		if err != nil {
			o.log.Warn("failed to inspect folder", "folder", name, "error", err)
			continue
		}

		if empty {
			switch {
			case o.catalog.IsFolderCompleted(name):
				// Nothing to do.
			case o.catalog.IsPendingFolder(name):
				if o.catalog.ShouldPromotePendingToCompleted(name, now) {
					o.catalog.PromotePendingToCompleted(name)
				}
			default:
				o.catalog.MarkFolderPending(name, now)
				o.log.Info("empty folder marked pending", "folder", name)
			}
			continue
		}
		if o.catalog.IsPendingFolder(name) {
			o.catalog.RemoveFolderFromPending(name)
		}

		if o.catalog.IsFolderCompleted(name) {
			// Completed folders get a checksum-gated rescan only while
			// the device may still append to them.
			if !o.sched.IsRecentFolder(name) {
				continue
			}
		}

		cat := o.sched.Category(name)
		if filter != model.FilterAllData && filter != cat {
			continue
		}
		eligible = append(eligible, name)
	}

	// Fixed-width date names: descending lexical is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(eligible)))
	return eligible, nil
}

func (o *Orchestrator) folderIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// uploadFolder sends one folder's eligible files to every connected
// backend, then finalizes session backends. Returns counts and the
// first hard error.
func (o *Orchestrator) uploadFolder(ctx context.Context, name string) (uploaded, skipped, deferred int, bytes int64, err error) {
	dir := filepath.Join(o.root, o.dataFolder, name)
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to read folder: %w", readErr)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if len(o.dataExts) > 0 && !o.dataExts[filepath.Ext(e.Name())] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, fname := range names {
		rel := path.Join(o.dataFolder, name, fname)
		st, n, ferr := o.uploadFile(ctx, filepath.Join(dir, fname), rel, false)
		if ferr != nil {
			return uploaded, skipped, deferred, bytes, ferr
		}
		switch st {
		case fileSent:
			uploaded++
			bytes += n
		case fileDeferred:
			deferred++
		default:
			skipped++
		}
	}

	// Cloud-style backends need the session's mandatory metadata inside
	// each import before it is processed.
	if uploaded > 0 {
		for _, b := range o.reg.Connected() {
			sb, ok := b.(uploader.SessionBackend)
			if !ok {
				continue
			}
			if ferr := o.uploadMandatory(ctx, b); ferr != nil {
				return uploaded, skipped, deferred, bytes, ferr
			}
			if ferr := sb.FinalizeFolder(ctx, name); ferr != nil {
				return uploaded, skipped, deferred, bytes, fmt.Errorf("failed to finalize folder: %w", ferr)
			}
		}
	}
	return uploaded, skipped, deferred, bytes, nil
}

// uploadMandatory forces the root metadata files into an open import
// session, bypassing the checksum gate.
func (o *Orchestrator) uploadMandatory(ctx context.Context, b uploader.Backend) error {
	for _, fname := range o.rootFiles {
		local := filepath.Join(o.root, fname)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		if _, err := b.Upload(ctx, local, fname); err != nil {
			return fmt.Errorf("mandatory file %s: %w", fname, err)
		}
	}
	return nil
}

// uploadAuxiliary sends the settings directory and root metadata files,
// checksum-gated, to the non-session backends.
func (o *Orchestrator) uploadAuxiliary(ctx context.Context) (uploaded, skipped int, bytes int64, err error) {
	var rels []string
	for _, fname := range o.rootFiles {
		if _, serr := os.Stat(filepath.Join(o.root, fname)); serr == nil {
			rels = append(rels, fname)
		}
	}
	if o.settingsFolder != "" {
		dir := filepath.Join(o.root, o.settingsFolder)
		if entries, rerr := os.ReadDir(dir); rerr == nil {
			for _, e := range entries {
				if !e.IsDir() {
					rels = append(rels, path.Join(o.settingsFolder, e.Name()))
				}
			}
		}
	}

	for _, rel := range rels {
		st, n, ferr := o.uploadFile(ctx, filepath.Join(o.root, filepath.FromSlash(rel)), rel, true)
		if ferr != nil {
			return uploaded, skipped, bytes, ferr
		}
		if st == fileSent {
			uploaded++
			bytes += n
		} else {
			skipped++
		}
	}
	return uploaded, skipped, bytes, nil
}

// fileStatus is the outcome of one file's trip through the gates.
type fileStatus int

const (
	fileSkipped fileStatus = iota
	fileDeferred
	fileSent
)

// uploadFile pushes one file through the checksum and budget gates and
// on to every connected backend. The checksum is computed before
// transfer and recorded only if the size is unchanged afterwards, so a
// file the device appends to mid-transfer is retried next pass.
// skipSession excludes session backends (auxiliary files reach them
// via uploadMandatory instead).
func (o *Orchestrator) uploadFile(ctx context.Context, local, rel string, skipSession bool) (fileStatus, int64, error) {
	fi, err := os.Stat(local)
	if err != nil {
		return fileSkipped, 0, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	size := fi.Size()

	if size == 0 {
		if o.catalog.HasFileChanged(rel, emptyFileChecksum, 0) {
			o.catalog.MarkFileUploaded(rel, emptyFileChecksum, 0)
		}
		return fileSkipped, 0, nil
	}

	sum, err := checksumFile(local)
	if err != nil {
		return fileSkipped, 0, fmt.Errorf("failed to checksum %s: %w", rel, err)
	}
	if !o.catalog.HasFileChanged(rel, sum, size) {
		metrics.FilesSkipped.Inc()
		return fileSkipped, 0, nil
	}

	if !o.budget.HasBudget() {
		return fileSkipped, 0, errBudgetExhausted
	}
	if !o.budget.CanUploadFile(size) {
		metrics.FilesDeferred.Inc()
		o.log.Info("file deferred, would exceed remaining budget", "file", rel, "size", size)
		return fileDeferred, 0, nil
	}

	var total int64
	for _, b := range o.reg.Connected() {
		if skipSession {
			if _, isSession := b.(uploader.SessionBackend); isSession {
				continue
			}
		}
		uctx := ctx
		cancel := context.CancelFunc(func() {})
		if o.transferTimeout > 0 {
			uctx, cancel = context.WithTimeout(ctx, o.transferTimeout)
		}
		start := o.now()
		n, uerr := b.Upload(uctx, local, rel)
		cancel()
		if uerr != nil {
			return fileSkipped, total, fmt.Errorf("backend %q: %s: %w", b.Name(), rel, uerr)
		}
		elapsed := o.now().Sub(start)
		o.budget.RecordUpload(n, elapsed)
		metrics.FilesUploaded.WithLabelValues(b.Name()).Inc()
		metrics.BytesUploaded.WithLabelValues(b.Name()).Add(float64(n))
		total += n
	}

	// Size-locked record: a file that grew during transfer stays dirty.
	if fi2, serr := os.Stat(local); serr == nil && fi2.Size() == size {
		o.catalog.MarkFileUploaded(rel, sum, size)
	} else {
		o.log.Info("file changed during transfer, leaving unrecorded", "file", rel)
	}
	return fileSent, total, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
