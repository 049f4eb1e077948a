package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/sdsync/sdsync/internal/metrics"
	"github.com/sdsync/sdsync/internal/schedule"
	"github.com/sdsync/sdsync/internal/uploader"
)

// VerifyReport summarizes one verification pass.
type VerifyReport struct {
	FoldersChecked     int      `json:"folders_checked"`
	FoldersInvalidated []string `json:"folders_invalidated,omitempty"`
	Backend            string   `json:"backend"`
}

// Verify compares each locally present, catalog-completed folder
// against the remote listing of the first backend able to enumerate
// directories. A folder whose remote file count or sizes disagree with
// the card is invalidated: the only path that regresses Completed.
// Runs with the bus held read-only.
func (o *Orchestrator) Verify(ctx context.Context) (*VerifyReport, error) {
	if err := o.reg.BeginAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect backends: %w", err)
	}
	defer o.reg.CloseAll()

	var lister uploader.RemoteLister
	var listerName string
	for _, b := range o.reg.Connected() {
		if l, ok := b.(uploader.RemoteLister); ok {
			lister = l
			listerName = b.Name()
			break
		}
	}
	if lister == nil {
		return nil, fmt.Errorf("no backend supports remote listing")
	}

	dataDir := filepath.Join(o.root, o.dataFolder)
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dataDir, err)
	}

	report := &VerifyReport{Backend: listerName}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := schedule.ParseFolderDate(name); !ok {
			continue
		}
		if !o.catalog.IsFolderCompleted(name) {
			continue
		}
		report.FoldersChecked++

		ok, err := o.verifyFolder(ctx, lister, name)
		if err != nil {
			return report, fmt.Errorf("failed to verify %s: %w", name, err)
		}
		if !ok {
			prefix := path.Join(o.dataFolder, name) + "/"
			o.catalog.InvalidateFolder(name, prefix)
			metrics.FoldersInvalidated.Inc()
			report.FoldersInvalidated = append(report.FoldersInvalidated, name)
		}
	}
	return report, nil
}

func (o *Orchestrator) verifyFolder(ctx context.Context, lister uploader.RemoteLister, name string) (bool, error) {
	dir := filepath.Join(o.root, o.dataFolder, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	local := make(map[string]int64)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if len(o.dataExts) > 0 && !o.dataExts[filepath.Ext(e.Name())] {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return false, err
		}
		if fi.Size() == 0 {
			// Empty files are recorded, never transferred.
			continue
		}
		local[e.Name()] = fi.Size()
	}

	remote, err := lister.ListRemote(ctx, path.Join(o.dataFolder, name))
	if err != nil {
		return false, err
	}
	remoteSizes := make(map[string]int64, len(remote))
	for _, rf := range remote {
		remoteSizes[rf.Name] = rf.Size
	}

	for fname, size := range local {
		rsize, ok := remoteSizes[fname]
		if !ok {
			o.log.Warn("verification: file missing remotely", "folder", name, "file", fname)
			return false, nil
		}
		if rsize != size {
			o.log.Warn("verification: size mismatch", "folder", name, "file", fname,
				"local", size, "remote", rsize)
			return false, nil
		}
	}
	return true, nil
}
