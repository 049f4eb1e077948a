// Package catalog is the durable record of upload progress: which
// dated folders are done, which are pending, per-file content
// checksums, and the current retry target. State lives in memory and
// is mirrored to a sqlite database on every forward-progress mutation,
// so a crash or power loss costs at most the mutation in flight.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/sdsync/sdsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
    name        TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    first_seen  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
    path        TEXT PRIMARY KEY,
    checksum    TEXT NOT NULL,
    size        INTEGER NOT NULL,
    uploaded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops (
    id     TEXT PRIMARY KEY,
    op     TEXT NOT NULL,
    target TEXT NOT NULL,
    at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_status ON folders(status);
`

const (
	metaRetryFolder = "current_retry_folder"
	metaRetryCount  = "current_retry_count"
	metaLastUpload  = "last_upload"
)

// Options configures a Store.
type Options struct {
	Path          string
	Passphrase    string // empty disables at-rest encryption
	PendingWindow time.Duration
	Logger        *slog.Logger
}

// Store is the upload catalog. Reads come from the in-memory mirror;
// writes go to memory first and then best-effort to sqlite. A failed
// database write is logged and the session continues: losing progress
// bookkeeping only costs re-upload work, never data.
type Store struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu        sync.RWMutex
	db        *sql.DB
	completed map[string]bool
	pending   map[string]time.Time // name -> first seen
	files     map[string]model.FileRecord
	retryName string
	retryNum  int
	lastUp    time.Time
}

// New creates a Store; Begin must be called before use.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = 7 * 24 * time.Hour
	}
	return &Store{
		opts:      opts,
		log:       opts.Logger,
		now:       time.Now,
		completed: make(map[string]bool),
		pending:   make(map[string]time.Time),
		files:     make(map[string]model.FileRecord),
	}
}

func (s *Store) dsn() string {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", s.opts.Path)
	if s.opts.Passphrase != "" {
		dsn += "&_pragma_key=" + s.opts.Passphrase
	}
	return dsn
}

// Begin opens the database and loads the mirror. A missing, unreadable
// or corrupt store is tolerated: the catalog starts empty and the file
// is recreated, because the worst case of lost bookkeeping is redundant
// re-upload, which the checksum gate keeps idempotent.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openAndLoad(ctx); err != nil {
		s.log.Warn("catalog unreadable, starting with empty state", "path", s.opts.Path, "error", err)
		if s.db != nil {
			s.db.Close()
			s.db = nil
		}
		if rmErr := os.Remove(s.opts.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("failed to remove corrupt catalog", "error", rmErr)
		}
		if err := s.openAndLoad(ctx); err != nil {
			// Still broken (e.g. directory missing): run memory-only.
			s.log.Error("catalog persistence unavailable, running in memory only", "error", err)
			if s.db != nil {
				s.db.Close()
			}
			s.db = nil
		}
	}
	return nil
}

func (s *Store) openAndLoad(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping catalog: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	s.db = db

	s.completed = make(map[string]bool)
	s.pending = make(map[string]time.Time)
	s.files = make(map[string]model.FileRecord)
	s.retryName = ""
	s.retryNum = 0
	s.lastUp = time.Time{}

	rows, err := db.QueryContext(ctx, `SELECT name, status, first_seen FROM folders`)
	if err != nil {
		return fmt.Errorf("failed to load folders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, status string
		var firstSeen int64
		if err := rows.Scan(&name, &status, &firstSeen); err != nil {
			return fmt.Errorf("failed to scan folder row: %w", err)
		}
		switch model.FolderStatus(status) {
		case model.FolderCompleted:
			s.completed[name] = true
		case model.FolderPending:
			s.pending[name] = time.Unix(firstSeen, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate folders: %w", err)
	}

	frows, err := db.QueryContext(ctx, `SELECT path, checksum, size, uploaded_at FROM files`)
	if err != nil {
		return fmt.Errorf("failed to load files: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var rec model.FileRecord
		var uploaded int64
		if err := frows.Scan(&rec.Path, &rec.Checksum, &rec.Size, &uploaded); err != nil {
			return fmt.Errorf("failed to scan file row: %w", err)
		}
		rec.Uploaded = time.Unix(uploaded, 0)
		s.files[rec.Path] = rec
	}
	if err := frows.Err(); err != nil {
		return fmt.Errorf("failed to iterate files: %w", err)
	}

	var v string
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaRetryFolder).Scan(&v); err == nil {
		s.retryName = v
	}
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaRetryCount).Scan(&v); err == nil {
		fmt.Sscanf(v, "%d", &s.retryNum)
	}
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastUpload).Scan(&v); err == nil {
		var unix int64
		fmt.Sscanf(v, "%d", &unix)
		s.lastUp = time.Unix(unix, 0)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// persist runs fn against the database, logging instead of failing when
// persistence is unavailable or the write errors.
func (s *Store) persist(op, target string, fn func(*sql.Tx) error) {
	if s.db == nil {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.log.Warn("catalog write skipped", "op", op, "error", err)
		return
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		s.log.Warn("catalog write failed", "op", op, "target", target, "error", err)
		return
	}
	if _, err := tx.Exec(`INSERT INTO ops (id, op, target, at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), op, target, s.now().Unix()); err != nil {
		tx.Rollback()
		s.log.Warn("catalog op journal failed", "op", op, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn("catalog commit failed", "op", op, "target", target, "error", err)
	}
}

// IsFolderCompleted reports whether name is marked completed.
func (s *Store) IsFolderCompleted(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[name]
}

// IsPendingFolder reports whether name is on the pending watch list.
func (s *Store) IsPendingFolder(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[name]
	return ok
}

// MarkFolderCompleted marks name completed and clears any pending or
// retry state it held.
func (s *Store) MarkFolderCompleted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed[name] = true
	delete(s.pending, name)
	if s.retryName == name {
		s.retryName = ""
		s.retryNum = 0
	}
	s.persist("folder_completed", name, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO folders (name, status) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET status = excluded.status, first_seen = 0, retry_count = 0`,
			name, string(model.FolderCompleted)); err != nil {
			return err
		}
		return s.writeRetryMeta(tx)
	})
}

// MarkFolderPending puts name on the pending watch list with the given
// first-seen time. Completed folders are never demoted to pending.
func (s *Store) MarkFolderPending(name string, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed[name] {
		return
	}
	if _, ok := s.pending[name]; ok {
		return
	}
	s.pending[name] = since
	s.persist("folder_pending", name, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO folders (name, status, first_seen) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET status = excluded.status, first_seen = excluded.first_seen`,
			name, string(model.FolderPending), since.Unix())
		return err
	})
}

// RemoveFolderFromPending drops name from the pending list, e.g. when
// content appeared and the folder goes through the normal upload path.
func (s *Store) RemoveFolderFromPending(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[name]; !ok {
		return
	}
	delete(s.pending, name)
	s.persist("folder_unpending", name, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM folders WHERE name = ? AND status = ?`,
			name, string(model.FolderPending))
		return err
	})
}

// ShouldPromotePendingToCompleted reports whether name has sat on the
// pending list for longer than the promotion window as of now.
func (s *Store) ShouldPromotePendingToCompleted(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since, ok := s.pending[name]
	if !ok {
		return false
	}
	return now.Sub(since) >= s.opts.PendingWindow
}

// PromotePendingToCompleted moves name from pending to completed.
func (s *Store) PromotePendingToCompleted(name string) {
	s.mu.Lock()
	pendingNow := false
	if _, ok := s.pending[name]; ok {
		pendingNow = true
	}
	s.mu.Unlock()
	if !pendingNow {
		return
	}
	s.log.Info("promoting pending folder to completed", "folder", name)
	s.MarkFolderCompleted(name)
}

// InvalidateFolder regresses a completed folder to incomplete and drops
// the checksum records under it, forcing a full re-examination. This is
// the verification pass's sole correction path.
func (s *Store) InvalidateFolder(name string, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.completed[name] {
		return
	}
	delete(s.completed, name)
	var dropped []string
	for path := range s.files {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			dropped = append(dropped, path)
			delete(s.files, path)
		}
	}
	s.log.Warn("folder invalidated", "folder", name, "files_dropped", len(dropped))
	s.persist("folder_invalidated", name, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM folders WHERE name = ?`, name); err != nil {
			return err
		}
		for _, path := range dropped {
			if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetCurrentRetryFolder records name as the folder being retried,
// resetting the count when the target changes.
func (s *Store) SetCurrentRetryFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryName == name {
		return
	}
	s.retryName = name
	s.retryNum = 0
	s.persist("retry_target", name, s.writeRetryMeta)
}

// IncrementCurrentRetryCount bumps the retry counter and returns the
// new value.
func (s *Store) IncrementCurrentRetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryNum++
	n := s.retryNum
	s.persist("retry_increment", s.retryName, s.writeRetryMeta)
	return n
}

// GetCurrentRetryCount returns the retry count for name, zero when name
// is not the current retry target.
func (s *Store) GetCurrentRetryCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.retryName != name {
		return 0
	}
	return s.retryNum
}

// ClearCurrentRetry forgets the retry target.
func (s *Store) ClearCurrentRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryName == "" && s.retryNum == 0 {
		return
	}
	prev := s.retryName
	s.retryName = ""
	s.retryNum = 0
	s.persist("retry_clear", prev, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE folders SET retry_count = 0 WHERE name = ?`, prev); err != nil {
			return err
		}
		return s.writeRetryMeta(tx)
	})
}

// writeRetryMeta persists the retry target to the meta table and
// mirrors the count onto the target's folder row.
func (s *Store) writeRetryMeta(tx *sql.Tx) error {
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaRetryFolder, s.retryName); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaRetryCount, fmt.Sprintf("%d", s.retryNum)); err != nil {
		return err
	}
	if s.retryName == "" {
		return nil
	}
	_, err := tx.Exec(
		`INSERT INTO folders (name, status, retry_count) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET retry_count = excluded.retry_count`,
		s.retryName, string(model.FolderIncomplete), s.retryNum)
	return err
}

// HasFileChanged reports whether path needs uploading: true when no
// record exists or when the recorded checksum or size differs.
func (s *Store) HasFileChanged(path, checksum string, size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[path]
	if !ok {
		return true
	}
	return rec.Checksum != checksum || rec.Size != size
}

// MarkFileUploaded records the checksum and size observed for path. The
// caller computes the checksum before transfer and re-checks the size
// afterwards, so the record only lands when both match.
func (s *Store) MarkFileUploaded(path, checksum string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.files[path] = model.FileRecord{Path: path, Checksum: checksum, Size: size, Uploaded: now}
	s.lastUp = now
	s.persist("file_uploaded", path, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO files (path, checksum, size, uploaded_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET checksum = excluded.checksum,
			     size = excluded.size, uploaded_at = excluded.uploaded_at`,
			path, checksum, size, now.Unix()); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			metaLastUpload, fmt.Sprintf("%d", now.Unix()))
		return err
	})
}

// OpEntry is one entry of the append-only mutation journal.
type OpEntry struct {
	ID     string    `json:"id"`
	Op     string    `json:"op"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

// RecentOps returns the most recent journal entries, newest first. The
// journal records every persisted mutation for field diagnosis; an
// unavailable database yields an empty history.
func (s *Store) RecentOps(ctx context.Context, limit int) ([]OpEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, target, at FROM ops ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read op journal: %w", err)
	}
	defer rows.Close()

	var out []OpEntry
	for rows.Next() {
		var e OpEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.Op, &e.Target, &at); err != nil {
			return nil, fmt.Errorf("failed to scan op row: %w", err)
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastUpload returns the time of the most recent recorded upload.
func (s *Store) LastUpload() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUp
}

// Stats returns a snapshot for the status surface.
func (s *Store) Stats() model.CatalogStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.CatalogStats{
		CompletedFolders: len(s.completed),
		PendingFolders:   len(s.pending),
		TrackedFiles:     len(s.files),
		CurrentRetry:     s.retryName,
		RetryCount:       s.retryNum,
		LastUpload:       s.lastUp,
	}
}

// Save writes the full mirror to the database in one transaction. The
// per-mutation writes make this a checkpoint rather than a necessity;
// it runs at session end so a mid-session write failure gets a second
// chance. Persistence failure is logged, never fatal.
func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.Warn("catalog checkpoint failed to start", "error", err)
		return nil
	}
	err = func() error {
		if _, err := tx.Exec(`DELETE FROM folders`); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM files`); err != nil {
			return err
		}
		for name := range s.completed {
			if _, err := tx.Exec(`INSERT INTO folders (name, status) VALUES (?, ?)`,
				name, string(model.FolderCompleted)); err != nil {
				return err
			}
		}
		for name, since := range s.pending {
			if _, err := tx.Exec(`INSERT INTO folders (name, status, first_seen) VALUES (?, ?, ?)`,
				name, string(model.FolderPending), since.Unix()); err != nil {
				return err
			}
		}
		for _, rec := range s.files {
			if _, err := tx.Exec(`INSERT INTO files (path, checksum, size, uploaded_at) VALUES (?, ?, ?, ?)`,
				rec.Path, rec.Checksum, rec.Size, rec.Uploaded.Unix()); err != nil {
				return err
			}
		}
		if err := s.writeRetryMeta(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			metaLastUpload, fmt.Sprintf("%d", s.lastUp.Unix())); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		tx.Rollback()
		s.log.Warn("catalog checkpoint failed", "error", err)
	}
	return nil
}
