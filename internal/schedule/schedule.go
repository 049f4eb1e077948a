// Package schedule decides when an upload attempt is allowed and which
// age categories of data it may send. Scheduled mode uploads once per
// calendar day inside an hour window; smart mode uploads whenever the
// bus is quiet.
package schedule

import (
	"sync"
	"time"

	"github.com/sdsync/sdsync/internal/model"
)

// folderDateLayout is the fixed-width dated folder name format. The
// zero padding makes lexical order equal chronological order.
const folderDateLayout = "20060102"

// Scheduler gates upload attempts. Safe for concurrent use.
type Scheduler struct {
	mode             model.UploadMode
	startHour        int
	endHour          int
	maxAgeDays       int
	recentFolderDays int
	now              func() time.Time

	mu           sync.Mutex
	completedDay string // date code of the last completed scheduled day
}

// Options configures a Scheduler.
type Options struct {
	Mode             model.UploadMode
	StartHour        int
	EndHour          int
	MaxAgeDays       int // 0 = unlimited
	RecentFolderDays int
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		mode:             opts.Mode,
		startHour:        opts.StartHour,
		endHour:          opts.EndHour,
		maxAgeDays:       opts.MaxAgeDays,
		recentFolderDays: opts.RecentFolderDays,
		now:              time.Now,
	}
}

// IsSmartMode reports whether the scheduler runs in smart mode.
func (s *Scheduler) IsSmartMode() bool {
	return s.mode == model.ModeSmart
}

// IsInUploadWindow reports whether the current time falls inside the
// configured hour window. A window whose start is after its end wraps
// past midnight. Smart mode has no window and is always inside it.
func (s *Scheduler) IsInUploadWindow() bool {
	if s.mode == model.ModeSmart {
		return true
	}
	h := s.now().Hour()
	if s.startHour < s.endHour {
		return h >= s.startHour && h < s.endHour
	}
	// Wrapped window, e.g. 22..6.
	return h >= s.startHour || h < s.endHour
}

// IsDayCompleted reports whether today's scheduled upload already ran.
// The flag resets implicitly at midnight because it is keyed by date.
func (s *Scheduler) IsDayCompleted() bool {
	if s.mode == model.ModeSmart {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedDay == s.now().Format(folderDateLayout)
}

// MarkDayCompleted marks today's scheduled upload as done.
func (s *Scheduler) MarkDayCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedDay = s.now().Format(folderDateLayout)
}

// MarkUploadCompleted records a finished upload pass. In scheduled mode
// this completes the day; smart mode keeps no flag.
func (s *Scheduler) MarkUploadCompleted() {
	if s.mode == model.ModeScheduled {
		s.MarkDayCompleted()
	}
}

// IsUploadTime reports whether an upload attempt may start now.
func (s *Scheduler) IsUploadTime() bool {
	if s.mode == model.ModeSmart {
		return true
	}
	return s.IsInUploadWindow() && !s.IsDayCompleted()
}

// SecondsUntilNextUpload returns how long until the next allowed
// attempt: zero when an attempt may start now, otherwise the time to
// the next window opening (today's if still ahead and unconsumed,
// tomorrow's otherwise).
func (s *Scheduler) SecondsUntilNextUpload() time.Duration {
	if s.IsUploadTime() {
		return 0
	}
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.startHour, 0, 0, 0, now.Location())
	if !next.After(now) || s.IsDayCompleted() {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// CanUploadFreshData reports whether recent-category folders may be
// sent now.
func (s *Scheduler) CanUploadFreshData() bool {
	if s.mode == model.ModeSmart {
		return true
	}
	return s.IsUploadTime()
}

// CanUploadOldData reports whether old-category folders may be sent
// now. Smart mode has no window, so old data is always eligible;
// scheduled mode confines it to the window (but not the day flag, so a
// long backlog can drain across the whole window).
func (s *Scheduler) CanUploadOldData() bool {
	if s.mode == model.ModeSmart {
		return true
	}
	return s.IsInUploadWindow()
}

// AllowedFilter maps the current gates onto a data filter; ok is false
// when nothing may upload now.
func (s *Scheduler) AllowedFilter() (model.DataFilter, bool) {
	fresh := s.CanUploadFreshData()
	old := s.CanUploadOldData()
	switch {
	case fresh && old:
		return model.FilterAllData, true
	case fresh:
		return model.FilterFreshOnly, true
	case old:
		return model.FilterOldOnly, true
	default:
		return "", false
	}
}

// ParseFolderDate parses a dated folder name. ok is false for names
// that are not valid date codes; such folders are ignored by scans.
func ParseFolderDate(name string) (time.Time, bool) {
	if len(name) != len(folderDateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(folderDateLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsRecentFolder reports whether the folder's date falls within the
// recent re-check window ending today.
func (s *Scheduler) IsRecentFolder(name string) bool {
	d, ok := ParseFolderDate(name)
	if !ok {
		return false
	}
	cutoff := s.now().AddDate(0, 0, -s.recentFolderDays)
	return !d.Before(time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC))
}

// WithinMaxAge reports whether the folder's date is inside the maximum
// age horizon. A zero horizon accepts everything.
func (s *Scheduler) WithinMaxAge(name string) bool {
	if s.maxAgeDays == 0 {
		return true
	}
	d, ok := ParseFolderDate(name)
	if !ok {
		return false
	}
	cutoff := s.now().AddDate(0, 0, -s.maxAgeDays)
	return !d.Before(time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC))
}

// Category classifies a folder as fresh or old for filter matching.
func (s *Scheduler) Category(name string) model.DataFilter {
	if s.IsRecentFolder(name) {
		return model.FilterFreshOnly
	}
	return model.FilterOldOnly
}
