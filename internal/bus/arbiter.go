package bus

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sdsync/sdsync/internal/model"
)

// SwitchDriver flips the physical mux select line between the two bus
// masters.
type SwitchDriver interface {
	SetOwner(owner model.BusOwner) error
}

// Mounter mounts, remounts and unmounts the card filesystem.
type Mounter interface {
	Mount(device, mountPoint string, readOnly bool) error
	Remount(mountPoint string, readOnly bool) error
	Unmount(mountPoint string) error
}

// ResetSequencer drives the card's protocol reset sequence so it
// renegotiates cleanly with the therapy device after handback.
type ResetSequencer interface {
	Reset() error
}

// FileSwitch drives a mux select line exposed as a sysfs value file.
// Writes "0" for the therapy device, "1" for the controller.
type FileSwitch struct {
	Path string
}

func (s *FileSwitch) SetOwner(owner model.BusOwner) error {
	v := "0"
	if owner == model.OwnerController {
		v = "1"
	}
	if err := os.WriteFile(s.Path, []byte(v), 0o644); err != nil {
		return fmt.Errorf("failed to set mux select line: %w", err)
	}
	return nil
}

// ExecMounter shells out to mount(8)/umount(8).
type ExecMounter struct{}

func (ExecMounter) Mount(device, mountPoint string, readOnly bool) error {
	args := []string{device, mountPoint}
	if readOnly {
		args = append([]string{"-o", "ro"}, args...)
	}
	if out, err := exec.Command("mount", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("mount failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecMounter) Remount(mountPoint string, readOnly bool) error {
	opt := "remount,rw"
	if readOnly {
		opt = "remount,ro"
	}
	if out, err := exec.Command("mount", "-o", opt, mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("remount failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecMounter) Unmount(mountPoint string) error {
	if out, err := exec.Command("umount", mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("umount failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CardReset flushes the kernel's view of the block device before the
// mux flips back, so the therapy device renegotiates with a quiesced
// card.
type CardReset struct {
	device string
	log    *slog.Logger
}

// NewCardReset creates a reset sequencer for the given block device.
func NewCardReset(device string, logger *slog.Logger) *CardReset {
	if logger == nil {
		logger = slog.Default()
	}
	return &CardReset{device: device, log: logger}
}

func (r *CardReset) Reset() error {
	if out, err := exec.Command("blockdev", "--flushbufs", r.device).CombinedOutput(); err != nil {
		return fmt.Errorf("card reset failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Arbiter grants the controller exclusive, time-bounded access to the
// card. The therapy device is the default owner; the arbiter only ever
// holds the bus between a successful TakeControl and the matching
// ReleaseControl.
type Arbiter struct {
	sw      SwitchDriver
	mounter Mounter
	reset   ResetSequencer // nil disables the protocol reset

	device     string
	mountPoint string
	settle     time.Duration
	now        func() time.Time
	sleep      func(time.Duration)
	log        *slog.Logger

	mu         sync.Mutex
	hasControl bool
	mounted    bool
	acquiredAt time.Time
}

// ArbiterOptions configures a new Arbiter.
type ArbiterOptions struct {
	Switch     SwitchDriver
	Mounter    Mounter
	Reset      ResetSequencer
	Device     string
	MountPoint string
	SettleTime time.Duration
	Logger     *slog.Logger
}

// NewArbiter creates an arbiter. The mux is not touched until
// TakeControl.
func NewArbiter(opts ArbiterOptions) *Arbiter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		sw:         opts.Switch,
		mounter:    opts.Mounter,
		reset:      opts.Reset,
		device:     opts.Device,
		mountPoint: opts.MountPoint,
		settle:     opts.SettleTime,
		now:        time.Now,
		sleep:      time.Sleep,
		log:        logger,
	}
}

// TakeControl switches the mux to the controller, waits for the card to
// settle, and mounts the filesystem. On any failure the mux is switched
// back before returning, so a failed acquisition never strands the bus.
func (a *Arbiter) TakeControl(readOnly bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasControl {
		return fmt.Errorf("bus already held by controller")
	}

	if err := a.sw.SetOwner(model.OwnerController); err != nil {
		return fmt.Errorf("failed to acquire bus: %w", err)
	}
	a.sleep(a.settle)

	if err := a.mounter.Mount(a.device, a.mountPoint, readOnly); err != nil {
		if swErr := a.sw.SetOwner(model.OwnerTherapyDevice); swErr != nil {
			a.log.Error("failed to return bus after mount failure", "error", swErr)
		}
		return fmt.Errorf("failed to mount card: %w", err)
	}

	a.hasControl = true
	a.mounted = true
	a.acquiredAt = a.now()
	a.log.Info("bus acquired", "read_only", readOnly, "mount_point", a.mountPoint)
	return nil
}

// Remount changes the mount's read-only flag in place. Valid only while
// holding the bus.
func (a *Arbiter) Remount(readOnly bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasControl {
		return fmt.Errorf("cannot remount: bus not held")
	}
	if err := a.mounter.Remount(a.mountPoint, readOnly); err != nil {
		return fmt.Errorf("failed to remount card: %w", err)
	}
	return nil
}

// ReleaseControl hands the bus back to the therapy device. Every step
// runs regardless of earlier failures: the filesystem is unmounted, the
// card protocol is reset, and the mux is switched back. The first error
// encountered is returned, but the bus always ends owned by the
// therapy device. Safe to call when not holding the bus.
func (a *Arbiter) ReleaseControl() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasControl {
		return nil
	}

	var firstErr error
	if a.mounted {
		if err := a.mounter.Unmount(a.mountPoint); err != nil {
			a.log.Error("unmount failed during release", "error", err)
			firstErr = err
		}
		a.mounted = false
	}

	if a.reset != nil {
		if err := a.reset.Reset(); err != nil {
			a.log.Error("card protocol reset failed during release", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.sw.SetOwner(model.OwnerTherapyDevice); err != nil {
		a.log.Error("mux switch-back failed during release", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	a.sleep(a.settle)

	held := a.now().Sub(a.acquiredAt)
	a.hasControl = false
	a.log.Info("bus released", "held_for", held.Round(time.Millisecond))

	if firstErr != nil {
		return fmt.Errorf("bus release completed with errors: %w", firstErr)
	}
	return nil
}

// HasControl reports whether the controller currently holds the bus.
func (a *Arbiter) HasControl() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasControl
}

// Owner returns the current bus owner.
func (a *Arbiter) Owner() model.BusOwner {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hasControl {
		return model.OwnerController
	}
	return model.OwnerTherapyDevice
}

// MountPoint returns the configured card mount point.
func (a *Arbiter) MountPoint() string {
	return a.mountPoint
}
