// Package bootctrl implements the A/B slot lifecycle state machine:
// persisted OTA status per slot, post-reboot finalization, and a
// narrow bootloader adapter surface.
package bootctrl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/otaclient/otaclient/pkg/metrics"
)

// Status is the persisted lifecycle state of one slot.
type Status string

const (
	StatusInitialized     Status = "INITIALIZED"
	StatusUpdating        Status = "UPDATING"
	StatusSuccess         Status = "SUCCESS"
	StatusFailure         Status = "FAILURE"
	StatusRollbacking     Status = "ROLLBACKING"
	StatusRollbackFailure Status = "ROLLBACK_FAILURE"
)

const (
	fileStatus    = "status"
	fileVersion   = "version"
	fileSlotInUse = "slot_in_use"
)

// allStatuses enumerates every Status value BootStatusGauge tracks, so
// SetStatus can zero out the slot's previous status label alongside
// setting the new one.
var allStatuses = []Status{
	StatusInitialized,
	StatusUpdating,
	StatusSuccess,
	StatusFailure,
	StatusRollbacking,
	StatusRollbackFailure,
}

// SlotStateStore serializes {status, version, slot_in_use} for one
// slot, each as its own plain-text file rewritten atomically (temp
// file + fsync + rename) so a crash at any point leaves either the
// pre- or post-state, never a partial file.
type SlotStateStore struct {
	slotID string
	dir    string
}

// NewSlotStateStore binds a store to a slot's ota_status_dir, creating
// it if absent.
func NewSlotStateStore(slotID, otaStatusDir string) (*SlotStateStore, error) {
	if err := os.MkdirAll(otaStatusDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ota status dir %s: %w", otaStatusDir, err)
	}
	return &SlotStateStore{slotID: slotID, dir: otaStatusDir}, nil
}

func (s *SlotStateStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *SlotStateStore) read(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *SlotStateStore) write(name, value string) error {
	r := strings.NewReader(value + "\n")
	if err := atomic.WriteFile(s.path(name), r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Status returns the persisted status, or StatusInitialized if the
// file has never been written.
func (s *SlotStateStore) Status() (Status, error) {
	v, err := s.read(fileStatus)
	if err != nil {
		return "", err
	}
	if v == "" {
		return StatusInitialized, nil
	}
	return Status(v), nil
}

// SetStatus persists status atomically and reflects it onto
// BootStatusGauge, zeroing out whichever status label previously read
// 1 for this slot.
func (s *SlotStateStore) SetStatus(status Status) error {
	if err := s.write(fileStatus, string(status)); err != nil {
		return err
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == status {
			v = 1
		}
		metrics.BootStatusGauge.WithLabelValues(s.slotID, string(st)).Set(v)
	}
	return nil
}

// Version returns the persisted version string, or "" if unset.
func (s *SlotStateStore) Version() (string, error) {
	return s.read(fileVersion)
}

// SetVersion persists version atomically.
func (s *SlotStateStore) SetVersion(version string) error {
	return s.write(fileVersion, version)
}

// SlotInUse returns the slot id the device is expected to boot on the
// next reboot, or "" if unset.
func (s *SlotStateStore) SlotInUse() (string, error) {
	return s.read(fileSlotInUse)
}

// SetSlotInUse persists slot_in_use atomically.
func (s *SlotStateStore) SetSlotInUse(slotID string) error {
	return s.write(fileSlotInUse, slotID)
}
