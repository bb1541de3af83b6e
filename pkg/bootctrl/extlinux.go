package bootctrl

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/otaclient/otaclient/pkg/config"
	"github.com/otaclient/otaclient/pkg/log"
	"golang.org/x/sys/unix"
)

// extlinuxAdapter targets NVIDIA cboot/UEFI devices: it rewrites the
// APPEND root=PARTUUID=... line in extlinux.conf on the standby slot
// and delegates slot selection to nvbootctrl.
type extlinuxAdapter struct {
	cfg config.Config
}

func (a *extlinuxAdapter) DetectSlots() (string, error) {
	out, err := exec.Command("nvbootctrl", "get-current-slot").Output()
	if err != nil {
		return "", fmt.Errorf("nvbootctrl get-current-slot: %w", err)
	}
	idx := strings.TrimSpace(string(out))
	for _, slot := range a.cfg.Slots {
		if slot.SlotID == idx {
			return slot.SlotID, nil
		}
	}
	return "", fmt.Errorf("nvbootctrl reported unrecognized slot index %q", idx)
}

func (a *extlinuxAdapter) PrepareStandby(standby config.SlotConfig, erase bool) error {
	logger := log.WithSlot(standby.SlotID)
	if erase {
		logger.Info().Str("device", standby.BlockDevice).Msg("formatting standby block device (mkfs)")
		if err := exec.Command("mkfs.ext4", "-F", standby.BlockDevice).Run(); err != nil {
			return fmt.Errorf("mkfs %s: %w", standby.BlockDevice, err)
		}
	}
	_ = unix.Unmount(standby.MountPoint, unix.MNT_DETACH)
	if err := os.MkdirAll(standby.MountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point %s: %w", standby.MountPoint, err)
	}
	if err := unix.Mount(standby.BlockDevice, standby.MountPoint, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", standby.BlockDevice, standby.MountPoint, err)
	}
	return nil
}

func (a *extlinuxAdapter) WriteBootEntry(standby config.SlotConfig) error {
	confPath := filepath.Join(standby.MountPoint, "boot", "extlinux", "extlinux.conf")
	partUUID, err := blkidPartUUID(standby.BlockDevice)
	if err != nil {
		return err
	}
	if err := rewriteAppendRoot(confPath, partUUID); err != nil {
		return err
	}
	if err := exec.Command("nvbootctrl", "set-active-boot-slot", standby.SlotID).Run(); err != nil {
		return fmt.Errorf("nvbootctrl set-active-boot-slot: %w", err)
	}
	return writeSwitchTarget(a.cfg.BootDir, standby.SlotID)
}

func (a *extlinuxAdapter) Finalize() error {
	return nil
}

// IsSwitchingFromActiveToStandby confirms that the slot recorded by the
// last WriteBootEntry call (persisted independently of this process's
// own DetectSlots() resolution) matches the requested slot, and that
// the device actually booted there.
func (a *extlinuxAdapter) IsSwitchingFromActiveToStandby(standby config.SlotConfig) (bool, error) {
	target, err := readSwitchTarget(a.cfg.BootDir)
	if err != nil {
		return false, err
	}
	if target != standby.SlotID {
		return false, nil
	}
	active, err := a.DetectSlots()
	if err != nil {
		return false, err
	}
	return active == standby.SlotID, nil
}

func (a *extlinuxAdapter) Reboot() error {
	log.Info("rebooting via extlinux adapter")
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func blkidPartUUID(device string) (string, error) {
	out, err := exec.Command("blkid", "-s", "PARTUUID", "-o", "value", device).Output()
	if err != nil {
		return "", fmt.Errorf("blkid %s: %w", device, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// rewriteAppendRoot rewrites the "root=PARTUUID=..." token on every
// APPEND line of an extlinux.conf, leaving the rest of the file as-is.
func rewriteAppendRoot(path, partUUID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var out strings.Builder
	scan := bufio.NewScanner(strings.NewReader(string(data)))
	for scan.Scan() {
		line := scan.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "APPEND") {
			line = replaceRootParam(line, "root=PARTUUID="+partUUID)
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(out.String()), 0o644)
}

func replaceRootParam(line, replacement string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if strings.HasPrefix(f, "root=") {
			fields[i] = replacement
			return strings.Join(fields, " ")
		}
	}
	return line + " " + replacement
}
