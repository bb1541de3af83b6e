package bootctrl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/otaclient/otaclient/pkg/config"
	"github.com/otaclient/otaclient/pkg/log"
	"golang.org/x/sys/unix"
)

// grubAdapter targets a GRUB2 bootloader: a custom.cfg menu entry
// pointing at the standby slot's UUID, committed by regenerating
// grub.cfg.
type grubAdapter struct {
	cfg config.Config
}

func (a *grubAdapter) DetectSlots() (string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", fmt.Errorf("read /proc/cmdline: %w", err)
	}
	for _, slot := range a.cfg.Slots {
		if containsToken(string(data), "root="+slot.BlockDevice) {
			return slot.SlotID, nil
		}
	}
	return "", fmt.Errorf("no configured slot matches the current root= kernel parameter")
}

func (a *grubAdapter) PrepareStandby(standby config.SlotConfig, erase bool) error {
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

func (a *grubAdapter) WriteBootEntry(standby config.SlotConfig) error {
	customCfg := filepath.Join(a.cfg.BootDir, "grub", "custom.cfg")
	uuid, err := blkidUUID(standby.BlockDevice)
	if err != nil {
		return fmt.Errorf("blkid %s: %w", standby.BlockDevice, err)
	}
	entry := fmt.Sprintf(
		"menuentry 'otaclient-standby' {\n\tsearch --no-floppy --fs-uuid --set=root %s\n\tlinux /vmlinuz root=%s ro\n\tinitrd /initrd.img\n}\n",
		uuid, standby.BlockDevice,
	)
	if err := os.MkdirAll(filepath.Dir(customCfg), 0o755); err != nil {
		return fmt.Errorf("create grub dir: %w", err)
	}
	if err := os.WriteFile(customCfg, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", customCfg, err)
	}
	return writeSwitchTarget(a.cfg.BootDir, standby.SlotID)
}

func (a *grubAdapter) Finalize() error {
	if err := exec.Command("grub-mkconfig", "-o", filepath.Join(a.cfg.BootDir, "grub", "grub.cfg")).Run(); err != nil {
		return fmt.Errorf("grub-mkconfig: %w", err)
	}
	return nil
}

// IsSwitchingFromActiveToStandby confirms that the slot recorded by the
// last WriteBootEntry call (persisted independently of this process's
// own DetectSlots() resolution) matches the requested slot, and that
// the device actually booted there.
func (a *grubAdapter) IsSwitchingFromActiveToStandby(standby config.SlotConfig) (bool, error) {
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

func (a *grubAdapter) Reboot() error {
	log.Info("rebooting via grub adapter")
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func containsToken(haystack, token string) bool {
	for _, field := range splitWhitespace(haystack) {
		if field == token {
			return true
		}
	}
	return false
}

func splitWhitespace(s string) []string {
	var fields []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
