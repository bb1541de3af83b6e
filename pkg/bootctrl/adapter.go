package bootctrl

import (
	"fmt"

	"github.com/otaclient/otaclient/pkg/config"
)

// Adapter is the narrow bootloader-family surface the core is allowed
// to depend on. Concrete families are a sealed set of variants
// (below), resolved once at startup from configuration instead of
// runtime class substitution.
type Adapter interface {
	// DetectSlots resolves which configured slot is currently active.
	DetectSlots() (activeSlotID string, err error)
	// PrepareStandby mounts (and, if erase, formats) the standby slot.
	PrepareStandby(standby config.SlotConfig, erase bool) error
	// WriteBootEntry produces a bootloader entry that boots standby on
	// the next reboot.
	WriteBootEntry(standby config.SlotConfig) error
	// Finalize commits any bootloader configuration staged by
	// WriteBootEntry (e.g. regenerating grub.cfg).
	Finalize() error
	// IsSwitchingFromActiveToStandby reports whether the bootloader's
	// own state confirms a prior WriteBootEntry actually took effect
	// for the given standby slot.
	IsSwitchingFromActiveToStandby(standby config.SlotConfig) (bool, error)
	// Reboot triggers a device reboot. It does not return on success.
	Reboot() error
}

// NewAdapter resolves the sealed adapter variant named by family. This
// is the only place new bootloader families are registered.
func NewAdapter(family config.BootloaderFamily, cfg config.Config) (Adapter, error) {
	switch family {
	case config.BootloaderGrub:
		return &grubAdapter{cfg: cfg}, nil
	case config.BootloaderExtlinux:
		return &extlinuxAdapter{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown bootloader family %q", family)
	}
}
