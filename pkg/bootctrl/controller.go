package bootctrl

import (
	"github.com/otaclient/otaclient/pkg/config"
	"github.com/otaclient/otaclient/pkg/log"
	"github.com/otaclient/otaclient/pkg/otaerrors"
)

// Controller drives the slot lifecycle state machine:
// pre_update/post_update/post_rollback/on_failure plus the
// finalization pass a process runs on every startup.
type Controller struct {
	cfg     config.Config
	adapter Adapter

	activeSlot  config.SlotConfig
	standbySlot config.SlotConfig
	activeID    string

	activeStore  *SlotStateStore
	standbyStore *SlotStateStore
}

// NewController resolves the active/standby slots via the bootloader
// adapter and opens both slots' state stores.
func NewController(cfg config.Config) (*Controller, error) {
	adapter, err := NewAdapter(cfg.Bootloader, cfg)
	if err != nil {
		return nil, err
	}
	activeID, err := adapter.DetectSlots()
	if err != nil {
		return nil, otaerrors.Unrecoverablef(err, "detect active slot")
	}
	activeSlot, ok := cfg.SlotByID(activeID)
	if !ok {
		return nil, otaerrors.Unrecoverablef(nil, "active slot %q not present in configuration", activeID)
	}
	standbySlot, err := cfg.OtherSlot(activeID)
	if err != nil {
		return nil, otaerrors.Unrecoverablef(err, "resolve standby slot")
	}

	activeStore, err := NewSlotStateStore(activeSlot.SlotID, activeSlot.OTAStatusDir)
	if err != nil {
		return nil, err
	}
	standbyStore, err := NewSlotStateStore(standbySlot.SlotID, standbySlot.OTAStatusDir)
	if err != nil {
		return nil, err
	}

	warnIfStandbyMounted(activeSlot, standbySlot)

	c := &Controller{
		cfg:          cfg,
		adapter:      adapter,
		activeSlot:   activeSlot,
		standbySlot:  standbySlot,
		activeID:     activeID,
		activeStore:  activeStore,
		standbyStore: standbyStore,
	}
	return c, nil
}

// warnIfStandbyMounted cross-checks the configured slots against
// /proc/mounts: if the standby device is already mounted, PrepareStandby's
// unmount-then-mkfs sequence could be racing something else that holds it
// open, so this is surfaced as a warning before the update proceeds.
func warnIfStandbyMounted(activeSlot, standbySlot config.SlotConfig) {
	infos, err := DiscoverSlotInfo([]SlotConfigLike{activeSlot, standbySlot})
	if err != nil {
		log.Errorf("new_controller: discover slot info", err)
		return
	}
	for _, info := range infos {
		if info.SlotID == standbySlot.SlotID && info.Mounted {
			log.WithSlot(info.SlotID).Warn().Str("mount_point", info.MountPoint).
				Msg("standby slot device is already mounted at controller startup")
		}
	}
}

// ActiveSlotID returns the currently booted slot.
func (c *Controller) ActiveSlotID() string { return c.activeID }

// Status returns the active slot's persisted lifecycle status.
func (c *Controller) Status() (Status, error) {
	return c.activeStore.Status()
}

// ActiveVersion returns the version string persisted on the active
// slot, or "" if none has ever been recorded there.
func (c *Controller) ActiveVersion() (string, error) {
	return c.activeStore.Version()
}

// Finalize runs once per process startup: it resolves whatever
// ambiguous state a prior update/rollback left behind into a definite
// SUCCESS/FAILURE/ROLLBACK_FAILURE, using the bootloader adapter's own
// view of which slot actually booted to distinguish a genuine success
// from a silent bootloader fallback.
func (c *Controller) Finalize() error {
	status, err := c.activeStore.Status()
	if err != nil {
		return err
	}
	logger := log.WithSlot(c.activeID)

	switch status {
	case StatusUpdating, StatusRollbacking:
		// c.activeSlot is the slot PreUpdate/PostRollback marked
		// UPDATING/ROLLBACKING before the reboot that led here: it was
		// standby back then, and this check confirms the bootloader
		// genuinely switched to it rather than just happening to share
		// its slot id with whatever DetectSlots() reports now.
		switched, err := c.adapter.IsSwitchingFromActiveToStandby(c.activeSlot)
		if err != nil {
			return otaerrors.Recoverablef(err, "check bootloader switch outcome")
		}
		if switched {
			if err := c.adapter.Finalize(); err != nil {
				return otaerrors.Recoverablef(err, "commit bootloader configuration")
			}
			logger.Info().Str("from", string(status)).Msg("finalization: boot succeeded on target slot")
			return c.activeStore.SetStatus(StatusSuccess)
		}
		failureStatus := StatusFailure
		if status == StatusRollbacking {
			failureStatus = StatusRollbackFailure
		}
		logger.Warn().Str("from", string(status)).Msg("finalization: bootloader did not switch to target slot")
		return c.activeStore.SetStatus(failureStatus)

	case StatusSuccess:
		slotInUse, err := c.activeStore.SlotInUse()
		if err != nil {
			return err
		}
		if slotInUse != "" && slotInUse != c.activeID {
			logger.Warn().Str("slot_in_use", slotInUse).Msg("finalization: silent bootloader fallback detected")
			return c.activeStore.SetStatus(StatusFailure)
		}
		return nil

	default:
		return nil
	}
}

// PreUpdate records UPDATING on standby, marks slot_in_use=standby on
// both slots so a reboot mid-update is still detected as targeting
// standby, and prepares the standby block device/mount.
func (c *Controller) PreUpdate(version string, eraseStandby bool) error {
	if err := c.standbyStore.SetStatus(StatusUpdating); err != nil {
		return err
	}
	if err := c.standbyStore.SetVersion(version); err != nil {
		return err
	}
	if err := c.standbyStore.SetSlotInUse(c.standbySlot.SlotID); err != nil {
		return err
	}
	if err := c.activeStore.SetSlotInUse(c.standbySlot.SlotID); err != nil {
		return err
	}
	if err := c.adapter.PrepareStandby(c.standbySlot, eraseStandby); err != nil {
		return otaerrors.Recoverablef(err, "prepare standby slot %s", c.standbySlot.SlotID)
	}
	return nil
}

// PostUpdate commits a bootloader entry that boots standby next, then
// reboots. It does not return on success.
func (c *Controller) PostUpdate() error {
	if err := c.adapter.WriteBootEntry(c.standbySlot); err != nil {
		return otaerrors.Recoverablef(err, "write boot entry for standby slot %s", c.standbySlot.SlotID)
	}
	log.WithSlot(c.standbySlot.SlotID).Info().Msg("post_update: boot entry written, rebooting")
	return c.adapter.Reboot()
}

// PostRollback re-points the bootloader at standby (the slot being
// rolled back to) and reboots.
func (c *Controller) PostRollback() error {
	if err := c.standbyStore.SetStatus(StatusRollbacking); err != nil {
		return err
	}
	if err := c.standbyStore.SetSlotInUse(c.standbySlot.SlotID); err != nil {
		return err
	}
	if err := c.activeStore.SetSlotInUse(c.standbySlot.SlotID); err != nil {
		return err
	}
	if err := c.adapter.WriteBootEntry(c.standbySlot); err != nil {
		return otaerrors.Recoverablef(err, "write rollback boot entry for slot %s", c.standbySlot.SlotID)
	}
	return c.adapter.Reboot()
}

// OnFailure writes FAILURE to the standby slot's status, unmounts it,
// and returns the original error unchanged so callers can propagate
// it upward after cleanup.
func (c *Controller) OnFailure(cause error) error {
	if err := c.standbyStore.SetStatus(StatusFailure); err != nil {
		log.Errorf("on_failure: set standby status", err)
	}
	if err := unmountBestEffort(c.standbySlot.MountPoint); err != nil {
		log.Errorf("on_failure: unmount standby", err)
	}
	return cause
}
