package bootctrl

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// SlotInfo is a read-only snapshot of one slot's on-disk identity,
// generalized from the bank bookkeeping kept by the source's fstab and
// blkid lookups: which block device backs it, what it is mounted at
// right now (if anything), and its filesystem UUID.
type SlotInfo struct {
	SlotID      string
	BlockDevice string
	MountPoint  string
	FSUUID      string
	Mounted     bool
}

// DiscoverSlotInfo reads /proc/mounts and blkid-style UUID metadata to
// build a SlotInfo for each configured slot. It never fails on an
// individual slot being unmounted or lacking a UUID; it only fails if
// /proc/mounts cannot be read at all.
func DiscoverSlotInfo(slots []SlotConfigLike) ([]SlotInfo, error) {
	mounts, err := parseProcMounts("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("read /proc/mounts: %w", err)
	}
	infos := make([]SlotInfo, 0, len(slots))
	for _, s := range slots {
		info := SlotInfo{
			SlotID:      s.ID(),
			BlockDevice: s.Device(),
			MountPoint:  s.Mount(),
		}
		if mp, ok := mounts[s.Device()]; ok {
			info.Mounted = true
			info.MountPoint = mp
		}
		info.FSUUID, _ = blkidUUID(s.Device())
		infos = append(infos, info)
	}
	return infos, nil
}

// SlotConfigLike is the narrow view DiscoverSlotInfo needs from a slot
// descriptor, so it does not have to import pkg/config and create a
// dependency cycle with callers that construct config.SlotConfig.
type SlotConfigLike interface {
	ID() string
	Device() string
	Mount() string
}

func parseProcMounts(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		fields := strings.Fields(scan.Text())
		if len(fields) < 2 {
			continue
		}
		result[fields[0]] = fields[1]
	}
	return result, scan.Err()
}

func blkidUUID(device string) (string, error) {
	out, err := exec.Command("blkid", "-s", "UUID", "-o", "value", device).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
