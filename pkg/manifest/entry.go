// Package manifest parses the four OTA image meta-streams (regulars,
// directories, symlinks, persistents) into typed entry records and
// verifies the signed manifest envelope that names them.
package manifest

import "strings"

// RegularEntry describes one regular file in the target rootfs.
//
// Entries sharing the same Inode form a hardlink group and must share
// SHA256. Paths rooted at "/boot/" are routed to the boot directory
// rather than the standby rootfs mount point.
type RegularEntry struct {
	Mode   uint32
	UID    int
	GID    int
	NLink  int
	SHA256 string // hex-encoded, 64 chars
	Path   string
	Size   *int64
	Inode  *uint64
}

// GroupID returns the key identifying this entry's hardlink group: the
// inode tag if present, otherwise the content hash.
func (e RegularEntry) GroupID() string {
	if e.Inode != nil {
		return "ino:" + uitoa(*e.Inode)
	}
	return "sha:" + e.SHA256
}

// InBootDir reports whether this entry must be materialized under the
// boot directory instead of the standby rootfs mount point.
func (e RegularEntry) InBootDir() bool {
	return strings.HasPrefix(e.Path, "/boot/")
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DirectoryEntry describes one directory in the target rootfs.
type DirectoryEntry struct {
	Mode uint32
	UID  int
	GID  int
	Path string
}

// SymlinkEntry describes one symbolic link in the target rootfs.
type SymlinkEntry struct {
	Mode     uint32
	UID      int
	GID      int
	LinkPath string
	Target   string
}

// PersistentEntry names a path on the live rootfs to carry over
// verbatim into the standby slot. It always resolves against the
// currently active rootfs, never against the manifest's own content.
type PersistentEntry struct {
	Path string
}
