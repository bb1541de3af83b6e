package standby

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// statOwner extracts the uid/gid from the *syscall.Stat_t behind info.
func statOwner(info os.FileInfo) (uid, gid int) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return int(st.Uid), int(st.Gid)
}

func lchown(path string, uid, gid int) error {
	return unix.Lchown(path, uid, gid)
}

// sameInode reports whether two paths are hardlinked to one another:
// every reader must receive the same inode as the writer after the
// group is fully materialized.
func sameInode(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return false, err
	}
	if err := unix.Stat(b, &sb); err != nil {
		return false, err
	}
	return sa.Ino == sb.Ino && sa.Dev == sb.Dev, nil
}
