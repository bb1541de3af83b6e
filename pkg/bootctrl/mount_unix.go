package bootctrl

import "golang.org/x/sys/unix"

// unmountBestEffort detaches mountPoint, tolerating it already being
// unmounted.
func unmountBestEffort(mountPoint string) error {
	err := unix.Unmount(mountPoint, unix.MNT_DETACH)
	if err == unix.EINVAL || err == unix.ENOENT {
		return nil
	}
	return err
}
