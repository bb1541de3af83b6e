package standby

import (
	"fmt"
	"os"

	"github.com/otaclient/otaclient/pkg/manifest"
	"golang.org/x/sys/unix"
)

// applySymlinks creates every symbolic link named by the stream.
// Symlinks have no permission bits on Linux, so only ownership is set,
// via lchown (chown would follow the link).
func (b *Builder) applySymlinks(symlinks *manifest.SymlinkStream) error {
	for {
		s, ok, err := symlinks.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		dst := b.cfg.StandbyRoot + s.LinkPath
		_ = os.Remove(dst)
		if err := os.Symlink(s.Target, dst); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", dst, s.Target, err)
		}
		if err := unix.Lchown(dst, s.UID, s.GID); err != nil {
			return fmt.Errorf("lchown %s: %w", dst, err)
		}
	}
}
