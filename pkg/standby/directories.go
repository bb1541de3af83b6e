package standby

import (
	"fmt"
	"os"

	"github.com/otaclient/otaclient/pkg/manifest"
)

// applyDirectories creates every directory named by the stream under
// the standby mount, setting mode/uid/gid after creation. Re-running
// this phase on an already-populated standby is a no-op on contents
// and idempotently re-asserts ownership.
func (b *Builder) applyDirectories(dirs *manifest.DirectoryStream) error {
	for {
		d, ok, err := dirs.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		dst := b.cfg.StandbyRoot + d.Path
		if err := os.MkdirAll(dst, os.FileMode(d.Mode)); err != nil {
			return fmt.Errorf("mkdir %s: %w", dst, err)
		}
		if err := os.Chmod(dst, os.FileMode(d.Mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", dst, err)
		}
		if err := os.Chown(dst, d.UID, d.GID); err != nil {
			return fmt.Errorf("chown %s: %w", dst, err)
		}
	}
}
