package standby

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/otaclient/otaclient/pkg/manifest"
)

// placeEntry applies one regular-file entry from an already-
// materialized bucket first copy: the last nlink==1 entry consumes
// the first copy via move, earlier nlink==1 entries copy from it, and
// nlink>1 entries go through the hardlink register's writer/reader
// protocol so every path in the group ends up sharing one inode.
func (b *Builder) placeEntry(entry manifest.RegularEntry, isLast bool) error {
	dst := b.destPath(entry.Path, entry.InBootDir())
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", dst, err)
	}
	firstCopy := b.pool.Path(entry.SHA256)

	switch {
	case entry.NLink <= 1 && isLast:
		if err := moveOrCopy(firstCopy, dst); err != nil {
			return err
		}
	case entry.NLink <= 1:
		if err := copyToPool(firstCopy, dst); err != nil {
			return err
		}
	default:
		if err := b.placeHardlinked(entry, dst, isLast); err != nil {
			return err
		}
	}

	if err := os.Chmod(dst, os.FileMode(entry.Mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Chown(dst, entry.UID, entry.GID); err != nil {
		return fmt.Errorf("chown %s: %w", dst, err)
	}
	return nil
}

// placeHardlinked routes an nlink>1 entry through the register: the
// first caller for the group writes dst from the pool's first copy
// and signals done; every subsequent caller links to the writer's
// path instead of copying.
func (b *Builder) placeHardlinked(entry manifest.RegularEntry, dst string, isLast bool) error {
	firstCopy := b.pool.Path(entry.SHA256)
	tracker, isWriter := b.reg.GetTracker(entry.GroupID(), entry.NLink)

	if isWriter {
		if err := copyToPool(firstCopy, dst); err != nil {
			tracker.WriterOnFailed(err)
			return err
		}
		tracker.WriterDone(dst)
	} else {
		writerPath, err := tracker.Subscribe(context.Background())
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		if err := os.Link(writerPath, dst); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", dst, writerPath, err)
		}
	}

	if isLast {
		os.Remove(firstCopy)
	}
	return nil
}

func moveOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyToPool(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyToPool(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("open %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}
