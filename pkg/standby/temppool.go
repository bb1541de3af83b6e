package standby

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// TempPool is the single-writer-per-update scratch directory (e.g.
// /var/tmp/ota-tmp) that holds the "first copy" of each hash bucket's
// content before it is moved, copied, or hardlinked into place.
//
// Cross-reboot persistence of the pool's contents is deliberately left
// unmandated: Reset only discards files whose name does not already
// match their claimed content hash,
// so a leftover file from a previous attempt is reused rather than
// re-fetched when it happens to still be valid.
type TempPool struct {
	dir string
}

// NewTempPool ensures dir exists and returns a handle to it.
func NewTempPool(dir string) (*TempPool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp pool %s: %w", dir, err)
	}
	return &TempPool{dir: dir}, nil
}

// Path returns the on-disk path the first copy of hash would occupy.
func (p *TempPool) Path(hash string) string {
	return filepath.Join(p.dir, hash)
}

// Reset removes every entry whose filename does not match its own
// content hash, keeping entries that survived a previous, interrupted
// build and are still valid to reuse.
func (p *TempPool) Reset() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list temp pool %s: %w", p.dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			os.RemoveAll(filepath.Join(p.dir, ent.Name()))
			continue
		}
		path := filepath.Join(p.dir, ent.Name())
		if hashMatches(path, ent.Name()) {
			continue
		}
		os.Remove(path)
	}
	return nil
}

func hashMatches(path, claimedHash string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == claimedHash
}

// Exists reports whether a regular file for hash is already present in
// the pool. It does not re-hash the file's content.
func (p *TempPool) Exists(hash string) bool {
	info, err := os.Stat(p.Path(hash))
	return err == nil && info.Mode().IsRegular()
}

// RemoveAll discards the entire pool, called unconditionally at the
// end of a successful build.
func (p *TempPool) RemoveAll() error {
	return os.RemoveAll(p.dir)
}

// Fsync flushes the directory containing path to disk. The standby
// build does not call it.
func Fsync(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return unix.Fsync(int(dir.Fd()))
}
