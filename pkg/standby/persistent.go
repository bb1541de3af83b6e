package standby

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otaclient/otaclient/pkg/manifest"
)

// idMap resolves a numeric uid/gid on the active slot to the
// equivalent numeric id on the standby slot by matching account/group
// *names* in /etc/passwd and /etc/group, since ids for the same
// logical account can differ between images across a rootfs swap.
type idMap struct {
	activeNameByID   map[int]string
	standbyIDByName  map[string]int
}

func loadIDMap(activeFile, standbyFile string) (idMap, error) {
	activeByID, err := parseIDFile(activeFile)
	if err != nil {
		return idMap{}, err
	}
	standbyByName, err := parseNameToID(standbyFile)
	if err != nil {
		return idMap{}, err
	}
	return idMap{activeNameByID: activeByID, standbyIDByName: standbyByName}, nil
}

// parseIDFile parses /etc/passwd or /etc/group style lines
// ("name:x:id:...") into id -> name.
func parseIDFile(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]string{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	out := map[int]string{}
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		fields := strings.Split(scan.Text(), ":")
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		out[id] = fields[0]
	}
	return out, scan.Err()
}

func parseNameToID(path string) (map[string]int, error) {
	byID, err := parseIDFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(byID))
	for id, name := range byID {
		out[name] = id
	}
	return out, nil
}

// Remap translates an active-slot numeric id to its standby-slot
// equivalent, falling back to the original id when no matching
// account/group name exists on the standby slot.
func (m idMap) Remap(activeID int) int {
	name, ok := m.activeNameByID[activeID]
	if !ok {
		return activeID
	}
	if id, ok := m.standbyIDByName[name]; ok {
		return id
	}
	return activeID
}

// applyPersistents copies every persistent path that exists on the
// active slot (as a file, directory, or symlink) to the same location
// on the standby slot, remapping uid/gid via /etc/passwd and
// /etc/group.
func (b *Builder) applyPersistents(persistents *manifest.PersistentStream) error {
	uidMap, err := loadIDMap(b.cfg.ActiveRoot+"/etc/passwd", b.cfg.StandbyRoot+"/etc/passwd")
	if err != nil {
		return fmt.Errorf("load uid map: %w", err)
	}
	gidMap, err := loadIDMap(b.cfg.ActiveRoot+"/etc/group", b.cfg.StandbyRoot+"/etc/group")
	if err != nil {
		return fmt.Errorf("load gid map: %w", err)
	}

	for {
		p, ok, err := persistents.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		src := b.cfg.ActiveRoot + p.Path
		dst := b.cfg.StandbyRoot + p.Path
		info, err := os.Lstat(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat persistent %s: %w", src, err)
		}
		if err := copyPersistent(src, dst, info, uidMap, gidMap); err != nil {
			return fmt.Errorf("copy persistent %s: %w", p.Path, err)
		}
	}
}

func copyPersistent(src, dst string, info os.FileInfo, uidMap, gidMap idMap) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return copySymlinkPersistent(src, dst, uidMap, gidMap)
	case info.IsDir():
		return copyDirPersistent(src, dst, uidMap, gidMap)
	default:
		return copyFilePersistent(src, dst, info, uidMap, gidMap)
	}
}

func copyDirPersistent(src, dst string, uidMap, gidMap idMap) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	if err := chownRemapped(dst, src, uidMap, gidMap); err != nil {
		return err
	}
	for _, ent := range entries {
		childSrc := filepath.Join(src, ent.Name())
		childDst := filepath.Join(dst, ent.Name())
		childInfo, err := os.Lstat(childSrc)
		if err != nil {
			return err
		}
		if err := copyPersistent(childSrc, childDst, childInfo, uidMap, gidMap); err != nil {
			return err
		}
	}
	return nil
}

func copySymlinkPersistent(src, dst string, uidMap, gidMap idMap) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	_ = os.Remove(dst)
	if err := os.Symlink(target, dst); err != nil {
		return err
	}
	return lchownRemapped(dst, src, uidMap, gidMap)
}

func copyFilePersistent(src, dst string, info os.FileInfo, uidMap, gidMap idMap) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return chownRemapped(dst, src, uidMap, gidMap)
}

func chownRemapped(dst, src string, uidMap, gidMap idMap) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	uid, gid := statOwner(info)
	return os.Chown(dst, uidMap.Remap(uid), gidMap.Remap(gid))
}

func lchownRemapped(dst, src string, uidMap, gidMap idMap) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	uid, gid := statOwner(info)
	return lchown(dst, uidMap.Remap(uid), gidMap.Remap(gid))
}
