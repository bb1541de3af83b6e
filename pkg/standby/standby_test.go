package standby

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, activeRoot, standbyRoot string) *Builder {
	t.Helper()
	return &Builder{cfg: BuildConfig{ActiveRoot: activeRoot, StandbyRoot: standbyRoot, BootDir: filepath.Join(standbyRoot, "boot")}}
}

func TestDestPathRoutesBootEntriesToBootDir(t *testing.T) {
	b := newTestBuilder(t, "", "/mnt/standby")
	assert.Equal(t, "/mnt/standby/boot/vmlinuz", b.destPath("/boot/vmlinuz", true))
	assert.Equal(t, "/mnt/standby/usr/bin/foo", b.destPath("/usr/bin/foo", false))
}

func TestTrimBootPrefix(t *testing.T) {
	assert.Equal(t, "/vmlinuz", trimBootPrefix("/boot/vmlinuz"))
	assert.Equal(t, "/etc/fstab", trimBootPrefix("/etc/fstab"))
}

func TestApplyDirectoriesCreatesWithModeAndOwnership(t *testing.T) {
	standbyRoot := t.TempDir()
	b := newTestBuilder(t, "", standbyRoot)

	uid, gid := os.Getuid(), os.Getgid()
	line := "755," + strconv.Itoa(uid) + "," + strconv.Itoa(gid) + ",'/etc/ota'"
	dirs := manifest.NewDirectoryStream(strings.NewReader(line))

	require.NoError(t, b.applyDirectories(dirs))

	info, err := os.Stat(filepath.Join(standbyRoot, "etc/ota"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestApplySymlinksCreatesLink(t *testing.T) {
	standbyRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(standbyRoot, "etc"), 0o755))
	b := newTestBuilder(t, "", standbyRoot)

	uid, gid := os.Getuid(), os.Getgid()
	line := "777," + strconv.Itoa(uid) + "," + strconv.Itoa(gid) + ",'/etc/localtime','/usr/share/zoneinfo/UTC'"
	symlinks := manifest.NewSymlinkStream(strings.NewReader(line))

	require.NoError(t, b.applySymlinks(symlinks))

	target, err := os.Readlink(filepath.Join(standbyRoot, "etc/localtime"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/share/zoneinfo/UTC", target)
}

func TestApplyPersistentsCopiesFileDirAndSymlink(t *testing.T) {
	activeRoot := t.TempDir()
	standbyRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(activeRoot, "etc/ota"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(activeRoot, "etc/ota/machine-id"), []byte("abc123"), 0o644))
	require.NoError(t, os.Symlink("machine-id", filepath.Join(activeRoot, "etc/ota/link")))

	b := newTestBuilder(t, activeRoot, standbyRoot)

	line := "'/etc/ota'"
	persistents := manifest.NewPersistentStream(strings.NewReader(line))
	require.NoError(t, b.applyPersistents(persistents))

	data, err := os.ReadFile(filepath.Join(standbyRoot, "etc/ota/machine-id"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(data))

	target, err := os.Readlink(filepath.Join(standbyRoot, "etc/ota/link"))
	require.NoError(t, err)
	assert.Equal(t, "machine-id", target)
}

func TestApplyPersistentsSkipsMissingSource(t *testing.T) {
	activeRoot := t.TempDir()
	standbyRoot := t.TempDir()
	b := newTestBuilder(t, activeRoot, standbyRoot)

	persistents := manifest.NewPersistentStream(strings.NewReader("'/does/not/exist'"))
	assert.NoError(t, b.applyPersistents(persistents))
}
