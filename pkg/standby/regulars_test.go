package standby

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otaclient/otaclient/pkg/delta"
	"github.com/otaclient/otaclient/pkg/downloader"
	"github.com/otaclient/otaclient/pkg/hardlink"
	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/otaclient/otaclient/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizeOf(n int64) *int64 { return &n }

func shaHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestApplyRegularsDownloadsHoldsAndHardlinks(t *testing.T) {
	activeRoot := t.TempDir()
	standbyRoot := t.TempDir()
	poolDir := t.TempDir()

	// "new" content is fetched from a remote server.
	newBody := []byte("brand new kernel image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(newBody)
	}))
	defer srv.Close()
	newSum := shaHex(newBody)

	// "hold" content already exists on the active slot, verified by hash.
	holdBody := []byte("unchanged config file")
	holdSum := shaHex(holdBody)
	require.NoError(t, os.MkdirAll(filepath.Join(activeRoot, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(activeRoot, "etc/hold.conf"), holdBody, 0o644))

	pool, err := NewTempPool(poolDir)
	require.NoError(t, err)
	dl, err := downloader.New(2, "", 5*time.Second)
	require.NoError(t, err)

	uid, gid := os.Getuid(), os.Getgid()

	newEntry := manifest.RegularEntry{
		Mode: 0o644, UID: uid, GID: gid, NLink: 2, SHA256: newSum,
		Path: "/usr/bin/a", Size: sizeOf(int64(len(newBody))),
	}
	newEntrySibling := manifest.RegularEntry{
		Mode: 0o644, UID: uid, GID: gid, NLink: 2, SHA256: newSum,
		Path: "/usr/bin/a-copy", Size: sizeOf(int64(len(newBody))),
	}
	holdEntry := manifest.RegularEntry{
		Mode: 0o644, UID: uid, GID: gid, NLink: 1, SHA256: holdSum,
		Path: "/etc/hold.conf", Size: sizeOf(int64(len(holdBody))),
	}

	plan := &delta.Plan{
		NewSet: map[string]*delta.HashBucket{
			newSum: {SHA256: newSum, Entries: []manifest.RegularEntry{newEntry, newEntrySibling}},
		},
		HoldSet: map[string]*delta.HashBucket{
			holdSum: {SHA256: holdSum, Entries: []manifest.RegularEntry{holdEntry}},
		},
	}

	// One stats Report per dispatched hash bucket (2 buckets here), not
	// per raw manifest entry: materializing a bucket materializes every
	// entry sharing its hash in one task.
	collector := stats.NewCollector(2, int64(len(newBody)*2+len(holdBody)))
	b := &Builder{
		cfg: BuildConfig{
			ActiveRoot: activeRoot, StandbyRoot: standbyRoot,
			BootDir: filepath.Join(standbyRoot, "boot"),
			URLBase: srv.URL, MaxConcurrentTasks: 4,
		},
		dl: dl, pool: pool, stats: collector,
		reg: hardlink.NewRegister(),
	}

	require.NoError(t, b.applyRegulars(context.Background(), plan))

	got, err := os.ReadFile(filepath.Join(standbyRoot, "usr/bin/a"))
	require.NoError(t, err)
	assert.Equal(t, newBody, got)

	gotSibling, err := os.ReadFile(filepath.Join(standbyRoot, "usr/bin/a-copy"))
	require.NoError(t, err)
	assert.Equal(t, newBody, gotSibling)

	infoA, err := os.Stat(filepath.Join(standbyRoot, "usr/bin/a"))
	require.NoError(t, err)
	infoCopy, err := os.Stat(filepath.Join(standbyRoot, "usr/bin/a-copy"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(infoA, infoCopy))

	gotHold, err := os.ReadFile(filepath.Join(standbyRoot, "etc/hold.conf"))
	require.NoError(t, err)
	assert.Equal(t, holdBody, gotHold)

	snap := collector.Snapshot()
	assert.Equal(t, 2, snap.RegularFilesProcessed)
	assert.Equal(t, 1, snap.FilesByOp[stats.OpDownload])
	assert.Equal(t, 1, snap.FilesByOp[stats.OpCopy])
}
