// Package standby drives the standby-slot builder: directories, then
// regular files via the delta plan, then
// symlinks, then persistents, each phase strictly ordered after the
// last.
package standby

import (
	"context"
	"fmt"

	"github.com/otaclient/otaclient/pkg/delta"
	"github.com/otaclient/otaclient/pkg/downloader"
	"github.com/otaclient/otaclient/pkg/hardlink"
	"github.com/otaclient/otaclient/pkg/log"
	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/otaclient/otaclient/pkg/stats"
	"github.com/rs/zerolog"
)

// BuildConfig is the immutable configuration a Builder is constructed
// with; it never reaches for package-level state.
type BuildConfig struct {
	ActiveRoot         string
	StandbyRoot        string
	BootDir            string
	URLBase            string
	Cookies            map[string]string
	MaxConcurrentTasks int
}

// Builder owns one standby-slot build from meta-stream consumption
// through the final persistent-file copy.
type Builder struct {
	cfg    BuildConfig
	dl     *downloader.Downloader
	reg    *hardlink.Register
	stats  *stats.Collector
	pool   *TempPool
	logger zerolog.Logger
}

// NewBuilder constructs a Builder. collector must already be sized
// with the delta plan's hash-bucket count (the builder reports once per
// bucket, not once per regular-file entry) and the manifest's byte sum.
func NewBuilder(cfg BuildConfig, dl *downloader.Downloader, pool *TempPool, collector *stats.Collector) *Builder {
	return &Builder{
		cfg:    cfg,
		dl:     dl,
		reg:    hardlink.NewRegister(),
		stats:  collector,
		pool:   pool,
		logger: log.WithComponent("standby"),
	}
}

// CreateStandbySlot drives phases 3 through 6 against an
// already-computed delta plan. Phases 1 (fetch meta) and 2 (compute
// delta) are the caller's responsibility (pkg/otaclient composes
// pkg/manifest and pkg/delta before calling this), since they require
// network and manifest-signature collaborators the builder itself
// should not own.
func (b *Builder) CreateStandbySlot(
	ctx context.Context,
	plan *delta.Plan,
	dirs *manifest.DirectoryStream,
	symlinks *manifest.SymlinkStream,
	persistents *manifest.PersistentStream,
) error {
	if err := b.pool.Reset(); err != nil {
		return fmt.Errorf("reset temp pool: %w", err)
	}

	b.logger.Info().Msg("phase 3: directories")
	if err := b.applyDirectories(dirs); err != nil {
		return fmt.Errorf("apply directories: %w", err)
	}

	b.logger.Info().Msg("phase 4: regulars")
	if err := b.applyRegulars(ctx, plan); err != nil {
		return fmt.Errorf("apply regulars: %w", err)
	}

	b.logger.Info().Msg("phase 5: symlinks")
	if err := b.applySymlinks(symlinks); err != nil {
		return fmt.Errorf("apply symlinks: %w", err)
	}

	b.logger.Info().Msg("phase 6: persistents")
	if err := b.applyPersistents(persistents); err != nil {
		return fmt.Errorf("apply persistents: %w", err)
	}

	if err := b.pool.RemoveAll(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to remove temp pool after successful build")
	}
	return nil
}

// destPath resolves where a manifest path lands: entries rooted at
// /boot/ go to the boot directory, everything else to the standby
// rootfs mount point.
func (b *Builder) destPath(path string, inBoot bool) string {
	if inBoot {
		return b.cfg.BootDir + trimBootPrefix(path)
	}
	return b.cfg.StandbyRoot + path
}

func trimBootPrefix(path string) string {
	const prefix = "/boot"
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}
