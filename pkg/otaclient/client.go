// Package otaclient is the top-level façade: update(), rollback(), and
// status(), composing manifest fetch+verify, delta computation,
// standby-slot build, and boot-control lifecycle into one guarded
// operation at a time.
package otaclient

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/otaclient/otaclient/pkg/bootctrl"
	"github.com/otaclient/otaclient/pkg/certstore"
	"github.com/otaclient/otaclient/pkg/config"
	"github.com/otaclient/otaclient/pkg/delta"
	"github.com/otaclient/otaclient/pkg/downloader"
	"github.com/otaclient/otaclient/pkg/log"
	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/otaclient/otaclient/pkg/metacache"
	"github.com/otaclient/otaclient/pkg/metrics"
	"github.com/otaclient/otaclient/pkg/orchestrator"
	"github.com/otaclient/otaclient/pkg/otaerrors"
	"github.com/otaclient/otaclient/pkg/stats"
	"github.com/otaclient/otaclient/pkg/standby"
	"github.com/rs/zerolog"
)

// Phase names where within a build an in-flight update currently is.
type Phase string

const (
	PhaseInitial        Phase = "INITIAL"
	PhaseMetadata       Phase = "METADATA"
	PhaseDirectory      Phase = "DIRECTORY"
	PhaseRegular        Phase = "REGULAR"
	PhasePersistent     Phase = "PERSISTENT"
	PhasePostProcessing Phase = "POST_PROCESSING"
)

// StatusReport is status()'s return value.
type StatusReport struct {
	Status         bootctrl.Status
	FailureType    otaerrors.Kind
	FailureReason  string
	Version        string
	UpdateProgress *ProgressReport
}

// ProgressReport is the phase + stats snapshot nested under status()
// while an update is in flight.
type ProgressReport struct {
	Phase Phase
	Stats stats.Record
}

// Client is the single entry point a cmd/otaclient binary (or an
// embedding caller) talks to. Exactly one of Update/Rollback may be in
// flight at a time.
type Client struct {
	cfg    config.Config
	boot   *bootctrl.Controller
	certs  *certstore.Store
	cache  *metacache.Cache
	pool   *standby.TempPool
	dl     *downloader.Downloader
	logger zerolog.Logger

	mu        sync.Mutex
	busy      bool
	phase     Phase
	collector *stats.Collector
	lastErr   error
}

// New wires every collaborator the client needs from its configuration:
// boot controller, metadata cache, temp pool, and downloader.
func New(cfg config.Config, certs *certstore.Store) (*Client, error) {
	boot, err := bootctrl.NewController(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := metacache.Open(cfg.MetaCacheDB)
	if err != nil {
		return nil, err
	}
	pool, err := standby.NewTempPool(cfg.TempPoolDir)
	if err != nil {
		return nil, err
	}
	dl, err := downloader.New(cfg.MaxConcurrentDownloads, cfg.ProxyURL, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		boot:   boot,
		certs:  certs,
		cache:  cache,
		pool:   pool,
		dl:     dl,
		logger: log.WithComponent("otaclient"),
		phase:  PhaseInitial,
	}, nil
}

// FSMWaitTimeout returns how long the session FSM's Proceed/WaitOn
// calls wait before giving up, for callers that drive the FSM
// alongside Update (e.g. a local stand-in for subordinate-ECU
// fan-out).
func (c *Client) FSMWaitTimeout() time.Duration {
	return c.cfg.FSMWaitTimeout
}

// Finalize runs the boot controller's startup finalization pass. It
// must be called once before any other operation.
func (c *Client) Finalize() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FinalizationDuration)
	return c.boot.Finalize()
}

func (c *Client) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	c.phase = PhaseInitial
	c.lastErr = nil
	return true
}

func (c *Client) release(phase Phase, collector *stats.Collector, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.phase = phase
	c.collector = collector
	c.lastErr = err
}

func (c *Client) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

// Update drives the full update flow: status=UPDATING, wait for the
// session FSM's S0 and run pre_update (advancing it to S1), fetch+verify
// the manifest, build the standby slot, advance S1 to S2, wait for END,
// then post_update (which reboots on success).
func (c *Client) Update(ctx context.Context, version, urlBase string, cookies map[string]string, fsm *orchestrator.FSM) error {
	if !c.tryAcquire() {
		return otaerrors.Recoverablef(nil, "busy: an update or rollback is already in flight")
	}
	var finalErr error
	collector := stats.NewCollector(0, 0)
	defer func() {
		status := "success"
		if finalErr != nil {
			status = "failed"
		}
		metrics.UpdatesTotal.WithLabelValues(status).Inc()
		c.release(c.phase, collector, finalErr)
	}()

	if !strings.HasSuffix(urlBase, "/") {
		urlBase += "/"
	}

	status, err := c.boot.Status()
	if err != nil {
		finalErr = err
		return err
	}
	if status == bootctrl.StatusRollbacking || status == bootctrl.StatusUpdating {
		finalErr = otaerrors.Recoverablef(nil, "cannot start update while status is %s", status)
		return finalErr
	}

	if err := fsm.Proceed("update", orchestrator.StateS0, c.cfg.FSMWaitTimeout, func() error {
		return c.boot.PreUpdate(version, true)
	}); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}

	c.setPhase(PhaseMetadata)
	env, dirs, symlinks, regulars, persistents, err := c.fetchManifest(ctx, urlBase, cookies)
	if err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}

	totalBytes := int64(0)
	if env.TotalRegularSize != nil {
		totalBytes = *env.TotalRegularSize
	}
	collector = stats.NewCollector(0, totalBytes)
	// Publish the real collector now, while busy is still true, so
	// Status() can observe live per-operation progress during the
	// build instead of only the stale value release() leaves behind
	// once the operation has already finished.
	c.mu.Lock()
	c.collector = collector
	c.mu.Unlock()

	oldIter, err := c.cache.Iterate()
	if err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}
	plan, err := delta.Compute(oldIter, regulars)
	if err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}
	collector.SetTotalFiles(plan.BucketCount())

	c.setPhase(PhaseDirectory)
	builder := standby.NewBuilder(standby.BuildConfig{
		ActiveRoot:         c.activeRoot(),
		StandbyRoot:        c.standbyRoot(),
		BootDir:            c.cfg.BootDir,
		URLBase:            urlBase,
		Cookies:            cookies,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
	}, c.dl, c.pool, collector)

	c.setPhase(PhaseRegular)
	buildTimer := metrics.NewTimer()
	buildErr := builder.CreateStandbySlot(ctx, plan, dirs, symlinks, persistents)
	buildTimer.ObserveDuration(metrics.StandbyBuildDuration)
	if buildErr != nil {
		finalErr = c.boot.OnFailure(buildErr)
		return finalErr
	}

	c.setPhase(PhasePersistent)
	if err := c.cache.Replace(regularEntriesFromPlan(plan)); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}

	c.setPhase(PhasePostProcessing)
	if err := fsm.Proceed("update", orchestrator.StateS1, c.cfg.FSMWaitTimeout, nil); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}
	if err := fsm.WaitOn(orchestrator.StateEnd, c.cfg.FSMWaitTimeout); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}

	if err := c.boot.PostUpdate(); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}
	return nil
}

// Rollback re-points the bootloader at the standby slot (the last
// known-good image) and reboots into it.
func (c *Client) Rollback(ctx context.Context) error {
	if !c.tryAcquire() {
		return otaerrors.Recoverablef(nil, "busy: an update or rollback is already in flight")
	}
	var finalErr error
	defer func() { c.release(PhaseInitial, c.collector, finalErr) }()

	status, err := c.boot.Status()
	if err != nil {
		finalErr = err
		return err
	}
	if status != bootctrl.StatusSuccess {
		finalErr = otaerrors.Recoverablef(nil, "cannot roll back from status %s", status)
		return finalErr
	}

	if err := c.boot.PostRollback(); err != nil {
		finalErr = c.boot.OnFailure(err)
		return finalErr
	}
	return nil
}

// Status reports the active slot's persisted lifecycle status, the
// classified failure (if any), and, while an update is in flight, the
// current phase and stats snapshot.
func (c *Client) Status() (StatusReport, error) {
	status, err := c.boot.Status()
	if err != nil {
		return StatusReport{}, err
	}
	version, err := c.boot.ActiveVersion()
	if err != nil {
		return StatusReport{}, err
	}

	c.mu.Lock()
	phase := c.phase
	collector := c.collector
	lastErr := c.lastErr
	busy := c.busy
	c.mu.Unlock()

	report := StatusReport{
		Status:        status,
		FailureType:   otaerrors.KindOf(lastErr),
		Version:       version,
	}
	if lastErr != nil {
		report.FailureReason = lastErr.Error()
	}
	if busy && collector != nil {
		snap := collector.Snapshot()
		report.UpdateProgress = &ProgressReport{Phase: phase, Stats: snap}
	}
	return report, nil
}

func (c *Client) activeRoot() string {
	slot, _ := c.cfg.SlotByID(c.boot.ActiveSlotID())
	return slot.MountPoint
}

func (c *Client) standbyRoot() string {
	other, _ := c.cfg.OtherSlot(c.boot.ActiveSlotID())
	return other.MountPoint
}

func (c *Client) fetchManifest(ctx context.Context, urlBase string, cookies map[string]string) (
	*manifest.Envelope, *manifest.DirectoryStream, *manifest.SymlinkStream, *manifest.RegularStream, *manifest.PersistentStream, error,
) {
	raw, err := c.fetch(ctx, urlBase+"manifest.jwt", cookies)
	if err != nil {
		return nil, nil, nil, nil, nil, otaerrors.Recoverablef(err, "fetch manifest")
	}
	env, err := manifest.Parse(raw, c.certs)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if env.Version != 1 {
		c.logger.Warn().Int("version", env.Version).Msg("manifest version is not 1; processing best-effort")
	}

	dirsRaw, err := c.fetch(ctx, urlBase+env.Directory.File, cookies)
	if err != nil {
		return nil, nil, nil, nil, nil, otaerrors.Recoverablef(err, "fetch %s", env.Directory.File)
	}
	symlinksRaw, err := c.fetch(ctx, urlBase+env.SymbolicLink.File, cookies)
	if err != nil {
		return nil, nil, nil, nil, nil, otaerrors.Recoverablef(err, "fetch %s", env.SymbolicLink.File)
	}
	regularsRaw, err := c.fetch(ctx, urlBase+env.Regular.File, cookies)
	if err != nil {
		return nil, nil, nil, nil, nil, otaerrors.Recoverablef(err, "fetch %s", env.Regular.File)
	}
	persistentsRaw, err := c.fetch(ctx, urlBase+env.Persistent.File, cookies)
	if err != nil {
		return nil, nil, nil, nil, nil, otaerrors.Recoverablef(err, "fetch %s", env.Persistent.File)
	}

	return env,
		manifest.NewDirectoryStream(bytes.NewReader(dirsRaw)),
		manifest.NewSymlinkStream(bytes.NewReader(symlinksRaw)),
		manifest.NewRegularStream(bytes.NewReader(regularsRaw)),
		manifest.NewPersistentStream(bytes.NewReader(persistentsRaw)),
		nil
}

func regularEntriesFromPlan(plan *delta.Plan) []manifest.RegularEntry {
	var entries []manifest.RegularEntry
	for _, b := range plan.NewSet {
		entries = append(entries, b.Entries...)
	}
	for _, b := range plan.HoldSet {
		entries = append(entries, b.Entries...)
	}
	return entries
}

// fetch retrieves the manifest or one of its meta-streams through the
// shared downloader, with no_cache so the caching proxy never serves a
// stale manifest, and the retry/backoff limits from the client's
// configuration (the standby builder's regular-file downloads use the
// downloader's defaults instead).
func (c *Client) fetch(ctx context.Context, url string, cookies map[string]string) ([]byte, error) {
	data, _, err := c.dl.FetchBytes(ctx, url, downloader.Options{
		CacheControl:  downloader.NoCache,
		Cookies:       cookies,
		MaxRetry:      c.cfg.MaxRetry,
		BackoffFactor: c.cfg.BackoffFactor,
		BackoffMax:    c.cfg.BackoffMax,
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
