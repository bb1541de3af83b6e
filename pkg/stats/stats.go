// Package stats aggregates per-file operation events emitted by the
// standby-slot builder into a thread-safe snapshot external callers
// (the façade's Status() and the CLI) can poll at any time.
package stats

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/otaclient/otaclient/pkg/metrics"
)

// Op names the kind of work a regular-file task performed.
type Op string

const (
	OpCopy     Op = "copy"
	OpLink     Op = "link"
	OpDownload Op = "download"
)

// Event is one task's completed-operation report.
type Event struct {
	Op        Op
	SizeBytes int64
	ElapsedNs int64
	Err       error
}

// Record is the aggregated counters tracked over one standby build.
type Record struct {
	TotalRegularFiles     int
	TotalRegularFileSize  int64
	RegularFilesProcessed int

	FilesByOp    map[Op]int
	BytesByOp    map[Op]int64
	ElapsedByOp  map[Op]int64
	ErrorsDownload int
	TotalElapsedNs int64
}

func newRecord() Record {
	return Record{
		FilesByOp:   map[Op]int{},
		BytesByOp:   map[Op]int64{},
		ElapsedByOp: map[Op]int64{},
	}
}

// HumanBytes renders TotalRegularFileSize for CLI/status display.
func (r Record) HumanBytes() string {
	return humanize.Bytes(uint64(r.TotalRegularFileSize))
}

// Collector is the lock-guarded aggregator; report is called from
// every regular-file task's completion callback, snapshot is called
// from the status path.
type Collector struct {
	mu     sync.Mutex
	record Record

	abort    chan struct{}
	abortErr error
	once     sync.Once
}

// NewCollector constructs a Collector expecting totalFiles Report
// calls over totalBytes of regular-file content. Each Report call counts
// as one processed unit; the standby builder reports once per hash
// bucket, so in an update these counts are buckets, not manifest
// entries.
func NewCollector(totalFiles int, totalBytes int64) *Collector {
	r := newRecord()
	r.TotalRegularFiles = totalFiles
	r.TotalRegularFileSize = totalBytes
	metrics.RegularFilesTotal.Set(float64(totalFiles))
	return &Collector{record: r, abort: make(chan struct{})}
}

// SetTotalFiles updates the expected count once the delta plan is
// known, past the point NewCollector was constructed. The update flow
// passes the plan's hash-bucket count, not its regular-file entry count.
func (c *Collector) SetTotalFiles(totalFiles int) {
	c.mu.Lock()
	c.record.TotalRegularFiles = totalFiles
	c.mu.Unlock()
	metrics.RegularFilesTotal.Set(float64(totalFiles))
}

// Report merges one task's event into the record. It is safe to call
// from any goroutine.
func (c *Collector) Report(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record.RegularFilesProcessed++
	c.record.FilesByOp[e.Op]++
	c.record.BytesByOp[e.Op] += e.SizeBytes
	c.record.ElapsedByOp[e.Op] += e.ElapsedNs
	c.record.TotalElapsedNs += e.ElapsedNs
	if e.Op == OpDownload && e.Err != nil {
		c.record.ErrorsDownload++
	}
	if e.Err != nil {
		c.Abort(e.Err)
	}

	metrics.RegularFilesProcessed.WithLabelValues(string(e.Op)).Set(float64(c.record.FilesByOp[e.Op]))
	metrics.RegularBytesProcessed.WithLabelValues(string(e.Op)).Add(float64(e.SizeBytes))
	metrics.RegularOpDuration.WithLabelValues(string(e.Op)).Observe(time.Duration(e.ElapsedNs).Seconds())
}

// Abort records the first failure and signals every waiter that the
// build must stop dispatching new tasks. Subsequent calls are no-ops.
func (c *Collector) Abort(err error) {
	c.once.Do(func() {
		c.abortErr = err
		close(c.abort)
	})
}

// Aborted reports whether Abort has been called, and with what error.
func (c *Collector) Aborted() (bool, error) {
	select {
	case <-c.abort:
		return true, c.abortErr
	default:
		return false, nil
	}
}

// AbortCh exposes the abort signal for select statements in the
// worker pool's dispatch loop.
func (c *Collector) AbortCh() <-chan struct{} {
	return c.abort
}

// Snapshot returns an immutable copy of the current record.
func (c *Collector) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := newRecord()
	r.TotalRegularFiles = c.record.TotalRegularFiles
	r.TotalRegularFileSize = c.record.TotalRegularFileSize
	r.RegularFilesProcessed = c.record.RegularFilesProcessed
	r.ErrorsDownload = c.record.ErrorsDownload
	r.TotalElapsedNs = c.record.TotalElapsedNs
	for k, v := range c.record.FilesByOp {
		r.FilesByOp[k] = v
	}
	for k, v := range c.record.BytesByOp {
		r.BytesByOp[k] = v
	}
	for k, v := range c.record.ElapsedByOp {
		r.ElapsedByOp[k] = v
	}
	return r
}

// Done reports whether the number of Report calls has reached the
// expected total (one per hash bucket in an update, not one per
// regular-file entry).
func (c *Collector) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.RegularFilesProcessed >= c.record.TotalRegularFiles
}

// WaitStaging blocks, polling every interval, until Done() or the
// collector is aborted.
func (c *Collector) WaitStaging(interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if c.Done() {
			return nil
		}
		if aborted, err := c.Aborted(); aborted {
			return err
		}
		select {
		case <-ticker.C:
		case <-c.abort:
			_, err := c.Aborted()
			return err
		}
	}
}
