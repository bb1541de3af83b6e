// Package delta diffs the previously-installed manifest against the
// new one, partitioning the new manifest's regular files into buckets
// that must be downloaded, buckets that can be copied locally, and the
// old manifest's remainder that is now obsolete.
package delta

import "github.com/otaclient/otaclient/pkg/manifest"

// HashBucket is every regular-file entry sharing one content hash.
// Materializing any one entry in a bucket produces all of them via
// copy or hardlink.
type HashBucket struct {
	SHA256  string
	Entries []manifest.RegularEntry
}

// Plan is the three-way partition of a delta computation.
type Plan struct {
	// NewSet: hashes absent from the old manifest; content must be
	// fetched from the remote image.
	NewSet map[string]*HashBucket
	// HoldSet: hashes present in the old manifest; content may be
	// copied from the active slot, subject to on-disk verification.
	HoldSet map[string]*HashBucket
	// ObsoleteSet: hashes present only in the old manifest. The standby
	// builder removes any temp-pool copy of them; their content is not
	// salvaged.
	ObsoleteSet map[string]*HashBucket
}

// addEntry appends entry to its bucket within m, creating the bucket
// if absent.
func addEntry(m map[string]*HashBucket, e manifest.RegularEntry) {
	b, ok := m[e.SHA256]
	if !ok {
		b = &HashBucket{SHA256: e.SHA256}
		m[e.SHA256] = b
	}
	b.Entries = append(b.Entries, e)
}

// entryIterator is satisfied by manifest.RegularStream; kept as an
// interface so Compute can be exercised against any source of regular
// entries, not just a live file stream.
type entryIterator interface {
	Next() (manifest.RegularEntry, bool, error)
}

// Compute streams the old and new manifest regular-file entries and
// produces a Plan. oldEntries may be nil for a fresh install, in which
// case NewSet == every new-manifest hash and HoldSet/ObsoleteSet are
// empty.
func Compute(oldEntries, newEntries entryIterator) (*Plan, error) {
	oldIndex := make(map[string]*HashBucket)
	if oldEntries != nil {
		for {
			e, ok, err := oldEntries.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			addEntry(oldIndex, e)
		}
	}

	plan := &Plan{
		NewSet:  make(map[string]*HashBucket),
		HoldSet: make(map[string]*HashBucket),
	}

	for {
		e, ok, err := newEntries.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if _, inOld := oldIndex[e.SHA256]; inOld {
			addEntry(plan.HoldSet, e)
			delete(oldIndex, e.SHA256)
		} else {
			addEntry(plan.NewSet, e)
		}
	}

	// The residual old index is, by construction, the obsolete set.
	plan.ObsoleteSet = oldIndex

	// Merge any hash that ended up in both NewSet and HoldSet into
	// HoldSet: the first new entry for an old hash removes that hash from
	// oldIndex, so later entries with the same hash land in NewSet. A
	// hold candidate always dominates a fresh download for the same
	// content.
	for hash, bucket := range plan.NewSet {
		if hold, ok := plan.HoldSet[hash]; ok {
			hold.Entries = append(hold.Entries, bucket.Entries...)
			delete(plan.NewSet, hash)
		}
	}

	return plan, nil
}

// TotalEntries returns how many regular-file entries plan covers
// across NewSet and HoldSet, for progress reporting; ObsoleteSet is not
// counted.
func (p *Plan) TotalEntries() int {
	n := 0
	for _, b := range p.NewSet {
		n += len(b.Entries)
	}
	for _, b := range p.HoldSet {
		n += len(b.Entries)
	}
	return n
}

// BucketCount returns how many hash buckets the standby builder will
// dispatch one task for (NewSet plus HoldSet): the unit
// stats.Collector.Report is actually called against once per
// materialization, not once per raw entry.
func (p *Plan) BucketCount() int {
	return len(p.NewSet) + len(p.HoldSet)
}
