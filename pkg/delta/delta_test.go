package delta

import (
	"strings"
	"testing"

	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceIterator struct {
	entries []manifest.RegularEntry
	idx     int
}

func (s *sliceIterator) Next() (manifest.RegularEntry, bool, error) {
	if s.idx >= len(s.entries) {
		return manifest.RegularEntry{}, false, nil
	}
	e := s.entries[s.idx]
	s.idx++
	return e, true, nil
}

func hash(b byte) string {
	return strings.Repeat(string(rune('a'+b)), 64)
}

func TestComputeFreshInstall(t *testing.T) {
	newEntries := &sliceIterator{entries: []manifest.RegularEntry{
		{SHA256: hash(0), Path: "/a"},
		{SHA256: hash(1), Path: "/b"},
	}}
	plan, err := Compute(nil, newEntries)
	require.NoError(t, err)
	assert.Len(t, plan.NewSet, 2)
	assert.Len(t, plan.HoldSet, 0)
	assert.Len(t, plan.ObsoleteSet, 0)
	assert.Equal(t, 2, plan.TotalEntries())
}

func TestBucketCountCountsBucketsNotEntries(t *testing.T) {
	newEntries := &sliceIterator{entries: []manifest.RegularEntry{
		{SHA256: hash(0), Path: "/a"},
		{SHA256: hash(0), Path: "/a-copy"},
		{SHA256: hash(1), Path: "/b"},
	}}
	plan, err := Compute(nil, newEntries)
	require.NoError(t, err)

	assert.Equal(t, 3, plan.TotalEntries())
	assert.Equal(t, 2, plan.BucketCount())
}

func TestComputePartitionsHoldNewObsolete(t *testing.T) {
	old := &sliceIterator{entries: []manifest.RegularEntry{
		{SHA256: hash(0), Path: "/unchanged"},
		{SHA256: hash(2), Path: "/removed"},
	}}
	newEntries := &sliceIterator{entries: []manifest.RegularEntry{
		{SHA256: hash(0), Path: "/unchanged"},
		{SHA256: hash(1), Path: "/added"},
	}}

	plan, err := Compute(old, newEntries)
	require.NoError(t, err)

	assert.Contains(t, plan.HoldSet, hash(0))
	assert.Contains(t, plan.NewSet, hash(1))
	assert.Contains(t, plan.ObsoleteSet, hash(2))
	assert.NotContains(t, plan.NewSet, hash(0))
}

func TestComputeDedupesMultipleEntriesPerHash(t *testing.T) {
	newEntries := &sliceIterator{entries: []manifest.RegularEntry{
		{SHA256: hash(0), Path: "/a"},
		{SHA256: hash(0), Path: "/a-hardlink"},
	}}
	plan, err := Compute(nil, newEntries)
	require.NoError(t, err)
	require.Contains(t, plan.NewSet, hash(0))
	assert.Len(t, plan.NewSet[hash(0)].Entries, 2)
}
