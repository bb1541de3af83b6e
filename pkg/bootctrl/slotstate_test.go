package bootctrl

import (
	"path/filepath"
	"testing"

	"github.com/otaclient/otaclient/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotStateStoreDefaultsToInitialized(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ota_status")
	store, err := NewSlotStateStore("a", dir)
	require.NoError(t, err)

	status, err := store.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, status)

	version, err := store.Version()
	require.NoError(t, err)
	assert.Equal(t, "", version)

	slot, err := store.SlotInUse()
	require.NoError(t, err)
	assert.Equal(t, "", slot)
}

func TestSlotStateStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlotStateStore("a", dir)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(StatusUpdating))
	require.NoError(t, store.SetVersion("1.2.3"))
	require.NoError(t, store.SetSlotInUse("b"))

	status, err := store.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusUpdating, status)

	version, err := store.Version()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version)

	slot, err := store.SlotInUse()
	require.NoError(t, err)
	assert.Equal(t, "b", slot)
}

func TestSetStatusUpdatesBootStatusGauge(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlotStateStore("gauge-slot", dir)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(StatusUpdating))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.BootStatusGauge.WithLabelValues("gauge-slot", string(StatusUpdating))))
	assert.Equal(t, float64(0), testutil.ToFloat64(
		metrics.BootStatusGauge.WithLabelValues("gauge-slot", string(StatusInitialized))))

	require.NoError(t, store.SetStatus(StatusSuccess))
	assert.Equal(t, float64(0), testutil.ToFloat64(
		metrics.BootStatusGauge.WithLabelValues("gauge-slot", string(StatusUpdating))))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.BootStatusGauge.WithLabelValues("gauge-slot", string(StatusSuccess))))
}

func TestSlotStateStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store1, err := NewSlotStateStore("a", dir)
	require.NoError(t, err)
	require.NoError(t, store1.SetStatus(StatusSuccess))

	store2, err := NewSlotStateStore("a", dir)
	require.NoError(t, err)
	status, err := store2.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
}
