package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.units)
	assert.NotNil(t, collector.cleanDuration)

	// registering twice on the same registry is a programming error
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestObserveCall(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.ObserveCall(toolkit.TaskClean, 90*time.Second, nil)
	collector.ObserveCall(toolkit.TaskClean, time.Second, errors.New("exit 1"))
	collector.ObserveCall(toolkit.TaskExportFITS, time.Second, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.toolkitCalls.WithLabelValues(toolkit.TaskClean)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.toolkitFailures.WithLabelValues(toolkit.TaskClean)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.toolkitCalls.WithLabelValues(toolkit.TaskExportFITS)))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.toolkitFailures.WithLabelValues(toolkit.TaskExportFITS)))

	// only the successful clean is timed
	families, err := reg.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "contimg_clean_duration_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), samples)
}

func TestRecordImage(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordImage(false)
	collector.RecordImage(false)
	collector.RecordImage(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.images))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.imagesSkipped))
}

func TestUnitLifecycle(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.UnitStarted()
	collector.UnitStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.unitsInFlight))

	collector.UnitStopped()
	collector.UnitStopped()
	collector.RecordUnit(types.StatusCompleted)
	collector.RecordUnit(types.StatusFailed)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.unitsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.units.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.units.WithLabelValues("failed")))
}

func TestNilCollector(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.ObserveCall(toolkit.TaskClean, time.Second, nil)
		collector.RecordImage(true)
		collector.UnitStarted()
		collector.UnitStopped()
		collector.RecordUnit(types.StatusSkipped)
	})
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordImage(true)
	collector.ObserveCall(toolkit.TaskPlotMS, time.Second, nil)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "contimg_images_skipped_total 1"), text)
	assert.Contains(t, text, `contimg_toolkit_calls_total{task="plotms"} 1`)
}
