package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/contimg/internal/antenna"
	"github.com/ChuLiYu/contimg/internal/config"
	"github.com/ChuLiYu/contimg/internal/imaging"
	"github.com/ChuLiYu/contimg/internal/ledger"
	"github.com/ChuLiYu/contimg/internal/manifest"
	"github.com/ChuLiYu/contimg/internal/metrics"
	"github.com/ChuLiYu/contimg/internal/snapshot"
	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/internal/toolkit/toolkittest"
	"github.com/ChuLiYu/contimg/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// 測試輔助函數
// ============================================================================

func writeContinuumManifest(t *testing.T, dir string, mses ...string) {
	t.Helper()
	body := strings.Join(mses, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.ContinuumFile), []byte(body), 0644))
}

func writeLineManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.LineFile), []byte(body), 0644))
}

func testConfig(dir string) Config {
	return Config{
		WorkDir:   dir,
		OutputDir: "imaging_results",
		Exclude7M: true,
	}
}

func createTestController(t *testing.T, cfg Config, tk toolkit.Toolkit, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithRunID("test-run")}, opts...)
	c, err := NewController(cfg, tk, opts...)
	require.NoError(t, err)
	return c
}

func unitStatuses(report types.ReportData) map[types.UnitID]types.UnitStatus {
	out := make(map[types.UnitID]types.UnitStatus, len(report.Units))
	for id, u := range report.Units {
		out[id] = u.Status
	}
	return out
}

func cleanTargets(rec *toolkittest.Recorder) []string {
	var out []string
	for _, c := range rec.CallsTo(toolkit.TaskClean) {
		out = append(out, c.Target)
	}
	return out
}

// ============================================================================
// 配置
// ============================================================================

func TestResolvedOutputDir(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"current dir", Config{WorkDir: ".", OutputDir: "imaging_results"}, "imaging_results"},
		{"empty workdir", Config{OutputDir: "imaging_results"}, "imaging_results"},
		{"absolute output", Config{WorkDir: "/data", OutputDir: "/scratch/out"}, "/scratch/out"},
		{"other workdir", Config{WorkDir: "/data/obs1", OutputDir: "imaging_results"}, "/data/obs1/imaging_results"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ResolvedOutputDir())
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WorkDir = "/data"
	cfg.Exclude7M = true
	cfg.Workers.Count = 3
	cfg.CompletionPolicy = config.PolicyLedger

	got := FromConfig(cfg)

	assert.Equal(t, "/data", got.WorkDir)
	assert.Equal(t, cfg.OutputDir, got.OutputDir)
	assert.True(t, got.Exclude7M)
	assert.Equal(t, 3, got.WorkerCount)
	assert.Equal(t, config.PolicyLedger, got.Policy)
	assert.Equal(t, cfg.Imaging.Robust, got.Params.Robust)
	assert.Equal(t, cfg.Imaging.PixscaleArcsec, got.Geometry.PixscaleArcsec)

	// the controller must not alias the file configuration
	got.Params.Robust[0] = 99
	assert.NotEqual(t, 99.0, cfg.Imaging.Robust[0])
}

func TestNewController_Defaults(t *testing.T) {
	_, err := NewController(Config{}, nil)
	assert.Error(t, err)

	c, err := NewController(Config{}, toolkittest.New())
	require.NoError(t, err)
	assert.Equal(t, ".", c.config.WorkDir)
	assert.Equal(t, config.PolicyExists, c.config.Policy)
	assert.Equal(t, 1, c.config.WorkerCount)
	assert.Equal(t, imaging.DefaultParams(), c.config.Params)
	assert.NotEmpty(t, c.RunID())

	other, err := NewController(Config{}, toolkittest.New())
	require.NoError(t, err)
	assert.NotEqual(t, c.RunID(), other.RunID(), "run IDs should be unique")
}

// ============================================================================
// 任務載入
// ============================================================================

func TestLoadUnits_Continuum(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "  sub/FieldB_bar.cal.ms  ", "")

	units, err := LoadUnits(dir, types.ModeContinuum)
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, types.UnitID("FieldA_foo.cal.ms"), units[0].ID)
	assert.Equal(t, "FieldA", units[0].Field)
	assert.Equal(t, []string{"FieldA_foo.cal.ms"}, units[0].Vis)
	assert.Equal(t, "FieldB", units[1].Field)
	assert.Equal(t, types.ModeContinuum, units[1].Mode)
}

func TestLoadUnits_FullWindow(t *testing.T) {
	dir := t.TempDir()
	writeLineManifest(t, dir, `{
		"B6": {"W51": {"spw0": ["W51_B6_spw0.split"]}},
		"B3": {"G010": {"spw1": ["G010_B3_spw1.split"], "spw0": ["G010_B3_spw0.split"]}}
	}`)

	units, err := LoadUnits(dir, types.ModeFullWindow)
	require.NoError(t, err)

	want := []types.Unit{
		{ID: "B3/G010", Mode: types.ModeFullWindow, Band: "B3", Field: "G010",
			Vis: []string{"G010_B3_spw0.split", "G010_B3_spw1.split"}},
		{ID: "B6/W51", Mode: types.ModeFullWindow, Band: "B6", Field: "W51",
			Vis: []string{"W51_B6_spw0.split"}},
	}
	if diff := cmp.Diff(want, units); diff != "" {
		t.Errorf("LoadUnits mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadUnits_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadUnits(dir, types.ModeContinuum)
	assert.Error(t, err)

	writeLineManifest(t, dir, `{"B3": [`)
	_, err = LoadUnits(dir, types.ModeFullWindow)
	assert.Error(t, err)

	_, err = LoadUnits(dir, types.Mode("cube"))
	assert.Error(t, err)
}

// ============================================================================
// 連續譜執行
// ============================================================================

func TestRun_Continuum(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms")

	rec := toolkittest.New()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	c := createTestController(t, testConfig(dir), rec, WithMetrics(collector))

	report, err := c.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "test-run", report.RunID)
	assert.Equal(t, types.ModeContinuum, report.Mode)
	assert.Empty(t, report.Error)
	assert.Equal(t, []types.UnitID{"FieldA_foo.cal.ms", "FieldB_bar.cal.ms"}, report.Order)
	for id, u := range report.Units {
		assert.Equal(t, types.StatusCompleted, u.Status, id)
		assert.Equal(t, 3, u.Images, id)
		assert.Zero(t, u.Skipped, id)
	}

	// three robustness values per dataset, two FITS exports per image
	assert.Equal(t, 6, rec.Count(toolkit.TaskClean))
	assert.Equal(t, 12, rec.Count(toolkit.TaskExportFITS))
	assert.Equal(t, 2, rec.Count(toolkit.TaskPlotMS))

	out := filepath.Join(dir, "imaging_results")
	assert.Equal(t, []string{
		filepath.Join(out, "FieldA_foo_12M_robust-2"),
		filepath.Join(out, "FieldA_foo_12M_robust0"),
		filepath.Join(out, "FieldA_foo_12M_robust2"),
		filepath.Join(out, "FieldB_bar_12M_robust-2"),
		filepath.Join(out, "FieldB_bar_12M_robust0"),
		filepath.Join(out, "FieldB_bar_12M_robust2"),
	}, cleanTargets(rec))

	first := rec.CallsTo(toolkit.TaskClean)[0].Clean
	assert.Equal(t, "DA41,DV02", first.Antenna)
	assert.Equal(t, "FieldA", first.Field)
	assert.Equal(t, []string{"FieldA_foo.cal.ms"}, first.Vis)

	// report and ledger land in the output directory
	assert.FileExists(t, filepath.Join(out, snapshot.ReportFile))
	assert.FileExists(t, filepath.Join(out, LedgerFile))

	expected := `
# HELP contimg_images_total Robust images produced
# TYPE contimg_images_total counter
contimg_images_total 6
# HELP contimg_units_in_flight Imaging units currently running
# TYPE contimg_units_in_flight gauge
contimg_units_in_flight 0
# HELP contimg_units_total Imaging units finished, by final status
# TYPE contimg_units_total counter
contimg_units_total{status="completed"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"contimg_images_total", "contimg_units_in_flight", "contimg_units_total"))
}

func TestRun_IncludesShortBaselines(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms")

	cfg := testConfig(dir)
	cfg.Exclude7M = false
	rec := toolkittest.New()

	_, err := createTestController(t, cfg, rec).Run(context.Background(), types.ModeContinuum)
	require.NoError(t, err)

	cleans := rec.CallsTo(toolkit.TaskClean)
	require.Len(t, cleans, 3)
	assert.Empty(t, cleans[0].Clean.Antenna)
	assert.True(t, strings.HasSuffix(cleans[0].Target, "FieldA_foo_7M12M_robust-2"), cleans[0].Target)
	assert.Zero(t, rec.Count(toolkit.TaskAntennaNames), "antenna listing is only needed when excluding")
}

func TestRun_RerunSkipsCompletedImages(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms")

	rec := toolkittest.New()
	rec.WriteArtifacts = true
	_, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.NoError(t, err)

	again := toolkittest.New()
	report, err := createTestController(t, testConfig(dir), again, WithRunID("second-run")).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Zero(t, again.Count(toolkit.TaskClean))
	assert.Zero(t, again.Count(toolkit.TaskExportFITS))
	assert.Zero(t, again.Count(toolkit.TaskPlotMS))

	for id, u := range report.Units {
		assert.Equal(t, types.StatusSkipped, u.Status, id)
		assert.Equal(t, 3, u.Skipped, id)
	}
	assert.Equal(t, "second-run", report.RunID)
}

func TestRun_FirstFailureStopsDispatch(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms", "FieldC_baz.cal.ms")

	out := filepath.Join(dir, "imaging_results")
	rec := toolkittest.New()
	rec.Fail[toolkit.TaskClean] = errors.New("tclean exploded")
	rec.FailOn[toolkit.TaskClean] = filepath.Join(out, "FieldB_bar_12M_robust0")

	report, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FieldB_bar.cal.ms")
	assert.Contains(t, err.Error(), "tclean exploded")

	assert.Equal(t, map[types.UnitID]types.UnitStatus{
		"FieldA_foo.cal.ms": types.StatusCompleted,
		"FieldB_bar.cal.ms": types.StatusFailed,
		"FieldC_baz.cal.ms": types.StatusPending,
	}, unitStatuses(report))

	failed := report.Units["FieldB_bar.cal.ms"]
	assert.Equal(t, 1, failed.Images, "robust-2 finished before the failure")
	assert.Contains(t, failed.Error, "tclean exploded")

	// nothing after the failing call was imaged
	assert.Equal(t, 5, rec.Count(toolkit.TaskClean))
	for _, target := range cleanTargets(rec) {
		assert.NotContains(t, target, "FieldC")
	}

	// the report is written even for failed runs
	saved, loadErr := snapshot.ForOutputDir(out).Load()
	require.NoError(t, loadErr)
	assert.Contains(t, saved.Error, "tclean exploded")
	assert.Equal(t, types.StatusFailed, saved.Units["FieldB_bar.cal.ms"].Status)
}

func TestRun_ParallelWorkers(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir,
		"FieldA_a.cal.ms", "FieldB_b.cal.ms", "FieldC_c.cal.ms", "FieldD_d.cal.ms", "FieldE_e.cal.ms")

	cfg := testConfig(dir)
	cfg.WorkerCount = 3
	rec := toolkittest.New()

	report, err := createTestController(t, cfg, rec).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 15, rec.Count(toolkit.TaskClean))
	assert.Equal(t, 30, rec.Count(toolkit.TaskExportFITS))
	for id, u := range report.Units {
		assert.Equal(t, types.StatusCompleted, u.Status, id)
	}
}

func TestRun_DuplicateManifestEntries(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldA_foo.cal.ms")

	rec := toolkittest.New()
	report, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Len(t, report.Units, 1)
	assert.Equal(t, 3, rec.Count(toolkit.TaskClean))
}

// crashedRun leaves one dataset fully imaged on disk with its robust-2
// image marked STARTED in the ledger, as if a run died mid-tclean.
func crashedRun(t *testing.T) (dir, interrupted string) {
	t.Helper()
	dir = t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms")
	out := filepath.Join(dir, "imaging_results")
	interrupted = filepath.Join(out, "FieldA_foo_12M_robust-2")

	rec := toolkittest.New()
	rec.WriteArtifacts = true
	_, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.NoError(t, err)

	led, err := ledger.Open(filepath.Join(out, LedgerFile), "crashed-run")
	require.NoError(t, err)
	require.NoError(t, led.Started(interrupted))
	require.NoError(t, led.Close())
	return dir, interrupted
}

func TestRun_ExistsPolicyTrustsFiles(t *testing.T) {
	dir, interrupted := crashedRun(t)

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var logs bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))

	rec := toolkittest.New()
	report, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Zero(t, rec.Count(toolkit.TaskClean))
	assert.Equal(t, types.StatusSkipped, report.Units["FieldA_foo.cal.ms"].Status)
	assert.Contains(t, logs.String(), "Ledger holds unfinished images")
	assert.Contains(t, logs.String(), interrupted)
}

func TestRun_LedgerPolicyRebuildsInterruptedImage(t *testing.T) {
	dir, interrupted := crashedRun(t)

	cfg := testConfig(dir)
	cfg.Policy = config.PolicyLedger
	rec := toolkittest.New()
	rec.WriteArtifacts = true

	report, err := createTestController(t, cfg, rec).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{interrupted}, cleanTargets(rec))
	unit := report.Units["FieldA_foo.cal.ms"]
	assert.Equal(t, types.StatusCompleted, unit.Status)
	assert.Equal(t, 1, unit.Images)
	assert.Equal(t, 2, unit.Skipped)

	// the rebuilt image is complete again
	st, err := LoadStatus(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Images[ledger.EventCompleted]+st.Images[ledger.EventSkipped])
	assert.Zero(t, st.Images[ledger.EventStarted])
}

// ============================================================================
// 全窗口執行
// ============================================================================

const lineManifest = `{
	"B3": {"G010": {"spw0": ["G010_B3_spw0.split"], "spw1": ["G010_B3_spw1.split"]}},
	"B6": {"W51": {"spw0": ["W51_B6_spw0.split"]}}
}`

func TestRun_FullWindow(t *testing.T) {
	dir := t.TempDir()
	writeLineManifest(t, dir, lineManifest)

	cfg := testConfig(dir)
	cfg.Exclude7M = false
	rec := toolkittest.New()

	report, err := createTestController(t, cfg, rec).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, types.ModeFullWindow, report.Mode)
	assert.Equal(t, []types.UnitID{"B3/G010", "B6/W51"}, report.Order)

	assert.Equal(t, 6, rec.Count(toolkit.TaskClean))
	assert.Zero(t, rec.Count(toolkit.TaskPlotMS), "no diagnostic plot in full window mode")

	out := filepath.Join(dir, "imaging_results")
	first := rec.CallsTo(toolkit.TaskClean)[0]
	assert.Equal(t, filepath.Join(out, "G010_B3_spw0_7M12M_robust-2"), first.Target)
	assert.Equal(t, []string{"G010_B3_spw0.split", "G010_B3_spw1.split"}, first.Clean.Vis)
	assert.Equal(t, "G010", first.Clean.Field)
	assert.Equal(t, "none", first.Clean.SaveModel)
	assert.Empty(t, first.Clean.Antenna)
}

func TestRun_FullWindowExcludesShortBaselineDatasets(t *testing.T) {
	dir := t.TempDir()
	writeLineManifest(t, dir, lineManifest)

	rec := toolkittest.New()
	rec.Antennas["G010_B3_spw0.split"] = []string{"CM01", "DA41"}
	rec.Antennas["G010_B3_spw1.split"] = []string{"DA41", "DV02"}
	rec.Antennas["W51_B6_spw0.split"] = []string{"DA41"}

	_, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")
	require.NoError(t, err)

	out := filepath.Join(dir, "imaging_results")
	first := rec.CallsTo(toolkit.TaskClean)[0]
	// the name still comes from the first listed dataset
	assert.Equal(t, filepath.Join(out, "G010_B3_spw0_12M_robust-2"), first.Target)
	assert.Equal(t, []string{"G010_B3_spw1.split"}, first.Clean.Vis)
	assert.Empty(t, first.Clean.Antenna)
}

func TestRun_FullWindowNoDatasetsLeft(t *testing.T) {
	dir := t.TempDir()
	writeLineManifest(t, dir, `{"B3": {"G010": {"spw0": ["G010_B3_spw0.split"]}}}`)

	// the default recorder reports a 7m antenna in every dataset
	rec := toolkittest.New()
	report, err := createTestController(t, testConfig(dir), rec).Run(context.Background(), "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, antenna.ErrNoDatasets), err)
	assert.Equal(t, types.StatusFailed, report.Units["B3/G010"].Status)
	assert.Zero(t, rec.Count(toolkit.TaskClean))
}

// ============================================================================
// 錯誤與取消
// ============================================================================

func TestRun_NoManifest(t *testing.T) {
	c := createTestController(t, testConfig(t.TempDir()), toolkittest.New())

	_, err := c.Run(context.Background(), "")
	assert.ErrorIs(t, err, manifest.ErrNoManifest)
}

func TestRun_ContinuumManifestWins(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms")
	writeLineManifest(t, dir, lineManifest)

	report, err := createTestController(t, testConfig(dir), toolkittest.New()).Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.ModeContinuum, report.Mode)
}

func TestRun_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := toolkittest.New()
	report, err := createTestController(t, testConfig(dir), rec).Run(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rec.Count(toolkit.TaskClean))

	for id, u := range report.Units {
		assert.NotEqual(t, types.StatusCompleted, u.Status, id)
		assert.NotEqual(t, types.StatusInFlight, u.Status, id)
	}
	assert.NotEmpty(t, report.Error)
}

func TestRun_CancelDuringClean(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := toolkittest.New()
	rec.BeforeClean = func(toolkit.CleanParams) { cancel() }

	report, err := createTestController(t, testConfig(dir), rec).Run(ctx, "")
	require.Error(t, err)
	assert.Equal(t, 1, rec.Count(toolkit.TaskClean), "the driver stops at the next robustness value")
	assert.NotEqual(t, types.StatusInFlight, report.Units["FieldA_foo.cal.ms"].Status)
	assert.Equal(t, types.StatusPending, report.Units["FieldB_bar.cal.ms"].Status)
}

// ============================================================================
// 狀態查詢
// ============================================================================

func TestLoadStatus(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms", "FieldB_bar.cal.ms")

	cfg := testConfig(dir)
	_, err := createTestController(t, cfg, toolkittest.New()).Run(context.Background(), "")
	require.NoError(t, err)

	st, err := LoadStatus(cfg)
	require.NoError(t, err)

	assert.Equal(t, "test-run", st.Report.RunID)
	require.Len(t, st.Units, 2)
	assert.Equal(t, types.UnitID("FieldA_foo.cal.ms"), st.Units[0].ID)
	assert.Equal(t, 2, st.Stats[string(types.StatusCompleted)])
	assert.Equal(t, 6, st.Stats["images"])

	// six images, each STARTED then COMPLETED
	assert.Equal(t, 12, st.LedgerEvents)
	assert.Equal(t, map[ledger.EventType]int{ledger.EventCompleted: 6}, st.Images)
}

func TestLoadStatus_NoReport(t *testing.T) {
	_, err := LoadStatus(testConfig(t.TempDir()))
	assert.ErrorIs(t, err, snapshot.ErrReportNotFound)
}

func TestLoadStatus_MissingLedger(t *testing.T) {
	dir := t.TempDir()
	writeContinuumManifest(t, dir, "FieldA_foo.cal.ms")

	cfg := testConfig(dir)
	_, err := createTestController(t, cfg, toolkittest.New()).Run(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "imaging_results", LedgerFile)))

	st, err := LoadStatus(cfg)
	require.NoError(t, err)
	assert.Zero(t, st.LedgerEvents)
	assert.Empty(t, st.Images)
}
