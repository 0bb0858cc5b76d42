// ============================================================================
// contimg Controller - 影像管線核心調度器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 把 manifest 轉成影像單元，分派給 Worker Pool，收集結果並寫出報告
//
// 執行流程 (Run):
//   1. 決定模式（continuum_mses.txt 優先，其次 to_image.json）
//   2. 載入 manifest，每個 dataset / (band, field) 建立一個單元
//   3. 建立輸出目錄，開啟 completion ledger
//   4. 啟動 Worker Pool，兩個 goroutine 由 errgroup 管理：
//      - dispatch: 依 manifest 順序 PopPending → MarkInFlight → Submit
//      - collect:  讀取結果，更新單元狀態，第一個失敗停止分派
//   5. 等待執行中的單元結束，關閉 Pool 與 ledger
//   6. 寫出 run_report.json（成功或失敗都寫）
//
// 失敗語意:
//   第一個失敗的單元讓分派停止，已在執行的單元照常完成，整次執行回傳錯誤。
//   ctx 被取消（SIGINT/SIGTERM）時，執行中的 CASA 行程會被終止。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/contimg/internal/config"
	"github.com/ChuLiYu/contimg/internal/geometry"
	"github.com/ChuLiYu/contimg/internal/imaging"
	"github.com/ChuLiYu/contimg/internal/jobmanager"
	"github.com/ChuLiYu/contimg/internal/ledger"
	"github.com/ChuLiYu/contimg/internal/manifest"
	"github.com/ChuLiYu/contimg/internal/metrics"
	"github.com/ChuLiYu/contimg/internal/snapshot"
	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/internal/worker"
	"github.com/ChuLiYu/contimg/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// LedgerFile is the ledger name inside the output directory.
const LedgerFile = ".contimg.ledger"

// Config 控制一次影像執行
type Config struct {
	WorkDir     string // manifests live here; the toolkit runs here
	OutputDir   string // relative to WorkDir unless absolute
	Exclude7M   bool
	Policy      string // config.PolicyExists or config.PolicyLedger
	WorkerCount int
	UnitTimeout time.Duration // zero means none
	Geometry    geometry.Options
	Params      imaging.Params
}

// FromConfig maps the file configuration onto a controller Config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		WorkDir:     cfg.WorkDir,
		OutputDir:   cfg.OutputDir,
		Exclude7M:   cfg.Exclude7M,
		Policy:      cfg.CompletionPolicy,
		WorkerCount: cfg.Workers.Count,
		Geometry: geometry.Options{
			PixscaleArcsec: cfg.Imaging.PixscaleArcsec,
			SPW:            cfg.Imaging.SPW,
		},
		Params: imaging.Params{
			Robust: append([]float64(nil), cfg.Imaging.Robust...),
			Niter:  cfg.Imaging.Niter,
			Scales: append([]int(nil), cfg.Imaging.Scales...),
			Nterms: cfg.Imaging.Nterms,
		},
	}
}

// ResolvedOutputDir is where artifacts, the ledger and the report go. The
// path is used both here and inside the toolkit process, which runs in
// WorkDir, so it stays relative only when WorkDir is the current directory.
func (c Config) ResolvedOutputDir() string {
	if filepath.IsAbs(c.OutputDir) || c.WorkDir == "" || filepath.Clean(c.WorkDir) == "." {
		return c.OutputDir
	}
	dir := filepath.Join(c.WorkDir, c.OutputDir)
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// Controller 影像管線調度器。每個 Controller 只執行一次 Run。
type Controller struct {
	config     Config
	tk         toolkit.Toolkit
	metrics    *metrics.Collector
	jobManager *jobmanager.JobManager
	report     *snapshot.Manager
	runID      string
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics reports unit and image outcomes to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(c *Controller) { c.runID = id }
}

// NewController 建立調度器
func NewController(cfg Config, tk toolkit.Toolkit, opts ...Option) (*Controller, error) {
	if tk == nil {
		return nil, errors.New("controller: nil toolkit")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Policy == "" {
		cfg.Policy = config.PolicyExists
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if len(cfg.Params.Robust) == 0 {
		cfg.Params = imaging.DefaultParams()
	}
	if cfg.Geometry.PixscaleArcsec == 0 {
		cfg.Geometry = geometry.DefaultOptions()
	}

	c := &Controller{
		config:     cfg,
		tk:         tk,
		jobManager: jobmanager.NewJobManager(),
		report:     snapshot.ForOutputDir(cfg.ResolvedOutputDir()),
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunID identifies this run in the ledger and the report.
func (c *Controller) RunID() string {
	return c.runID
}

// Run images every unit of mode. An empty mode is detected from the
// manifests present in the working directory.
func (c *Controller) Run(ctx context.Context, mode types.Mode) (types.ReportData, error) {
	started := time.Now()

	if mode == "" {
		detected, err := manifest.Detect(c.config.WorkDir)
		if err != nil {
			return types.ReportData{}, err
		}
		mode = detected
	}

	units, err := LoadUnits(c.config.WorkDir, mode)
	if err != nil {
		return types.ReportData{}, err
	}
	for _, unit := range units {
		if err := c.jobManager.Enqueue(unit); err != nil {
			if errors.Is(err, jobmanager.ErrDuplicateUnit) {
				slog.Warn("Ignoring duplicate manifest entry", "unit", unit.ID)
				continue
			}
			return types.ReportData{}, err
		}
	}

	outputDir := c.config.ResolvedOutputDir()
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return types.ReportData{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	led, err := ledger.Open(filepath.Join(outputDir, LedgerFile), c.runID)
	if err != nil {
		return types.ReportData{}, fmt.Errorf("failed to open ledger: %w", err)
	}
	if unfinished := led.Unfinished(); len(unfinished) > 0 {
		// exists 策略仍以檔案為準，這裡只提醒
		slog.Warn("Ledger holds unfinished images from an earlier run",
			"count", len(unfinished),
			"first", unfinished[0],
			"policy", c.config.Policy)
	}

	slog.Info("Starting imaging run",
		"run_id", c.runID,
		"mode", mode,
		"units", c.jobManager.Len(),
		"workers", c.config.WorkerCount,
		"exclude_7m", c.config.Exclude7M,
		"policy", c.config.Policy,
		"output_dir", outputDir)

	runErr := c.dispatch(ctx, mode, outputDir, led)

	if err := led.Close(); err != nil {
		slog.Error("Failed to close ledger", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("failed to close ledger: %w", err)
		}
	}

	report := c.jobManager.Snapshot()
	report.RunID = c.runID
	report.Mode = mode
	report.StartedAt = started.UnixMilli()
	report.FinishedAt = time.Now().UnixMilli()
	if runErr != nil {
		report.Error = runErr.Error()
	}
	if err := c.report.Write(report); err != nil {
		slog.Error("Failed to write run report", "path", c.report.GetPath(), "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	stats := c.jobManager.Stats()
	slog.Info("Imaging run finished",
		"run_id", c.runID,
		"duration", time.Since(started),
		"completed", stats[string(types.StatusCompleted)],
		"skipped", stats[string(types.StatusSkipped)],
		"failed", stats[string(types.StatusFailed)],
		"pending", stats[string(types.StatusPending)],
		"images", stats["images"])

	return report, runErr
}

// dispatch runs the pool until every submitted unit has reported.
func (c *Controller) dispatch(ctx context.Context, mode types.Mode, outputDir string, led *ledger.Ledger) error {
	opts := []imaging.Option{imaging.WithLedger(led, c.config.Policy == config.PolicyLedger)}
	if c.metrics != nil {
		opts = append(opts, imaging.WithStats(c.metrics))
	}
	driver := imaging.NewDriver(c.tk, c.config.Params, opts...)
	prep := imaging.PrepareOptions{
		OutputDir:            outputDir,
		ExcludeShortBaseline: c.config.Exclude7M,
		Geometry:             c.config.Geometry,
	}

	pool := worker.NewPool(0, worker.ExecutorFunc(func(ctx context.Context, unit types.Unit) (imaging.Outcome, error) {
		c.metrics.UnitStarted()
		defer c.metrics.UnitStopped()
		return c.execute(ctx, driver, prep, unit)
	}))
	if err := pool.Start(ctx, c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	dispatchCtx, stopDispatch := context.WithCancel(gctx)
	defer stopDispatch()

	submitted := make(chan int, 1)

	// 每個 Worker 一個名額；結果處理完才歸還，失敗時 stopDispatch 先於歸還
	slots := make(chan struct{}, c.config.WorkerCount)

	// dispatch loop：取得名額後送出下一個單元
	g.Go(func() error {
		n := 0
		defer func() { submitted <- n }()

		for {
			select {
			case slots <- struct{}{}:
			case <-dispatchCtx.Done():
				return nil
			}
			if dispatchCtx.Err() != nil {
				return nil
			}

			unit, ok := c.jobManager.PopPending()
			if !ok {
				return nil
			}
			if err := c.jobManager.MarkInFlight(unit.ID); err != nil {
				return fmt.Errorf("failed to mark %s in flight: %w", unit.ID, err)
			}
			task := worker.Task{Unit: unit, Timeout: c.config.UnitTimeout}
			if err := pool.Submit(dispatchCtx, task); err != nil {
				if rqErr := c.jobManager.Requeue(unit.ID); rqErr != nil {
					slog.Error("Failed to requeue unsent unit", "unit", unit.ID, "error", rqErr)
				}
				if dispatchCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to submit %s: %w", unit.ID, err)
			}
			n++
			slog.Debug("Unit dispatched", "unit", unit.ID)
		}
	})

	// result loop：收齊每個已送出單元的結果
	g.Go(func() error {
		var firstErr error
		total, received := -1, 0
		for total < 0 || received < total {
			select {
			case n := <-submitted:
				total = n
			case result := <-pool.Results():
				received++
				if err := c.handleResult(result); err != nil && firstErr == nil {
					firstErr = err
					stopDispatch()
				}
				<-slots
			}
		}
		return firstErr
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// handleResult records result and returns the unit error, if any.
func (c *Controller) handleResult(result worker.Result) error {
	out := result.Outcome
	if result.Success {
		if err := c.jobManager.MarkCompleted(result.UnitID, out.Images, out.Skipped); err != nil {
			return fmt.Errorf("failed to record %s: %w", result.UnitID, err)
		}
		unit, _ := c.jobManager.GetUnit(result.UnitID)
		c.metrics.RecordUnit(unit.Status)
		slog.Info("Unit finished",
			"unit", result.UnitID,
			"status", unit.Status,
			"images", out.Images,
			"skipped", out.Skipped,
			"duration", result.Duration)
		return nil
	}

	if err := c.jobManager.MarkFailed(result.UnitID, result.Error, out.Images, out.Skipped); err != nil {
		slog.Error("Failed to record unit failure", "unit", result.UnitID, "error", err)
	}
	c.metrics.RecordUnit(types.StatusFailed)
	slog.Error("Unit failed", "unit", result.UnitID, "error", result.Error, "duration", result.Duration)
	return fmt.Errorf("unit %s: %w", result.UnitID, result.Error)
}

// execute prepares the job for unit and runs the robustness loop over it.
func (c *Controller) execute(ctx context.Context, driver *imaging.Driver, prep imaging.PrepareOptions, unit types.Unit) (imaging.Outcome, error) {
	var (
		job imaging.Job
		err error
	)
	switch unit.Mode {
	case types.ModeContinuum:
		job, err = imaging.PrepareContinuum(ctx, c.tk, unit.Vis[0], prep)
	case types.ModeFullWindow:
		job, err = imaging.PrepareLine(ctx, c.tk, manifest.Group{Band: unit.Band, Field: unit.Field, Vis: unit.Vis}, prep)
	default:
		err = fmt.Errorf("unknown mode %q", unit.Mode)
	}
	if err != nil {
		return imaging.Outcome{}, err
	}
	return driver.Run(ctx, job)
}

// LoadUnits reads the manifest of mode from workDir and returns one unit
// per dataset (continuum) or per band and field (full window).
func LoadUnits(workDir string, mode types.Mode) ([]types.Unit, error) {
	path := manifest.PathFor(workDir, mode)

	switch mode {
	case types.ModeContinuum:
		mses, err := manifest.LoadContinuum(path)
		if err != nil {
			return nil, err
		}
		units := make([]types.Unit, 0, len(mses))
		for _, ms := range mses {
			units = append(units, types.Unit{
				ID:    types.UnitID(ms),
				Mode:  mode,
				Field: imaging.FieldOf(imaging.Basename(ms, mode)),
				Vis:   []string{ms},
			})
		}
		return units, nil

	case types.ModeFullWindow:
		m, err := manifest.LoadLine(path)
		if err != nil {
			return nil, err
		}
		groups := m.Groups()
		units := make([]types.Unit, 0, len(groups))
		for _, g := range groups {
			units = append(units, types.Unit{
				ID:    types.UnitID(g.Band + "/" + g.Field),
				Mode:  mode,
				Band:  g.Band,
				Field: g.Field,
				Vis:   g.Vis,
			})
		}
		return units, nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}
