// ============================================================================
// contimg Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露影像管線的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - contimg_units_total{status}: 結束的單元數（completed/skipped/failed）
//      - contimg_toolkit_calls_total{task}: CASA 任務呼叫次數
//      - contimg_toolkit_failures_total{task}: CASA 任務失敗次數
//      - contimg_images_total: 本次產生的 robust 影像數
//      - contimg_images_skipped_total: 已存在而略過的 robust 影像數
//
//   2. 分佈 (Histogram):
//      - contimg_clean_duration_seconds: 每次 tclean 的耗時
//        * 桶分佈: 10s 起，每級加倍，到約 5.7 小時
//
//   3. 狀態 (Gauge):
//      - contimg_units_in_flight: 執行中的單元數
//
// HTTP 端點:
//   /metrics，預設端口 9090，只在 metrics.enabled 時啟動
//
// 所有方法都接受 nil *Collector，未啟用指標時呼叫端不必判斷。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contimg"

// Collector Prometheus 指標收集器
type Collector struct {
	units           *prometheus.CounterVec
	toolkitCalls    *prometheus.CounterVec
	toolkitFailures *prometheus.CounterVec
	images          prometheus.Counter
	imagesSkipped   prometheus.Counter
	cleanDuration   prometheus.Histogram
	unitsInFlight   prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Imaging units finished, by final status",
		}, []string{"status"}),
		toolkitCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolkit_calls_total",
			Help:      "CASA task invocations",
		}, []string{"task"}),
		toolkitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toolkit_failures_total",
			Help:      "CASA task invocations that returned an error",
		}, []string{"task"}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Robust images produced",
		}),
		imagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_skipped_total",
			Help:      "Robust images skipped because they were already complete",
		}),
		cleanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clean_duration_seconds",
			Help:      "Wall time of each tclean call",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
		unitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_in_flight",
			Help:      "Imaging units currently running",
		}),
	}

	reg.MustRegister(
		c.units,
		c.toolkitCalls,
		c.toolkitFailures,
		c.images,
		c.imagesSkipped,
		c.cleanDuration,
		c.unitsInFlight,
	)
	return c
}

var _ toolkit.Observer = (*Collector)(nil)

// ObserveCall 記錄一次 CASA 任務呼叫
func (c *Collector) ObserveCall(task string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.toolkitCalls.WithLabelValues(task).Inc()
	if err != nil {
		c.toolkitFailures.WithLabelValues(task).Inc()
	}
	if task == toolkit.TaskClean && err == nil {
		c.cleanDuration.Observe(d.Seconds())
	}
}

// RecordImage 記錄一個 robust 影像的結果
func (c *Collector) RecordImage(skipped bool) {
	if c == nil {
		return
	}
	if skipped {
		c.imagesSkipped.Inc()
		return
	}
	c.images.Inc()
}

// UnitStarted 單元開始執行
func (c *Collector) UnitStarted() {
	if c == nil {
		return
	}
	c.unitsInFlight.Inc()
}

// UnitStopped 單元執行結束（不論結果）
func (c *Collector) UnitStopped() {
	if c == nil {
		return
	}
	c.unitsInFlight.Dec()
}

// RecordUnit 記錄單元的最終狀態
func (c *Collector) RecordUnit(status types.UnitStatus) {
	if c == nil {
		return
	}
	c.units.WithLabelValues(string(status)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown error", "error", err)
		}
	}()

	slog.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
