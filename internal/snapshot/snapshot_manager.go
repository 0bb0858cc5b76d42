package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次執行的單元狀態序列化為 JSON 報告 (run_report.json)
// 2. 使用原子性寫入（temp file + fsync + rename）防止半寫入的報告
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/contimg/pkg/types"
)

// ReportFile is the report name inside the output directory.
const ReportFile = "run_report.json"

// SchemaVersion is the only report layout Load accepts.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("run report is corrupted")
	ErrIncompatibleVersion = errors.New("run report schema version is incompatible")
	ErrReportNotFound      = errors.New("run report not found")
)

// Manager 報告管理器
type Manager struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立報告管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// ForOutputDir returns the manager of <outputDir>/run_report.json.
func ForOutputDir(outputDir string) *Manager {
	return NewManager(filepath.Join(outputDir, ReportFile))
}

// Write 原子性寫入報告
//
// 1. 寫入同目錄的臨時檔案並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.ReportData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Units == nil {
		data.Units = make(map[types.UnitID]*types.Unit)
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(append(jsonBytes, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp report: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename run report: %w", err)
	}
	return nil
}

// Load 載入報告
//
//   - 檔案不存在回傳 ErrReportNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的報告
func (m *Manager) Load() (types.ReportData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.ReportData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read run report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Units == nil {
		data.Units = make(map[types.UnitID]*types.Unit)
	}
	return data, nil
}

// Exists 檢查報告檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得報告檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
