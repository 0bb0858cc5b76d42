// ============================================================================
// contimg 單元管理器 - 影像單元狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一次執行中每個影像單元的狀態
//
// 單元狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ PopPending() + MarkInFlight()
//   InFlight (執行中)
//      ↓ MarkCompleted() / MarkFailed()，未送出時 Requeue() 回到 Pending
//   Completed / Skipped / Failed
//
//   影像工作不重試：失敗的單元停在 Failed，整次執行隨即停止分派。
//
// 數據結構設計:
//   units map[UnitID]*Unit - 主存儲，單一真實來源
//   order []UnitID         - manifest 中的順序，報告依此輸出
//   queue []UnitID         - pending 隊列，FIFO
//   inFlight/completed/skipped/failed - 狀態索引
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//
// 快照支持:
//   - Snapshot() 產生執行報告資料 (types.ReportData)
//   - Restore() 從報告還原，供 status 指令統計
//
// ============================================================================

package jobmanager

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/contimg/pkg/types"
)

var (
	// 單元 ID 重複錯誤
	ErrDuplicateUnit = errors.New("unit already exists")
	// 單元不在執行中狀態
	ErrNotInFlight = errors.New("unit not in flight")
	// 單元不存在
	ErrUnitNotFound = errors.New("unit not found")
	// 單元不在待處理狀態
	ErrNotPending = errors.New("unit not pending")
)

// ReportSchemaVersion is written into every report.
const ReportSchemaVersion = 1

// JobManager 追蹤所有單元
type JobManager struct {
	mu        sync.RWMutex
	units     map[types.UnitID]*types.Unit
	order     []types.UnitID
	queue     []types.UnitID
	inFlight  map[types.UnitID]*types.Unit
	completed map[types.UnitID]*types.Unit
	skipped   map[types.UnitID]*types.Unit
	failed    map[types.UnitID]*types.Unit
}

// NewJobManager 建立新的單元管理器
func NewJobManager() *JobManager {
	return &JobManager{
		units:     make(map[types.UnitID]*types.Unit),
		order:     make([]types.UnitID, 0),
		queue:     make([]types.UnitID, 0),
		inFlight:  make(map[types.UnitID]*types.Unit),
		completed: make(map[types.UnitID]*types.Unit),
		skipped:   make(map[types.UnitID]*types.Unit),
		failed:    make(map[types.UnitID]*types.Unit),
	}
}

// Enqueue 將新單元加入系統，設定為待處理狀態
func (jm *JobManager) Enqueue(unit types.Unit) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.units[unit.ID]; exists {
		return ErrDuplicateUnit
	}

	unit.Status = types.StatusPending
	unit.Error = ""
	unit.StartedAt = 0
	unit.EndedAt = 0
	unit.Vis = append([]string(nil), unit.Vis...)

	jm.units[unit.ID] = &unit
	jm.order = append(jm.order, unit.ID)
	jm.queue = append(jm.queue, unit.ID)
	return nil
}

// PopPending 取出下一個待處理單元（副本），不改變其狀態
func (jm *JobManager) PopPending() (types.Unit, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.queue) == 0 {
		return types.Unit{}, false
	}
	id := jm.queue[0]
	jm.queue = jm.queue[1:]
	return copyUnit(jm.units[id]), true
}

// MarkInFlight 將單元標記為執行中
func (jm *JobManager) MarkInFlight(id types.UnitID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	unit, exists := jm.units[id]
	if !exists {
		return ErrUnitNotFound
	}
	if unit.Status != types.StatusPending {
		return ErrNotPending
	}

	unit.Status = types.StatusInFlight
	unit.StartedAt = time.Now().UnixMilli()
	jm.inFlight[id] = unit
	return nil
}

// MarkCompleted 記錄單元完成。沒有產生任何影像的單元記為 Skipped。
func (jm *JobManager) MarkCompleted(id types.UnitID, images, skipped int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	unit, err := jm.finish(id, images, skipped)
	if err != nil {
		return err
	}
	if images == 0 {
		unit.Status = types.StatusSkipped
		jm.skipped[id] = unit
		return nil
	}
	unit.Status = types.StatusCompleted
	jm.completed[id] = unit
	return nil
}

// MarkFailed 記錄單元失敗，保留已完成的影像數
func (jm *JobManager) MarkFailed(id types.UnitID, cause error, images, skipped int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	unit, err := jm.finish(id, images, skipped)
	if err != nil {
		return err
	}
	unit.Status = types.StatusFailed
	if cause != nil {
		unit.Error = cause.Error()
	}
	jm.failed[id] = unit
	return nil
}

// Requeue 將沒有送出的執行中單元放回隊列前端
func (jm *JobManager) Requeue(id types.UnitID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	unit, exists := jm.units[id]
	if !exists {
		return ErrUnitNotFound
	}
	if unit.Status != types.StatusInFlight {
		return ErrNotInFlight
	}

	unit.Status = types.StatusPending
	unit.StartedAt = 0
	delete(jm.inFlight, id)
	jm.queue = append([]types.UnitID{id}, jm.queue...)
	return nil
}

func (jm *JobManager) finish(id types.UnitID, images, skipped int) (*types.Unit, error) {
	unit, exists := jm.units[id]
	if !exists {
		return nil, ErrUnitNotFound
	}
	if unit.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}
	unit.Images = images
	unit.Skipped = skipped
	unit.EndedAt = time.Now().UnixMilli()
	delete(jm.inFlight, id)
	return unit, nil
}

// Stats 取得各狀態單元的統計資訊
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	images, skippedImages := 0, 0
	for _, u := range jm.units {
		images += u.Images
		skippedImages += u.Skipped
	}

	return map[string]int{
		string(types.StatusPending):   len(jm.queue),
		string(types.StatusInFlight):  len(jm.inFlight),
		string(types.StatusCompleted): len(jm.completed),
		string(types.StatusSkipped):   len(jm.skipped),
		string(types.StatusFailed):    len(jm.failed),
		"images":                      images,
		"images_skipped":              skippedImages,
	}
}

// Len returns the number of units known.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.units)
}

// Snapshot 產生執行報告資料（深拷貝）
func (jm *JobManager) Snapshot() types.ReportData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	units := make(map[types.UnitID]*types.Unit, len(jm.units))
	for id, u := range jm.units {
		c := copyUnit(u)
		units[id] = &c
	}

	return types.ReportData{
		Units:     units,
		Order:     append([]types.UnitID(nil), jm.order...),
		SchemaVer: ReportSchemaVersion,
	}
}

// Restore 從報告恢復狀態。報告中沒有排序的單元依 ID 附加在後。
func (jm *JobManager) Restore(data types.ReportData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.units = make(map[types.UnitID]*types.Unit, len(data.Units))
	jm.order = make([]types.UnitID, 0, len(data.Units))
	jm.queue = make([]types.UnitID, 0)
	jm.inFlight = make(map[types.UnitID]*types.Unit)
	jm.completed = make(map[types.UnitID]*types.Unit)
	jm.skipped = make(map[types.UnitID]*types.Unit)
	jm.failed = make(map[types.UnitID]*types.Unit)

	seen := make(map[types.UnitID]bool, len(data.Units))
	add := func(id types.UnitID) {
		u, ok := data.Units[id]
		if !ok || u == nil || seen[id] {
			return
		}
		seen[id] = true
		c := copyUnit(u)
		jm.units[id] = &c
		jm.order = append(jm.order, id)

		switch c.Status {
		case types.StatusPending:
			jm.queue = append(jm.queue, id)
		case types.StatusInFlight:
			jm.inFlight[id] = &c
		case types.StatusCompleted:
			jm.completed[id] = &c
		case types.StatusSkipped:
			jm.skipped[id] = &c
		case types.StatusFailed:
			jm.failed[id] = &c
		}
	}

	for _, id := range data.Order {
		add(id)
	}
	for _, id := range sortedIDs(data.Units) {
		add(id)
	}
	return nil
}

// GetUnit 取得單元副本
func (jm *JobManager) GetUnit(id types.UnitID) (types.Unit, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	u, ok := jm.units[id]
	if !ok {
		return types.Unit{}, false
	}
	return copyUnit(u), true
}

// Units returns copies of every unit in manifest order.
func (jm *JobManager) Units() []types.Unit {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.Unit, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, copyUnit(jm.units[id]))
	}
	return out
}

func copyUnit(u *types.Unit) types.Unit {
	c := *u
	c.Vis = append([]string(nil), u.Vis...)
	return c
}

func sortedIDs(m map[types.UnitID]*types.Unit) []types.UnitID {
	ids := make([]types.UnitID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
