// ============================================================================
// contimg Worker Pool - 並發單元執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和單元分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, task) - 提交單元到 taskCh
//   4. Results() - 讀取結果，Stop 後關閉
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh 緩衝為零時，Submit 會等到有 Worker 空閒才返回，
//     Controller 因此可以在第一個失敗後立刻停止分派
//   - sendMu: Submit 持有讀鎖發送，Stop 持有寫鎖關閉 taskCh，
//     不會向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrNoExecutor 表示建立 Pool 時沒有提供 Executor
	ErrNoExecutor = errors.New("worker pool has no executor")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	exec     Executor
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	sendMu   sync.RWMutex
}

// NewPool 建立新的 Worker Pool
//   - bufferSize: 任務和結果通道的緩衝大小
//   - exec: 每個單元的執行邏輯
func NewPool(bufferSize int, exec Executor) *Pool {
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker，ctx 會傳給每一次執行
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.exec == nil {
		return ErrNoExecutor
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.exec, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務，阻塞到有 Worker（或緩衝）接收，或 ctx 結束
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results exposes the result channel. It is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，喚醒阻塞中的 Submit
//  3. 關閉 taskCh，結束 Worker 的 range 循環
//  4. 等待所有 Worker 完成當前單元
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}
