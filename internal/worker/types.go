package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/contimg/internal/imaging"
	"github.com/ChuLiYu/contimg/pkg/types"
)

// Task 代表一個要影像化的工作單元
type Task struct {
	Unit    types.Unit    // 單元的副本，Worker 不修改共享狀態
	Timeout time.Duration // 零表示不限時
}

// Result 代表單元執行結果
type Result struct {
	UnitID   types.UnitID
	Outcome  imaging.Outcome
	Success  bool
	Error    error
	Duration time.Duration
}

// Executor 執行一個單元（準備影像參數並跑完所有 robust 值）
type Executor interface {
	Execute(ctx context.Context, unit types.Unit) (imaging.Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, unit types.Unit) (imaging.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, unit types.Unit) (imaging.Outcome, error) {
	return f(ctx, unit)
}
