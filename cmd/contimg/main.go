package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 cobra 命令，錯誤時以非零狀態結束
// 3. 處理頂層 panic
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/contimg/internal/cli"
)

// 由建置時注入：go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	cli.Version = version
	rootCmd := cli.BuildCLI()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
