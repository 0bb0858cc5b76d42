package controller

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/contimg/internal/jobmanager"
	"github.com/ChuLiYu/contimg/internal/ledger"
	"github.com/ChuLiYu/contimg/internal/snapshot"
	"github.com/ChuLiYu/contimg/pkg/types"
)

// Status summarises the last run in an output directory.
type Status struct {
	Report       types.ReportData
	Units        []types.Unit             // report order
	Stats        map[string]int           // jobmanager.Stats keys
	Images       map[ledger.EventType]int // robust images by last ledger event
	LedgerEvents int
}

// LoadStatus reads the run report and replays the ledger without
// touching either.
func LoadStatus(cfg Config) (Status, error) {
	outputDir := cfg.ResolvedOutputDir()

	report, err := snapshot.ForOutputDir(outputDir).Load()
	if err != nil {
		return Status{}, err
	}

	jm := jobmanager.NewJobManager()
	if err := jm.Restore(report); err != nil {
		return Status{}, fmt.Errorf("failed to restore run report: %w", err)
	}

	st := Status{
		Report: report,
		Units:  jm.Units(),
		Stats:  jm.Stats(),
		Images: make(map[ledger.EventType]int),
	}

	last := make(map[string]ledger.EventType)
	err = ledger.ReplayFile(filepath.Join(outputDir, LedgerFile), func(ev ledger.Event) error {
		st.LedgerEvents++
		last[ev.JobID] = ev.Type
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return st, fmt.Errorf("failed to replay ledger: %w", err)
	}
	for _, t := range last {
		st.Images[t]++
	}
	return st, nil
}
