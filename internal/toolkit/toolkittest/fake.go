// Package toolkittest provides a recording in-memory Toolkit for tests.
package toolkittest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/contimg/internal/toolkit"
)

// Call is one recorded toolkit invocation.
type Call struct {
	Task   string
	Target string
	Clean  *toolkit.CleanParams
	Plot   *toolkit.PlotParams
	Image  string
	FITS   string
	SizeRq *toolkit.ImageSizeRequest
}

// Recorder implements toolkit.Toolkit without any external process.
// When WriteArtifacts is set, Clean, ExportFITS and PlotMS create the files
// the real toolkit would, so reruns see them.
type Recorder struct {
	Antennas        map[string][]string // per dataset; missing means DefaultAntennas
	DefaultAntennas []string
	Center          toolkit.PhaseCenter
	Size            [2]int
	WriteArtifacts  bool

	// Fail makes the named task return err; FailOn narrows it to one target.
	Fail   map[string]error
	FailOn map[string]string

	// BeforeClean runs at the start of every Clean call.
	BeforeClean func(p toolkit.CleanParams)

	mu    sync.Mutex
	calls []Call
}

// New returns a Recorder with one 12 m and one 7 m antenna per dataset.
func New() *Recorder {
	return &Recorder{
		DefaultAntennas: []string{"DA41", "DV02", "CM01", "CM10"},
		Center:          toolkit.PhaseCenter{Coosys: "ICRS", RA: 290.93, Dec: 14.51},
		Size:            [2]int{1200, 1080},
		Antennas:        map[string][]string{},
		Fail:            map[string]error{},
		FailOn:          map[string]string{},
	}
}

var _ toolkit.Toolkit = (*Recorder)(nil)

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if err, ok := r.Fail[c.Task]; ok {
		if target, narrowed := r.FailOn[c.Task]; !narrowed || target == c.Target {
			return err
		}
	}
	return nil
}

func (r *Recorder) AntennaNames(ctx context.Context, ms string) ([]string, error) {
	if err := r.record(Call{Task: toolkit.TaskAntennaNames, Target: ms}); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if names, ok := r.Antennas[ms]; ok {
		return append([]string(nil), names...), nil
	}
	return append([]string(nil), r.DefaultAntennas...), nil
}

func (r *Recorder) PhaseCenter(ctx context.Context, ms, field string) (toolkit.PhaseCenter, error) {
	if err := r.record(Call{Task: toolkit.TaskPhaseCenter, Target: ms}); err != nil {
		return toolkit.PhaseCenter{}, err
	}
	return r.Center, nil
}

func (r *Recorder) ImageSize(ctx context.Context, req toolkit.ImageSizeRequest) ([2]int, error) {
	rq := req
	if err := r.record(Call{Task: toolkit.TaskImageSize, Target: req.MS, SizeRq: &rq}); err != nil {
		return [2]int{}, err
	}
	return r.Size, nil
}

func (r *Recorder) Clean(ctx context.Context, p toolkit.CleanParams) error {
	if r.BeforeClean != nil {
		r.BeforeClean(p)
	}
	pp := p
	if err := r.record(Call{Task: toolkit.TaskClean, Target: p.ImageName, Clean: &pp}); err != nil {
		return err
	}
	if r.WriteArtifacts {
		if err := touch(p.ImageName + ".image.tt0"); err != nil {
			return err
		}
		return touch(p.ImageName + ".image.tt0.pbcor")
	}
	return nil
}

func (r *Recorder) ExportFITS(ctx context.Context, image, fits string) error {
	if err := r.record(Call{Task: toolkit.TaskExportFITS, Target: image, Image: image, FITS: fits}); err != nil {
		return err
	}
	if r.WriteArtifacts {
		return touch(fits)
	}
	return nil
}

func (r *Recorder) PlotMS(ctx context.Context, p toolkit.PlotParams) error {
	pp := p
	if err := r.record(Call{Task: toolkit.TaskPlotMS, Target: p.Vis, Plot: &pp}); err != nil {
		return err
	}
	if r.WriteArtifacts {
		return touch(p.PlotFile)
	}
	return nil
}

// Calls returns a copy of every recorded call in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded calls of one task.
func (r *Recorder) CallsTo(task string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times task was called.
func (r *Recorder) Count(task string) int {
	return len(r.CallsTo(task))
}

func touch(path string) error {
	if err := os.WriteFile(path, []byte("fake"), 0644); err != nil {
		return fmt.Errorf("toolkittest: %w", err)
	}
	return nil
}
