package imaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/pkg/types"
)

// Params is the fixed part of the tclean bundle.
type Params struct {
	Robust []float64
	Niter  int
	Scales []int
	Nterms int
}

// DefaultParams matches the original continuum scripts.
func DefaultParams() Params {
	return Params{
		Robust: []float64{-2, 0, 2},
		Niter:  10000,
		Scales: []int{0, 3, 9, 27, 81},
		Nterms: 2,
	}
}

// Ledger records job attempts. Imaging job IDs are robust image names.
type Ledger interface {
	Started(jobID string) error
	Completed(jobID string) error
	Skipped(jobID string) error
	Failed(jobID string) error
	Incomplete(jobID string) bool
}

// StatsRecorder is told about every robust image considered.
type StatsRecorder interface {
	RecordImage(skipped bool)
}

// Outcome counts what one job did.
type Outcome struct {
	Images  int  // robust images produced
	Skipped int  // robust images already complete
	Plotted bool // diagnostic plot produced
}

// Driver runs the diagnostic plot and the robustness loop of a job.
type Driver struct {
	tk          toolkit.Toolkit
	params      Params
	ledger      Ledger
	trustLedger bool // an unfinished ledger attempt overrides an existing image
	stats       StatsRecorder
}

// Option configures a Driver.
type Option func(*Driver)

// WithLedger records attempts in l. With strict set, an image whose last
// ledger record is an unfinished attempt is rebuilt even if it exists.
func WithLedger(l Ledger, strict bool) Option {
	return func(d *Driver) {
		d.ledger = l
		d.trustLedger = strict
	}
}

// WithStats reports image outcomes to s.
func WithStats(s StatsRecorder) Option {
	return func(d *Driver) { d.stats = s }
}

// NewDriver returns a Driver calling tk with params.
func NewDriver(tk toolkit.Toolkit, params Params, opts ...Option) *Driver {
	d := &Driver{tk: tk, params: params}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run plots (continuum only) and images job. The first toolkit error stops it.
func (d *Driver) Run(ctx context.Context, job Job) (Outcome, error) {
	var out Outcome
	if job.Mode == types.ModeContinuum {
		plotted, err := d.Plot(ctx, job)
		if err != nil {
			return out, err
		}
		out.Plotted = plotted
	}

	for _, robust := range d.params.Robust {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		made, err := d.Image(ctx, job, robust)
		if err != nil {
			return out, err
		}
		if made {
			out.Images++
		} else {
			out.Skipped++
		}
	}
	return out, nil
}

// Plot makes the amplitude vs uv-distance plot unless it already exists.
func (d *Driver) Plot(ctx context.Context, job Job) (bool, error) {
	plotFile := PlotFile(job.Stem)
	if exists(plotFile) {
		slog.Debug("Diagnostic plot exists", "plot", plotFile)
		return false, nil
	}

	if err := d.tk.PlotMS(ctx, PlotParams(job)); err != nil {
		return false, fmt.Errorf("failed to plot %s: %w", job.Vis[0], err)
	}
	return true, nil
}

// Image builds one robust image and exports it, unless it is complete.
// It reports whether tclean ran.
func (d *Driver) Image(ctx context.Context, job Job, robust float64) (bool, error) {
	imname := RobustName(job.Stem, robust)

	if d.complete(imname) {
		slog.Info("Skipping completed file", "image", imname)
		if d.ledger != nil {
			if err := d.ledger.Skipped(imname); err != nil {
				return false, err
			}
		}
		d.record(true)
		return false, nil
	}

	if d.ledger != nil {
		if err := d.ledger.Started(imname); err != nil {
			return false, err
		}
	}

	slog.Info("Imaging", "image", imname, "field", job.Field, "vis", len(job.Vis), "robust", robust)
	if err := d.tk.Clean(ctx, d.CleanParams(job, robust)); err != nil {
		return false, d.fail(imname, fmt.Errorf("tclean %s: %w", imname, err))
	}

	for _, image := range []string{imname + ImageSuffix, imname + PBCorSuffix} {
		if err := d.tk.ExportFITS(ctx, image, image+FITSSuffix); err != nil {
			return false, d.fail(imname, fmt.Errorf("exportfits %s: %w", image, err))
		}
	}

	if d.ledger != nil {
		if err := d.ledger.Completed(imname); err != nil {
			return false, err
		}
	}
	d.record(false)
	return true, nil
}

// CleanParams is the full tclean bundle for job at robust.
func (d *Driver) CleanParams(job Job, robust float64) toolkit.CleanParams {
	p := toolkit.CleanParams{
		Vis:         append([]string(nil), job.Vis...),
		Field:       job.Field,
		ImageName:   RobustName(job.Stem, robust),
		Gridder:     "mosaic",
		Specmode:    "mfs",
		Phasecenter: job.Geometry.Phasecenter,
		Deconvolver: "mtmfs",
		Scales:      append([]int(nil), d.params.Scales...),
		Nterms:      d.params.Nterms,
		Outframe:    "LSRK",
		Veltype:     "radio",
		Niter:       d.params.Niter,
		Usemask:     "auto-multithresh",
		Interactive: false,
		Cell:        append([]string(nil), job.Geometry.Cell...),
		Imsize:      []int{job.Geometry.Imsize[0], job.Geometry.Imsize[1]},
		Weighting:   "briggs",
		Robust:      robust,
		Pbcor:       true,
	}
	switch job.Mode {
	case types.ModeContinuum:
		p.Antenna = job.Antenna
	case types.ModeFullWindow:
		// line data: keep the model column out of the split MSes
		p.SaveModel = "none"
	}
	return p
}

// PlotParams is the plotms bundle for the diagnostic plot of job.
func PlotParams(job Job) toolkit.PlotParams {
	return toolkit.PlotParams{
		Vis:        job.Vis[0],
		XAxis:      "uvwave",
		YAxis:      "amp",
		AvgChannel: "1000",
		PlotFile:   PlotFile(job.Stem),
		ShowLegend: true,
		ShowGUI:    false,
		Antenna:    job.Antenna,
	}
}

func (d *Driver) complete(imname string) bool {
	if !exists(imname + ImageSuffix) {
		return false
	}
	if d.trustLedger && d.ledger != nil && d.ledger.Incomplete(imname) {
		slog.Warn("Rebuilding image left unfinished by an earlier run", "image", imname)
		return false
	}
	return true
}

func (d *Driver) fail(imname string, err error) error {
	if d.ledger != nil {
		if lerr := d.ledger.Failed(imname); lerr != nil {
			slog.Error("Failed to record failure in ledger", "image", imname, "error", lerr)
		}
	}
	return err
}

func (d *Driver) record(skipped bool) {
	if d.stats != nil {
		d.stats.RecordImage(skipped)
	}
}

// exists accepts files and directories alike; CASA images are directories.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
