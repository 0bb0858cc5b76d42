package toolkit

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

//go:embed scripts/preamble.py
var preamble string

// stderrTailBytes bounds how much interpreter output a TaskError carries.
const stderrTailBytes = 4096

// Observer receives one callback per toolkit call.
type Observer interface {
	ObserveCall(task string, d time.Duration, err error)
}

// CASAConfig configures the subprocess toolkit.
type CASAConfig struct {
	Command     []string      // interpreter argv; the script path is appended
	WorkDir     string        // cwd of the interpreter; relative dataset paths resolve here
	PythonPath  []string      // prepended to sys.path (metadata_tools lives here)
	Timeout     time.Duration // per call; zero means none
	KeepScripts bool          // leave rendered scripts on disk for debugging
	Observer    Observer
}

// CASA runs each toolkit call as a CASA script.
type CASA struct {
	cfg CASAConfig
}

// NewCASA returns a CASA toolkit. Command must not be empty.
func NewCASA(cfg CASAConfig) (*CASA, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("toolkit: empty CASA command")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	return &CASA{cfg: cfg}, nil
}

func (c *CASA) AntennaNames(ctx context.Context, ms string) ([]string, error) {
	msLit, err := pyString(ms)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`_msmd = _contimg_msmd()
_msmd.open(%s)
try:
    _names = [str(x) for x in _msmd.antennanames()]
finally:
    _msmd.close()
_contimg_result(_names)
`, msLit)

	var names []string
	if err := c.run(ctx, TaskAntennaNames, ms, body, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *CASA) PhaseCenter(ctx context.Context, ms, field string) (PhaseCenter, error) {
	msLit, err := pyString(ms)
	if err != nil {
		return PhaseCenter{}, err
	}
	fieldLit, err := pyString(field)
	if err != nil {
		return PhaseCenter{}, err
	}
	body := fmt.Sprintf(`from metadata_tools import determine_phasecenter
_coosys, _racen, _deccen = determine_phasecenter(ms=%s, field=%s)
_contimg_result({"coosys": str(_coosys), "ra": float(_racen), "dec": float(_deccen)})
`, msLit, fieldLit)

	var pc PhaseCenter
	if err := c.run(ctx, TaskPhaseCenter, ms, body, &pc); err != nil {
		return PhaseCenter{}, err
	}
	if pc.Coosys == "" {
		return PhaseCenter{}, fmt.Errorf("%w: empty coordinate system for %s", ErrBadResult, ms)
	}
	return pc, nil
}

func (c *CASA) ImageSize(ctx context.Context, req ImageSizeRequest) ([2]int, error) {
	body, err := imsizeBody(req)
	if err != nil {
		return [2]int{}, err
	}

	var size []int
	if err := c.run(ctx, TaskImageSize, req.MS, body, &size); err != nil {
		return [2]int{}, err
	}
	if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return [2]int{}, fmt.Errorf("%w: imsize %v for %s", ErrBadResult, size, req.MS)
	}
	return [2]int{size[0], size[1]}, nil
}

func (c *CASA) Clean(ctx context.Context, p CleanParams) error {
	body, err := cleanBody(p)
	if err != nil {
		return err
	}
	return c.run(ctx, TaskClean, p.ImageName, body, nil)
}

func (c *CASA) ExportFITS(ctx context.Context, image, fits string) error {
	call, err := pyCall("exportfits", []arg{{"imagename", image}, {"fitsimage", fits}})
	if err != nil {
		return err
	}
	fitsLit, err := pyString(fits)
	if err != nil {
		return err
	}
	return c.run(ctx, TaskExportFITS, image, call+fmt.Sprintf("_contimg_require(%s)\n", fitsLit), nil)
}

func (c *CASA) PlotMS(ctx context.Context, p PlotParams) error {
	body, err := plotBody(p)
	if err != nil {
		return err
	}
	return c.run(ctx, TaskPlotMS, p.Vis, body, nil)
}

func imsizeBody(req ImageSizeRequest) (string, error) {
	ra, err := pyFloat(req.RA)
	if err != nil {
		return "", err
	}
	dec, err := pyFloat(req.Dec)
	if err != nil {
		return "", err
	}
	pix, err := pyFloat(req.PixscaleArcsec)
	if err != nil {
		return "", err
	}
	msLit, err := pyString(req.MS)
	if err != nil {
		return "", err
	}
	fieldLit, err := pyString(req.Field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`from metadata_tools import determine_imsize
_imsize = determine_imsize(ms=%s, field=%s, phasecenter=(%s, %s), spw=%d, pixscale=%s)
_contimg_result([int(x) for x in _imsize])
`, msLit, fieldLit, ra, dec, req.SPW, pix), nil
}

func cleanBody(p CleanParams) (string, error) {
	var vis any = p.Vis
	if len(p.Vis) == 1 {
		vis = p.Vis[0]
	}

	args := []arg{
		{"vis", vis},
		{"field", p.Field},
		{"imagename", p.ImageName},
		{"gridder", p.Gridder},
		{"specmode", p.Specmode},
		{"phasecenter", p.Phasecenter},
		{"deconvolver", p.Deconvolver},
		{"scales", p.Scales},
		{"nterms", p.Nterms},
		{"outframe", p.Outframe},
		{"veltype", p.Veltype},
		{"niter", p.Niter},
		{"usemask", p.Usemask},
		{"interactive", p.Interactive},
		{"cell", p.Cell},
		{"imsize", p.Imsize},
		{"weighting", p.Weighting},
		{"robust", p.Robust},
		{"pbcor", p.Pbcor},
	}
	if p.Antenna != "" {
		args = append(args, arg{"antenna", p.Antenna})
	}
	if p.SaveModel != "" {
		args = append(args, arg{"savemodel", p.SaveModel})
	}

	call, err := pyCall("tclean", args)
	if err != nil {
		return "", err
	}
	suffix := ".image"
	if p.Deconvolver == "mtmfs" {
		suffix = ".image.tt0"
	}
	image, err := pyString(p.ImageName + suffix)
	if err != nil {
		return "", err
	}
	return call + fmt.Sprintf("_contimg_require(%s)\n", image), nil
}

func plotBody(p PlotParams) (string, error) {
	call, err := pyCall("_contimg_plotms", []arg{
		{"vis", p.Vis},
		{"xaxis", p.XAxis},
		{"yaxis", p.YAxis},
		{"avgchannel", p.AvgChannel},
		{"plotfile", p.PlotFile},
		{"showlegend", p.ShowLegend},
		{"showgui", p.ShowGUI},
		{"antenna", p.Antenna},
	})
	if err != nil {
		return "", err
	}
	plotFile, err := pyString(p.PlotFile)
	if err != nil {
		return "", err
	}
	return call + fmt.Sprintf("_contimg_require(%s)\n", plotFile), nil
}

// renderScript prefixes body with the result path, the extra sys.path and
// the embedded preamble.
func (c *CASA) renderScript(resultPath, body string) (string, error) {
	path, err := pyLiteral(c.cfg.PythonPath)
	if err != nil {
		return "", err
	}
	if c.cfg.PythonPath == nil {
		path = "[]"
	}
	result, err := pyString(resultPath)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	// CASA 5 runs Python 2, which rejects non-ASCII source without this line
	b.WriteString("# -*- coding: utf-8 -*-\n")
	fmt.Fprintf(&b, "_CONTIMG_RESULT = %s\n", result)
	fmt.Fprintf(&b, "_CONTIMG_PATH = %s\n", path)
	b.WriteString(preamble)
	b.WriteString("\n")
	b.WriteString(body)
	return b.String(), nil
}

// run renders body into a script, executes it and, when out is non-nil,
// decodes the JSON result the script wrote.
func (c *CASA) run(ctx context.Context, task, target, body string, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveCall(task, time.Since(start), err)
		}
	}()

	dir, err := os.MkdirTemp("", "contimg-"+task+"-")
	if err != nil {
		return fmt.Errorf("failed to create script dir: %w", err)
	}
	if c.cfg.KeepScripts {
		slog.Debug("Keeping toolkit script", "task", task, "dir", dir)
	} else {
		defer os.RemoveAll(dir)
	}

	resultPath := filepath.Join(dir, "result.json")
	script, err := c.renderScript(resultPath, body)
	if err != nil {
		return err
	}
	scriptPath := filepath.Join(dir, task+".py")
	if err := os.WriteFile(scriptPath, []byte(script), 0644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	argv := append(append([]string{}, c.cfg.Command[1:]...), scriptPath)
	cmd := exec.CommandContext(ctx, c.cfg.Command[0], argv...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = os.Environ()
	setupProcessGroup(cmd)

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	slog.Debug("Running toolkit task", "task", task, "target", target)
	runErr := cmd.Run()
	if err := runError(ctx, c.cfg.Command[0], task, target, runErr, stderr.String()); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return readResult(resultPath, out)
}

// runError classifies the outcome of one toolkit process. A cancelled
// context only matters when the process actually failed: a task that
// finished before the deadline fired succeeded.
func runError(ctx context.Context, command, task, target string, runErr error, stderr string) error {
	if runErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrCancelled, task, target, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return &TaskError{
			Task:     task,
			Target:   target,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr),
			Cause:    runErr,
		}
	}
	return fmt.Errorf("failed to start %s: %w", command, runErr)
}

func readResult(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoResult
		}
		return fmt.Errorf("failed to read result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResult, err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
