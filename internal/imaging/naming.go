package imaging

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/contimg/pkg/types"
)

// Dataset suffixes stripped to form output names.
const (
	ContinuumMSSuffix = ".cal.ms"
	LineMSSuffix      = ".split"
)

// Artifact suffixes, relative to a robust image name.
const (
	ImageSuffix  = ".image.tt0"
	PBCorSuffix  = ".image.tt0.pbcor"
	FITSSuffix   = ".fits"
	UVPlotSuffix = ".uvwave_vs_amp.png"
)

// Basename strips the directory and the mode's dataset suffix from ms.
// Datasets without the suffix lose their extension instead.
func Basename(ms string, mode types.Mode) string {
	suffix := ContinuumMSSuffix
	if mode == types.ModeFullWindow {
		suffix = LineMSSuffix
	}
	base := filepath.Base(strings.TrimRight(ms, `/\`))
	if trimmed, ok := strings.CutSuffix(base, suffix); ok {
		return trimmed
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FieldOf returns the field name encoded in a continuum basename: the text
// before the first underscore.
func FieldOf(basename string) string {
	field, _, _ := strings.Cut(basename, "_")
	return field
}

// Stem is <outputDir>/<basename>_<suffix>, shared by every artifact of a job.
func Stem(outputDir, basename, suffix string) string {
	return filepath.Join(outputDir, basename) + "_" + suffix
}

// RobustName is the tclean imagename for one robustness value.
func RobustName(stem string, robust float64) string {
	return stem + "_robust" + strconv.FormatFloat(robust, 'f', -1, 64)
}

// PlotFile is the uv-distance diagnostic plot of a job.
func PlotFile(stem string) string {
	return stem + UVPlotSuffix
}

// Artifacts lists the files one robust image produces, primary image first.
func Artifacts(imname string) []string {
	return []string{
		imname + ImageSuffix,
		imname + PBCorSuffix,
		imname + ImageSuffix + FITSSuffix,
		imname + PBCorSuffix + FITSSuffix,
	}
}
