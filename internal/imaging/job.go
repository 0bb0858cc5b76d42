// Package imaging turns a dataset (or a group of split windows) into an
// imaging job and drives tclean over it at each robustness value.
package imaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/contimg/internal/antenna"
	"github.com/ChuLiYu/contimg/internal/geometry"
	"github.com/ChuLiYu/contimg/internal/manifest"
	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/pkg/types"
)

// Job is computed once per dataset or group and reused for every
// robustness value.
type Job struct {
	Mode     types.Mode
	Vis      []string
	Field    string
	Geometry geometry.Geometry
	Antenna  string // continuum only; empty means all antennas
	Stem     string // <output>/<basename>_<suffix>
}

// PrepareOptions controls how jobs are derived.
type PrepareOptions struct {
	OutputDir            string
	ExcludeShortBaseline bool
	Geometry             geometry.Options
}

// Preparer is the part of the toolkit job preparation needs.
type Preparer interface {
	antenna.Lister
	geometry.Estimator
}

var _ Preparer = toolkit.Toolkit(nil)

// PrepareContinuum builds the job for one continuum dataset.
func PrepareContinuum(ctx context.Context, tk Preparer, ms string, opts PrepareOptions) (Job, error) {
	if ms == "" {
		return Job{}, errors.New("imaging: empty dataset path")
	}
	basename := Basename(ms, types.ModeContinuum)
	field := FieldOf(basename)

	sel, err := antenna.SelectAntennas(ctx, tk, ms, opts.ExcludeShortBaseline)
	if err != nil {
		return Job{}, err
	}

	geo, err := geometry.Resolve(ctx, tk, ms, field, opts.Geometry)
	if err != nil {
		return Job{}, err
	}

	return Job{
		Mode:     types.ModeContinuum,
		Vis:      []string{ms},
		Field:    field,
		Geometry: geo,
		Antenna:  sel.Antennas,
		Stem:     Stem(opts.OutputDir, basename, sel.Suffix),
	}, nil
}

// PrepareLine builds the job for every window of one band/field. The name
// comes from the first listed dataset; geometry from the first one that
// survives filtering, assuming all windows share it.
func PrepareLine(ctx context.Context, tk Preparer, group manifest.Group, opts PrepareOptions) (Job, error) {
	if len(group.Vis) == 0 {
		return Job{}, fmt.Errorf("imaging: band %s field %s lists no datasets", group.Band, group.Field)
	}
	basename := Basename(group.Vis[0], types.ModeFullWindow)

	vis, suffix, err := antenna.FilterDatasets(ctx, tk, group.Vis, opts.ExcludeShortBaseline)
	if err != nil {
		return Job{}, fmt.Errorf("band %s field %s: %w", group.Band, group.Field, err)
	}

	geo, err := geometry.Resolve(ctx, tk, vis[0], group.Field, opts.Geometry)
	if err != nil {
		return Job{}, err
	}

	return Job{
		Mode:     types.ModeFullWindow,
		Vis:      vis,
		Field:    group.Field,
		Geometry: geo,
		Stem:     Stem(opts.OutputDir, basename, suffix),
	}, nil
}
