// Package geometry derives the phase center and pixel grid of an image from
// one representative dataset.
package geometry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/contimg/internal/toolkit"
)

// Estimator wraps the toolkit's metadata estimation helpers.
type Estimator interface {
	PhaseCenter(ctx context.Context, ms, field string) (toolkit.PhaseCenter, error)
	ImageSize(ctx context.Context, req toolkit.ImageSizeRequest) ([2]int, error)
}

// Options fixes the grid the image is estimated for.
type Options struct {
	PixscaleArcsec float64
	SPW            int
}

// DefaultOptions returns 0.05 arcsec pixels on spectral window 0.
func DefaultOptions() Options {
	return Options{PixscaleArcsec: 0.05, SPW: 0}
}

// Geometry is everything tclean needs to lay out the image.
type Geometry struct {
	Center      toolkit.PhaseCenter
	Phasecenter string   // "<coosys> <ra>deg <dec>deg"
	Imsize      [2]int   // pixels
	Cell        []string // {"0.05arcsec", "0.05arcsec"}
}

// Resolve queries the phase center and image size of field in ms.
func Resolve(ctx context.Context, est Estimator, ms, field string, opts Options) (Geometry, error) {
	pc, err := est.PhaseCenter(ctx, ms, field)
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to determine phasecenter of %s (field %s): %w", ms, field, err)
	}

	size, err := est.ImageSize(ctx, toolkit.ImageSizeRequest{
		MS:             ms,
		Field:          field,
		RA:             pc.RA,
		Dec:            pc.Dec,
		SPW:            opts.SPW,
		PixscaleArcsec: opts.PixscaleArcsec,
	})
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to determine imsize of %s (field %s): %w", ms, field, err)
	}

	cell := formatFloat(opts.PixscaleArcsec) + "arcsec"
	return Geometry{
		Center:      pc,
		Phasecenter: FormatPhasecenter(pc),
		Imsize:      size,
		Cell:        []string{cell, cell},
	}, nil
}

// FormatPhasecenter renders pc the way tclean parses it.
func FormatPhasecenter(pc toolkit.PhaseCenter) string {
	return fmt.Sprintf("%s %sdeg %sdeg", pc.Coosys, formatFloat(pc.RA), formatFloat(pc.Dec))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
