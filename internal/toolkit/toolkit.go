// Package toolkit is the boundary to the external data-reduction toolkit.
//
// Everything astronomical (metadata estimation, deconvolution, FITS export,
// plotting) happens on the other side of the Toolkit interface. The CASA
// implementation renders one short Python script per call and runs it with
// the CASA interpreter; tests use toolkittest.Recorder instead.
package toolkit

import "context"

// Task names, as known by the toolkit. They also label metrics.
const (
	TaskAntennaNames = "antennanames"
	TaskPhaseCenter  = "determine_phasecenter"
	TaskImageSize    = "determine_imsize"
	TaskClean        = "tclean"
	TaskExportFITS   = "exportfits"
	TaskPlotMS       = "plotms"
)

// PhaseCenter is the sky position an image is centred on.
type PhaseCenter struct {
	Coosys string  `json:"coosys"`
	RA     float64 `json:"ra"`  // degrees
	Dec    float64 `json:"dec"` // degrees
}

// ImageSizeRequest parameterises determine_imsize.
type ImageSizeRequest struct {
	MS             string
	Field          string
	RA, Dec        float64
	SPW            int
	PixscaleArcsec float64
}

// CleanParams is the tclean keyword bundle. Empty Antenna means all
// antennas; empty SaveModel leaves the toolkit default.
type CleanParams struct {
	Vis         []string
	Field       string
	ImageName   string
	Gridder     string
	Specmode    string
	Phasecenter string
	Deconvolver string
	Scales      []int
	Nterms      int
	Outframe    string
	Veltype     string
	Niter       int
	Usemask     string
	Interactive bool
	Cell        []string
	Imsize      []int
	Weighting   string
	Robust      float64
	Pbcor       bool
	Antenna     string
	SaveModel   string
}

// PlotParams is the plotms keyword bundle for the uv-distance diagnostic.
type PlotParams struct {
	Vis        string
	XAxis      string
	YAxis      string
	AvgChannel string
	PlotFile   string
	ShowLegend bool
	ShowGUI    bool
	Antenna    string
}

// Toolkit is the set of collaborator services the imaging pipeline uses.
// Every method blocks until the toolkit finishes or ctx is done.
type Toolkit interface {
	// AntennaNames opens the dataset metadata, lists antenna names and closes it.
	AntennaNames(ctx context.Context, ms string) ([]string, error)
	PhaseCenter(ctx context.Context, ms, field string) (PhaseCenter, error)
	ImageSize(ctx context.Context, req ImageSizeRequest) ([2]int, error)
	Clean(ctx context.Context, p CleanParams) error
	ExportFITS(ctx context.Context, image, fits string) error
	PlotMS(ctx context.Context, p PlotParams) error
}
