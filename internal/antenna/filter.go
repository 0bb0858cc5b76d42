// Package antenna decides which antennas, or which datasets, take part in
// an image when short-baseline (7 m, "CM") antennas are excluded.
package antenna

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ShortBaselineMarker appears in the name of every 7 m array antenna.
const ShortBaselineMarker = "CM"

// Output name suffixes.
const (
	Suffix12M   = "12M"   // short-baseline antennas excluded
	Suffix7M12M = "7M12M" // all antennas
)

// ErrNoDatasets means every dataset of a group contained 7 m antennas.
var ErrNoDatasets = errors.New("antenna: no datasets left after excluding 7m data")

// Lister lists the antenna names of a dataset.
type Lister interface {
	AntennaNames(ctx context.Context, ms string) ([]string, error)
}

// Selection is the outcome for one continuum dataset.
type Selection struct {
	Antennas string // comma-joined names; empty means all antennas
	Suffix   string
}

// SelectAntennas drops short-baseline antennas from ms when exclude is set.
// Without exclude the dataset metadata is not opened.
func SelectAntennas(ctx context.Context, lister Lister, ms string, exclude bool) (Selection, error) {
	if !exclude {
		return Selection{Antennas: "", Suffix: Suffix7M12M}, nil
	}

	names, err := lister.AntennaNames(ctx, ms)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to list antennas of %s: %w", ms, err)
	}

	kept := make([]string, 0, len(names))
	for _, name := range names {
		if !IsShortBaseline(name) {
			kept = append(kept, name)
		}
	}
	return Selection{Antennas: strings.Join(kept, ","), Suffix: Suffix12M}, nil
}

// FilterDatasets drops every dataset that contains any short-baseline
// antenna when exclude is set. Input order is preserved; vis is not modified.
func FilterDatasets(ctx context.Context, lister Lister, vis []string, exclude bool) ([]string, string, error) {
	if !exclude {
		return append([]string(nil), vis...), Suffix7M12M, nil
	}

	kept := make([]string, 0, len(vis))
	for _, ms := range vis {
		names, err := lister.AntennaNames(ctx, ms)
		if err != nil {
			return nil, "", fmt.Errorf("failed to list antennas of %s: %w", ms, err)
		}
		if !anyShortBaseline(names) {
			kept = append(kept, ms)
		}
	}

	if len(kept) == 0 {
		return nil, "", fmt.Errorf("%w (%d datasets checked)", ErrNoDatasets, len(vis))
	}
	return kept, Suffix12M, nil
}

// IsShortBaseline reports whether name is a 7 m array antenna.
func IsShortBaseline(name string) bool {
	return strings.Contains(name, ShortBaselineMarker)
}

func anyShortBaseline(names []string) bool {
	for _, name := range names {
		if IsShortBaseline(name) {
			return true
		}
	}
	return false
}
