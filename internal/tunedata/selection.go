package tunedata

import (
	"fmt"
	"math"
)

// SelectionFunc adjusts veto flags or weights of assembled tune data.
type SelectionFunc func(td *TuneData) error

// VetoZeroErrorBins vetoes bins whose reference value and error are both
// zero.
func VetoZeroErrorBins(td *TuneData) error {
	for _, b := range td.Bins {
		if b.Ref.Y == 0 && b.Ref.YErr == 0 {
			b.Veto = true
		}
	}
	return nil
}

// VetoZeroRefBins vetoes bins whose reference error is zero.
func VetoZeroRefBins(td *TuneData) error {
	for _, b := range td.Bins {
		if b.Ref.YErr == 0 {
			b.Veto = true
		}
	}
	return nil
}

// VetoInvalidIpols vetoes bins whose interpolation is flagged invalid.
func VetoInvalidIpols(td *TuneData) error {
	for _, b := range td.Bins {
		if b.Ipol == nil || !b.Ipol.Valid {
			b.Veto = true
		}
	}
	return nil
}

// VetoRange vetoes bins of path whose center lies in [xlow, xhigh).
func VetoRange(path string, xlow, xhigh float64) SelectionFunc {
	return func(td *TuneData) error {
		for _, b := range td.Bins {
			if b.ID.Path != path {
				continue
			}
			if c := b.Ref.Center(); c >= xlow && c < xhigh {
				b.Veto = true
			}
		}
		return nil
	}
}

// ScaleWeights multiplies every weight by alpha.
func ScaleWeights(alpha float64) SelectionFunc {
	return func(td *TuneData) error {
		if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha < 0 {
			return fmt.Errorf("%w: scale %v", ErrBadWeight, alpha)
		}
		for _, b := range td.Bins {
			b.Weight *= alpha
		}
		return nil
	}
}

// SetWeight overwrites the weight of every bin of path.
func SetWeight(path string, w float64) SelectionFunc {
	return func(td *TuneData) error {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: %s %v", ErrBadWeight, path, w)
		}
		for _, b := range td.Bins {
			if b.ID.Path == path {
				b.Weight = w
			}
		}
		return nil
	}
}
