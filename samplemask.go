/*
Copyright © 2019 the coalesce authors.
This file is part of coalesce.

coalesce is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

coalesce is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with coalesce.  If not, see <http://www.gnu.org/licenses/>.
*/

package coalesce

// SampleMask selects which cells, and what fraction of each cell, seed the
// initial lineage set. A nil mask samples every cell in full.
//
// The mask is defined over the sample grid; its offsets translate sample
// coordinates into mask coordinates.
type SampleMask struct {
	exact *Grid // fractional values on [0, 1]

	xOffset, yOffset int // sample grid origin within the mask
	xDim, yDim       int // sample grid dimensions

	spatial bool // exact fractions rather than a boolean mask
}

// NewSampleMask wraps a mask raster; grid may be nil for the default
// everything-mask. spatial marks a mask carrying exact per-cell fractions
// rather than 0/1 membership.
func NewSampleMask(grid *Grid, spatial bool, xOffset, yOffset, xDim, yDim int) *SampleMask {
	return &SampleMask{
		exact:   grid,
		spatial: spatial,
		xOffset: xOffset,
		yOffset: yOffset,
		xDim:    xDim,
		yDim:    yDim,
	}
}

// IsNull reports whether every cell is sampled in full.
func (s *SampleMask) IsNull() bool { return s.exact == nil }

// UsesSpatialSampling reports whether the mask carries exact fractions.
func (s *SampleMask) UsesSpatialSampling() bool { return s.spatial }

// Rows returns the mask y extent, or the sample grid extent for a null
// mask.
func (s *SampleMask) Rows() int {
	if s.exact == nil {
		return s.yDim
	}
	return s.exact.Rows()
}

// Cols returns the mask x extent, or the sample grid extent for a null
// mask.
func (s *SampleMask) Cols() int {
	if s.exact == nil {
		return s.xDim
	}
	return s.exact.Cols()
}

// ExactValue returns the sampled fraction of the cell at a logical sample
// location: 1 for a null mask, the raster fraction for a spatial mask, and
// 0/1 membership otherwise.
func (s *SampleMask) ExactValue(x, y, xwrap, ywrap int) float64 {
	if s.exact == nil {
		return 1
	}
	mx := x + s.xOffset + xwrap*s.xDim
	my := y + s.yOffset + ywrap*s.yDim
	if !s.exact.Contains(my, mx) {
		return 0
	}
	v := s.exact.Get(my, mx)
	if !s.spatial && v > 0 {
		return 1
	}
	return v
}

// Covered reports whether any individuals are sampled at the location.
func (s *SampleMask) Covered(x, y, xwrap, ywrap int) bool {
	return s.ExactValue(x, y, xwrap, ywrap) > 0
}

// RecalculateCoordinates folds mask coordinates back onto the nominal
// sample grid tile, accumulating overflow into the wrap counters. The
// seeding loops iterate over the mask extent and use this to address
// cells beyond the sample grid.
func (s *SampleMask) RecalculateCoordinates(x, y int) (int, int, int, int) {
	xs := x - s.xOffset
	ys := y - s.yOffset
	xwrap := floorDiv(xs, s.xDim)
	ywrap := floorDiv(ys, s.yDim)
	return xs - xwrap*s.xDim, ys - ywrap*s.yDim, xwrap, ywrap
}

// floorDiv is integer division rounding towards negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
