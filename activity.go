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

import "fmt"

// ActivityMap holds per-fine-cell death or reproduction weights. A nil
// grid is a null map: every cell has weight 1 and every action occurs.
type ActivityMap struct {
	grid *Grid
	rng  *RNG

	// Sample-to-fine conversion, mirroring the landscape offsets.
	xOffset, yOffset int
	xDim, yDim       int

	maxValue float64
}

// NewActivityMap wraps a weight raster; grid may be nil for a null map.
func NewActivityMap(grid *Grid, rng *RNG, xOffset, yOffset, xDim, yDim int) *ActivityMap {
	a := &ActivityMap{
		grid:    grid,
		rng:     rng,
		xOffset: xOffset,
		yOffset: yOffset,
		xDim:    xDim,
		yDim:    yDim,
	}
	if grid != nil {
		a.maxValue = grid.Max()
	}
	return a
}

// IsNull reports whether the map is the implicit all-ones map.
func (a *ActivityMap) IsNull() bool { return a.grid == nil }

// Get returns the weight at physical fine-map cell (x, y); 1 for a null
// map or out-of-range lookup.
func (a *ActivityMap) Get(y, x int) float64 {
	if a.grid == nil || !a.grid.Contains(y, x) {
		return 1
	}
	return a.grid.Get(y, x)
}

// ActionOccurs draws against the weight at a logical sample location. The
// engine uses it to rejection-sample the dying lineage on the death map
// and dispersal destinations on the reproduction map.
func (a *ActivityMap) ActionOccurs(x, y, xwrap, ywrap int) bool {
	if a.grid == nil {
		return true
	}
	fx := x + a.xOffset + xwrap*a.xDim
	fy := y + a.yOffset + ywrap*a.yDim
	if !a.grid.Contains(fy, fx) {
		return true
	}
	v := a.grid.Get(fy, fx)
	if v >= a.maxValue {
		return true
	}
	return a.rng.Uniform01()*a.maxValue < v
}

// VerifyActivityCoverage rejects an activity map that is zero anywhere the
// landscape density is nonzero, which would hang the rejection loop, and
// reports (without failing) the reverse mismatch.
func VerifyActivityCoverage(a *ActivityMap, l *Landscape, name string) (warned bool, err error) {
	if a.IsNull() {
		return false, nil
	}
	for y := 0; y < l.FineRows(); y++ {
		for x := 0; x < l.FineCols(); x++ {
			density := l.capacityFine(float64(x), float64(y), 0)
			weight := a.Get(y, x)
			if weight == 0 && density != 0 {
				return warned, &MapError{
					Op: "VerifyActivityCoverage",
					Err: fmt.Errorf("%s map is zero at (%d, %d) where density is %d",
						name, x, y, density),
				}
			}
			if weight != 0 && density == 0 {
				warned = true
			}
		}
	}
	return warned, nil
}
