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

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// Grid is a rectangular numeric raster with offset metadata locating it
// relative to the sample grid. Densities, activity weights and dispersal
// rows are all Grids.
type Grid struct {
	Data *sparse.DenseArray

	// Offset of this grid's origin relative to the sample grid origin, in
	// fine-map cells.
	XOffset int
	YOffset int
}

// NewGrid allocates a zeroed rows×cols grid.
func NewGrid(rows, cols int) *Grid {
	return &Grid{Data: sparse.ZerosDense(rows, cols)}
}

// GridFrom wraps an existing dense array, as produced by the raster ingest
// collaborator.
func GridFrom(a *sparse.DenseArray) (*Grid, error) {
	if a == nil || len(a.Shape) != 2 {
		return nil, &MapError{Op: "GridFrom", Err: fmt.Errorf("expected a 2-dimensional array, got %v", a)}
	}
	return &Grid{Data: a}, nil
}

// Rows returns the y extent.
func (g *Grid) Rows() int { return g.Data.Shape[0] }

// Cols returns the x extent.
func (g *Grid) Cols() int { return g.Data.Shape[1] }

// Get returns the value at row y, column x.
func (g *Grid) Get(y, x int) float64 { return g.Data.Get(y, x) }

// Set stores v at row y, column x.
func (g *Grid) Set(y, x int, v float64) { g.Data.Set(v, y, x) }

// Fill sets every element to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Data.Elements {
		g.Data.Elements[i] = v
	}
}

// Sum totals every element.
func (g *Grid) Sum() float64 { return g.Data.Sum() }

// Max returns the largest element, or 0 for an empty grid.
func (g *Grid) Max() float64 {
	max := 0.0
	for _, v := range g.Data.Elements {
		if v > max {
			max = v
		}
	}
	return max
}

// Contains reports whether (x, y) indexes inside the grid.
func (g *Grid) Contains(y, x int) bool {
	return y >= 0 && y < g.Rows() && x >= 0 && x < g.Cols()
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := NewGrid(g.Rows(), g.Cols())
	copy(c.Data.Elements, g.Data.Elements)
	c.XOffset, c.YOffset = g.XOffset, g.YOffset
	return c
}

// CheckDims fails with a MapError when the grid does not match the expected
// shape from the parameter record.
func (g *Grid) CheckDims(rows, cols int, name string) error {
	if g.Rows() != rows || g.Cols() != cols {
		return &MapError{
			Op: "Grid.CheckDims",
			Err: fmt.Errorf("%s is %dx%d, parameters specify %dx%d",
				name, g.Rows(), g.Cols(), rows, cols),
		}
	}
	return nil
}
