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
	"math"
)

// Landscape maps logical sample coordinates to carrying capacities on the
// current or historical fine and coarse rasters, applying the configured
// boundary policy outside the mapped region and linear interpolation
// between map epochs.
//
// Coordinates follow the sample grid: the fine map is offset from the
// sample grid by (fineXOffset, fineYOffset) and the coarse map overlays
// the fine map at a coarser scale.
type Landscape struct {
	fine       *Grid
	coarse     *Grid
	histFine   *Grid
	histCoarse *Grid

	hasCoarse     bool
	hasHistorical bool
	isHistorical  bool

	landscapeType string
	deme          uint64
	scale         float64

	// Sample grid dimensions; one wrap step covers one of these.
	xDim int
	yDim int

	// Extents of each raster in sample-grid coordinates.
	fineXMin, fineXMax     int
	fineYMin, fineYMax     int
	coarseXMin, coarseXMax int
	coarseYMin, coarseYMax int

	fineXOffset, fineYOffset     int // sample grid origin within the fine map
	coarseXOffset, coarseYOffset int // fine map origin within the coarse map

	genSinceHistorical float64
	habitatChangeRate  float64
	currentMapTime     float64

	dispersalRelativeCost float64

	habitatMax uint64
	policy     CheckPolicy
}

// NewLandscape assembles a landscape from the parameter record and the
// dense grids produced by the raster ingest collaborator. The coarse and
// historical grids may be nil.
func NewLandscape(p *Parameters, fine, coarse, histFine, histCoarse *Grid, policy CheckPolicy) (*Landscape, error) {
	if fine == nil {
		return nil, &MapError{Op: "NewLandscape", Err: fmt.Errorf("fine map is required")}
	}
	if err := fine.CheckDims(p.FineYSize, p.FineXSize, "fine map"); err != nil {
		return nil, err
	}
	l := &Landscape{
		fine:                  fine,
		coarse:                coarse,
		histFine:              histFine,
		histCoarse:            histCoarse,
		hasCoarse:             coarse != nil,
		hasHistorical:         histFine != nil,
		landscapeType:         p.LandscapeType,
		deme:                  p.Deme,
		scale:                 p.Scale,
		xDim:                  p.GridXSize,
		yDim:                  p.GridYSize,
		fineXOffset:           p.FineXOffset,
		fineYOffset:           p.FineYOffset,
		coarseXOffset:         p.CoarseXOffset,
		coarseYOffset:         p.CoarseYOffset,
		genSinceHistorical:    p.GenSinceHistorical,
		habitatChangeRate:     p.HabitatChangeRate,
		dispersalRelativeCost: p.DispersalRelativeCost,
		policy:                policy,
	}
	if l.xDim == 0 {
		l.xDim = p.FineXSize
	}
	if l.yDim == 0 {
		l.yDim = p.FineYSize
	}
	if l.dispersalRelativeCost == 0 {
		l.dispersalRelativeCost = 1
	}
	if l.genSinceHistorical == 0 {
		l.genSinceHistorical = math.SmallestNonzeroFloat64
	}
	if l.hasHistorical {
		if err := histFine.CheckDims(p.FineYSize, p.FineXSize, "historical fine map"); err != nil {
			return nil, err
		}
	}
	if l.hasCoarse {
		if err := coarse.CheckDims(p.CoarseYSize, p.CoarseXSize, "coarse map"); err != nil {
			return nil, err
		}
		if histCoarse != nil {
			if err := histCoarse.CheckDims(p.CoarseYSize, p.CoarseXSize, "historical coarse map"); err != nil {
				return nil, err
			}
		}
		if l.scale < 1 {
			return nil, &MapError{Op: "NewLandscape", Err: fmt.Errorf("coarse/fine scale %v below 1", l.scale)}
		}
	} else {
		l.scale = 1
	}
	l.calcOffsets()
	l.recalculateHabitatMax()
	return l, nil
}

// calcOffsets derives raster extents in sample-grid coordinates.
func (l *Landscape) calcOffsets() {
	l.fineXMin = -l.fineXOffset
	l.fineYMin = -l.fineYOffset
	l.fineXMax = l.fineXMin + l.fine.Cols()
	l.fineYMax = l.fineYMin + l.fine.Rows()
	if l.hasCoarse {
		l.coarseXMin = l.fineXMin - l.coarseXOffset
		l.coarseYMin = l.fineYMin - l.coarseYOffset
		l.coarseXMax = l.coarseXMin + int(float64(l.coarse.Cols())*l.scale)
		l.coarseYMax = l.coarseYMin + int(float64(l.coarse.Rows())*l.scale)
	} else {
		l.coarseXMin, l.coarseXMax = l.fineXMin, l.fineXMax
		l.coarseYMin, l.coarseYMax = l.fineYMin, l.fineYMax
	}
}

func (l *Landscape) recalculateHabitatMax() {
	max := l.fine.Max()
	if l.hasHistorical {
		if m := l.histFine.Max(); m > max {
			max = m
		}
	}
	if l.hasCoarse {
		if m := l.coarse.Max(); m > max {
			max = m
		}
		if l.histCoarse != nil {
			if m := l.histCoarse.Max(); m > max {
				max = m
			}
		}
	}
	l.habitatMax = uint64(max)
}

// HabitatMax returns the largest capacity anywhere on any epoch's rasters.
func (l *Landscape) HabitatMax() uint64 { return l.habitatMax }

// Deme returns the default per-cell capacity used outside all maps under
// the infinite policy.
func (l *Landscape) Deme() uint64 { return l.deme }

// FineRows and FineCols give the fine raster extent.
func (l *Landscape) FineRows() int { return l.fine.Rows() }

// FineCols gives the fine raster x extent.
func (l *Landscape) FineCols() int { return l.fine.Cols() }

// RequiresUpdate reports whether a historical epoch has yet to be applied.
func (l *Landscape) RequiresUpdate() bool { return l.hasHistorical && !l.isHistorical }

// NextUpdateGeneration returns the generation at which the pending epoch
// boundary fires; valid only when RequiresUpdate.
func (l *Landscape) NextUpdateGeneration() float64 { return l.genSinceHistorical }

// Update applies the historical epoch once the generation has passed its
// boundary. It returns true iff either raster changed, in which case the
// dispersal coordinator must re-read its map and the Gillespie engine must
// rebuild its event queue.
func (l *Landscape) Update(generation float64) bool {
	if !l.RequiresUpdate() || generation <= l.genSinceHistorical {
		return false
	}
	changed := !gridsEqual(l.fine, l.histFine) ||
		(l.hasCoarse && l.histCoarse != nil && !gridsEqual(l.coarse, l.histCoarse))
	l.currentMapTime = l.genSinceHistorical
	l.fine = l.histFine
	if l.histCoarse != nil {
		l.coarse = l.histCoarse
	}
	l.isHistorical = true
	l.recalculateHabitatMax()
	return changed
}

// restoreEpoch reapplies the epoch state recorded in a pause dump.
func (l *Landscape) restoreEpoch(isHistorical bool, currentMapTime float64) {
	l.currentMapTime = currentMapTime
	if isHistorical && !l.isHistorical && l.hasHistorical {
		l.fine = l.histFine
		if l.histCoarse != nil {
			l.coarse = l.histCoarse
		}
		l.isHistorical = true
		l.recalculateHabitatMax()
	}
}

func gridsEqual(a, b *Grid) bool {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return false
	}
	for i, v := range a.Data.Elements {
		if b.Data.Elements[i] != v {
			return false
		}
	}
	return true
}

// CapacityAt returns the carrying capacity for a logical location.
func (l *Landscape) CapacityAt(loc MapLocation, generation float64) uint64 {
	return l.Capacity(float64(loc.X), float64(loc.Y), loc.XWrap, loc.YWrap, generation)
}

// Capacity returns the carrying capacity at continuous sample coordinates
// (x, y) on tile (xwrap, ywrap) under the configured boundary policy.
func (l *Landscape) Capacity(x, y float64, xwrap, ywrap int, generation float64) uint64 {
	switch l.landscapeType {
	case LandscapeInfinite:
		return l.capacityInfinite(x, y, xwrap, ywrap, generation)
	case LandscapeTiledFine:
		return l.capacityTiledFine(x, y, xwrap, ywrap, generation)
	case LandscapeTiledCoarse:
		return l.capacityTiledCoarse(x, y, xwrap, ywrap, generation)
	default:
		return l.capacityClosed(x, y, xwrap, ywrap, generation)
	}
}

func (l *Landscape) capacityClosed(x, y float64, xwrap, ywrap int, generation float64) uint64 {
	xval := x + float64(l.xDim*xwrap)
	yval := y + float64(l.yDim*ywrap)
	if xval < float64(l.coarseXMin) || xval >= float64(l.coarseXMax) ||
		yval < float64(l.coarseYMin) || yval >= float64(l.coarseYMax) {
		return 0
	}
	if l.hasCoarse &&
		(xval < float64(l.fineXMin) || xval >= float64(l.fineXMax) ||
			yval < float64(l.fineYMin) || yval >= float64(l.fineYMax)) {
		cx := math.Floor((xval + float64(l.fineXOffset) + float64(l.coarseXOffset)) / l.scale)
		cy := math.Floor((yval + float64(l.fineYOffset) + float64(l.coarseYOffset)) / l.scale)
		return l.capacityCoarse(cx, cy, generation)
	}
	return l.capacityFine(xval+float64(l.fineXOffset), yval+float64(l.fineYOffset), generation)
}

func (l *Landscape) capacityInfinite(x, y float64, xwrap, ywrap int, generation float64) uint64 {
	xval := x + float64(l.xDim*xwrap)
	yval := y + float64(l.yDim*ywrap)
	if xval < float64(l.coarseXMin) || xval >= float64(l.coarseXMax) ||
		yval < float64(l.coarseYMin) || yval >= float64(l.coarseYMax) {
		return l.deme
	}
	return l.capacityClosed(x, y, xwrap, ywrap, generation)
}

func (l *Landscape) capacityTiledFine(x, y float64, xwrap, ywrap int, generation float64) uint64 {
	newx := math.Mod(x+float64(l.xDim*xwrap)+float64(l.fineXOffset), float64(l.fine.Cols()))
	newy := math.Mod(y+float64(l.yDim*ywrap)+float64(l.fineYOffset), float64(l.fine.Rows()))
	if newx < 0 {
		newx += float64(l.fine.Cols())
	}
	if newy < 0 {
		newy += float64(l.fine.Rows())
	}
	return l.capacityFine(newx, newy, generation)
}

func (l *Landscape) capacityTiledCoarse(x, y float64, xwrap, ywrap int, generation float64) uint64 {
	if !l.hasCoarse {
		return l.capacityTiledFine(x, y, xwrap, ywrap, generation)
	}
	xval := x + float64(l.xDim*xwrap)
	yval := y + float64(l.yDim*ywrap)
	if xval >= float64(l.fineXMin) && xval < float64(l.fineXMax) &&
		yval >= float64(l.fineYMin) && yval < float64(l.fineYMax) {
		return l.capacityFine(xval+float64(l.fineXOffset), yval+float64(l.fineYOffset), generation)
	}
	cx := math.Floor((xval + float64(l.fineXOffset) + float64(l.coarseXOffset)) / l.scale)
	cy := math.Floor((yval + float64(l.fineYOffset) + float64(l.coarseYOffset)) / l.scale)
	newx := math.Mod(cx, float64(l.coarse.Cols()))
	newy := math.Mod(cy, float64(l.coarse.Rows()))
	if newx < 0 {
		newx += float64(l.coarse.Cols())
	}
	if newy < 0 {
		newy += float64(l.coarse.Rows())
	}
	return l.capacityCoarse(newx, newy, generation)
}

// capacityFine reads the fine raster at raster coordinates, interpolating
// towards the historical epoch when one is pending.
func (l *Landscape) capacityFine(xval, yval, generation float64) uint64 {
	xi, yi := int(math.Floor(xval)), int(math.Floor(yval))
	if !l.fine.Contains(yi, xi) {
		return 0
	}
	if !l.hasHistorical || l.isHistorical {
		return uint64(l.fine.Get(yi, xi))
	}
	return l.interpolate(l.fine.Get(yi, xi), l.histFine.Get(yi, xi), generation, "fine")
}

func (l *Landscape) capacityCoarse(xval, yval, generation float64) uint64 {
	if !l.hasCoarse {
		return 0
	}
	xi, yi := int(math.Floor(xval)), int(math.Floor(yval))
	if !l.coarse.Contains(yi, xi) {
		return 0
	}
	if !l.hasHistorical || l.isHistorical || l.histCoarse == nil {
		return uint64(l.coarse.Get(yi, xi))
	}
	return l.interpolate(l.coarse.Get(yi, xi), l.histCoarse.Get(yi, xi), generation, "coarse")
}

// interpolate walks a cell's capacity linearly from its current towards
// its historical value as the generation approaches the epoch boundary.
func (l *Landscape) interpolate(current, historical, generation float64, which string) uint64 {
	if current == historical {
		return uint64(current)
	}
	span := l.genSinceHistorical - l.currentMapTime
	v := math.Floor(current + l.habitatChangeRate*((historical-current)/span)*(generation-l.currentMapTime))
	if v < 0 {
		v = 0
	}
	if l.policy.HistoricalRegression && v > historical && historical >= current {
		panic(&MapError{
			Op: "Landscape.interpolate",
			Err: fmt.Errorf("historical regression on %s map: interpolated %v exceeds historical %v at generation %v",
				which, v, historical, generation),
		})
	}
	return uint64(v)
}

// InFine reports whether continuous sample coordinates on tile
// (xwrap, ywrap) fall inside the fine raster.
func (l *Landscape) InFine(x, y float64, xwrap, ywrap int) bool {
	tx := x + float64(l.xDim*xwrap)
	ty := y + float64(l.yDim*ywrap)
	return tx >= float64(l.fineXMin) && tx < float64(l.fineXMax) &&
		ty >= float64(l.fineYMin) && ty < float64(l.fineYMax)
}

// Habitable reports whether the location has nonzero capacity.
func (l *Landscape) Habitable(x, y float64, xwrap, ywrap int, generation float64) bool {
	return l.Capacity(x, y, xwrap, ywrap, generation) != 0
}

// ConvertSampleToFine converts a logical location to its physical fine-map
// cell.
func (l *Landscape) ConvertSampleToFine(loc MapLocation) Cell {
	return Cell{
		X: loc.X + l.fineXOffset + loc.XWrap*l.xDim,
		Y: loc.Y + l.fineYOffset + loc.YWrap*l.yDim,
	}
}

// ConvertFineToSample converts physical fine-map coordinates to a logical
// location on the sample grid.
func (l *Landscape) ConvertFineToSample(x, y int) MapLocation {
	fx := float64(x - l.fineXOffset)
	fy := float64(y - l.fineYOffset)
	var loc MapLocation
	loc.XWrap = int(math.Floor(fx / float64(l.xDim)))
	loc.YWrap = int(math.Floor(fy / float64(l.yDim)))
	loc.X = int(fx) - loc.XWrap*l.xDim
	loc.Y = int(fy) - loc.YWrap*l.yDim
	return loc
}

// ConvertCoordinates folds continuous coordinates back onto the nominal
// sample tile, accumulating the overflow into the wrap counters.
func (l *Landscape) ConvertCoordinates(x, y float64, xwrap, ywrap int) (float64, float64, int, int) {
	dx := int(math.Floor(x / float64(l.xDim)))
	dy := int(math.Floor(y / float64(l.yDim)))
	xwrap += dx
	ywrap += dy
	x -= float64(dx * l.xDim)
	y -= float64(dy * l.yDim)
	return x, y, xwrap, ywrap
}

// RunDispersal steps a lineage dist cells along angle from loc, elongating
// traversal through zero-density cells by the dispersal relative cost and
// accelerating by deme-sized jumps while the path is outside the fine map.
// It returns the destination capacity and false when the drawn destination
// is uninhabitable, in which case loc is unchanged and the kernel should
// be re-sampled.
func (l *Landscape) RunDispersal(dist, angle float64, loc *MapLocation, generation float64) (uint64, bool) {
	newx := float64(loc.X) + float64(l.xDim*loc.XWrap) + 0.5
	newy := float64(loc.Y) + float64(l.yDim*loc.YWrap) + 0.5
	sin, cos := math.Sincos(angle)
	if l.dispersalRelativeCost == 1 {
		// No traversal cost: jump straight to the endpoint.
		newx += dist * cos
		newy += dist * sin
	} else {
		// Walk the path, paying the relative cost through empty cells.
		var curDist, totDist float64
		for curDist < dist {
			boost := 1.0
			if !l.InFine(newx, newy, 0, 0) {
				// Cheap approximation for long hops across tiles.
				boost = float64(l.deme)
			}
			newx += boost * cos
			newy += boost * sin
			cost := l.dispersalRelativeCost
			if l.Habitable(newx, newy, 0, 0, generation) {
				cost = 1
			}
			curDist += cost * boost
			totDist += boost
		}
		if l.Habitable(newx, newy, 0, 0, generation) {
			totDist -= math.Min(curDist-dist, float64(l.deme)-0.001)
		}
		newx = float64(loc.X) + 0.5 + totDist*cos
		newy = float64(loc.Y) + 0.5 + totDist*sin
	}
	capacity := l.Capacity(newx, newy, 0, 0, generation)
	if capacity == 0 {
		return 0, false
	}
	fx, fy, xwrap, ywrap := l.ConvertCoordinates(newx, newy, 0, 0)
	loc.X = int(math.Floor(fx))
	loc.Y = int(math.Floor(fy))
	loc.XWrap = xwrap
	loc.YWrap = ywrap
	return capacity, true
}
