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
	"sort"

	"gonum.org/v1/gonum/floats"
)

// maxDispersalAttempts bounds the kernel rejection loop; exceeding it means
// the landscape offers no habitable destination and the inputs are wrong.
const maxDispersalAttempts = 10000000

// DispersalCoordinator samples a destination cell for a dispersing lineage,
// either from a parametric kernel walked across the landscape or from an
// empirical dispersal matrix holding one cumulative row per source cell.
type DispersalCoordinator struct {
	rng          *RNG
	landscape    *Landscape
	reproduction *ActivityMap
	generation   *float64

	method       string
	kernel       *Kernel
	restrictSelf bool

	// Empirical dispersal state. raw keeps the unnormalised row
	// probabilities so the self-dispersal exclusion can be undone.
	raw          *Grid
	cumulative   [][]float64
	rowTotals    []float64
	selfProb     []float64
	excludesSelf bool
	fineRows     int
	fineCols     int
}

// NewDispersalCoordinator wires the coordinator to the landscape and the
// random source. dispersalGrid carries the empirical dispersal matrix and
// must be non-nil iff the method is empirical; generation points at the
// engine's clock so destination density checks track map epochs.
func NewDispersalCoordinator(p *Parameters, l *Landscape, reproduction *ActivityMap,
	rng *RNG, generation *float64, dispersalGrid *Grid) (*DispersalCoordinator, error) {

	d := &DispersalCoordinator{
		rng:          rng,
		landscape:    l,
		reproduction: reproduction,
		generation:   generation,
		method:       p.DispersalMethod,
		restrictSelf: p.RestrictSelf,
		fineRows:     l.FineRows(),
		fineCols:     l.FineCols(),
	}
	if p.DispersalMethod == DispersalEmpirical {
		if dispersalGrid == nil {
			return nil, &ConfigurationError{
				Op:  "NewDispersalCoordinator",
				Err: fmt.Errorf("empirical dispersal selected but no dispersal map supplied"),
			}
		}
		n := d.fineRows * d.fineCols
		if err := dispersalGrid.CheckDims(n, n, "dispersal map"); err != nil {
			return nil, err
		}
		d.raw = dispersalGrid
		if err := d.buildCumulative(false); err != nil {
			return nil, err
		}
		return d, nil
	}
	k, err := NewKernel(p.DispersalMethod, p.Sigma, p.Tau, p.MProbability, p.Cutoff, rng)
	if err != nil {
		return nil, err
	}
	d.kernel = k
	return d, nil
}

// IsFullDispersalMap reports whether an empirical dispersal matrix is in
// use; the Gillespie engine requires one.
func (d *DispersalCoordinator) IsFullDispersalMap() bool { return d.raw != nil }

// cellIndex flattens a physical fine-map cell into a dispersal row index.
func (d *DispersalCoordinator) cellIndex(c Cell) int { return c.Y*d.fineCols + c.X }

func (d *DispersalCoordinator) cellFromIndex(i int) Cell {
	return Cell{X: i % d.fineCols, Y: i / d.fineCols}
}

// buildCumulative converts each raw dispersal row into a cumulative mass
// function, optionally excluding the self-dispersal entry (the Gillespie
// engine treats self-dispersal as a cell-local coalescence opportunity
// rather than a movement).
func (d *DispersalCoordinator) buildCumulative(excludeSelf bool) error {
	n := d.fineRows * d.fineCols
	if d.cumulative == nil {
		d.cumulative = make([][]float64, n)
		d.rowTotals = make([]float64, n)
		d.selfProb = make([]float64, n)
	}
	row := make([]float64, n)
	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			v := d.raw.Get(src, dst)
			if v < 0 {
				return &MapError{
					Op:  "DispersalCoordinator.buildCumulative",
					Err: fmt.Errorf("negative dispersal probability %v in row %d", v, src),
				}
			}
			row[dst] = v
		}
		total := floats.Sum(row)
		if total > 0 {
			d.selfProb[src] = row[src] / total
		} else {
			d.selfProb[src] = 0
		}
		if excludeSelf {
			row[src] = 0
			total = floats.Sum(row)
		}
		d.rowTotals[src] = total
		if d.cumulative[src] == nil {
			d.cumulative[src] = make([]float64, n)
		}
		floats.CumSum(d.cumulative[src], row)
	}
	d.excludesSelf = excludeSelf
	return nil
}

// RemoveSelfDispersal rebuilds the cumulative rows without self-dispersal
// mass, renormalised over the remaining destinations.
func (d *DispersalCoordinator) RemoveSelfDispersal() error {
	return d.buildCumulative(true)
}

// ReimportRawDispersalMap restores the full rows including self-dispersal.
func (d *DispersalCoordinator) ReimportRawDispersalMap() error {
	return d.buildCumulative(false)
}

// SelfDispersalProbability returns the fraction of a source cell's
// dispersal mass that stays in the cell.
func (d *DispersalCoordinator) SelfDispersalProbability(c Cell) float64 {
	if d.raw == nil {
		return 0
	}
	return d.selfProb[d.cellIndex(c)]
}

// UpdateDispersalMap re-reads the dispersal matrix after a landscape epoch
// change, preserving the current self-dispersal exclusion state.
func (d *DispersalCoordinator) UpdateDispersalMap() error {
	if d.raw == nil {
		return nil
	}
	return d.buildCumulative(d.excludesSelf)
}

// Disperse moves loc to a drawn destination. For parametric kernels the
// draw is rejected and re-sampled while the destination is uninhabitable,
// fails the reproduction weight, or is the source itself under
// restrict_self. The empirical path binary-searches the source row.
func (d *DispersalCoordinator) Disperse(loc *MapLocation) error {
	if d.raw != nil {
		return d.disperseEmpirical(loc)
	}
	origin := *loc
	for attempt := 0; attempt < maxDispersalAttempts; attempt++ {
		trial := origin
		dist := d.kernel.Distance()
		angle := d.kernel.Direction()
		if _, ok := d.landscape.RunDispersal(dist, angle, &trial, *d.generation); !ok {
			continue
		}
		if d.restrictSelf && trial == origin {
			continue
		}
		if !d.reproduction.ActionOccurs(trial.X, trial.Y, trial.XWrap, trial.YWrap) {
			continue
		}
		*loc = trial
		return nil
	}
	return &InvariantError{
		Op:         "DispersalCoordinator.Disperse",
		Generation: *d.generation,
		Err:        fmt.Errorf("no habitable destination found from (%d, %d) after %d draws", origin.X, origin.Y, maxDispersalAttempts),
	}
}

func (d *DispersalCoordinator) disperseEmpirical(loc *MapLocation) error {
	src := d.cellIndex(d.landscape.ConvertSampleToFine(*loc))
	row := d.cumulative[src]
	total := row[len(row)-1]
	if total <= 0 {
		return &InvariantError{
			Op:         "DispersalCoordinator.disperseEmpirical",
			Generation: *d.generation,
			Err:        fmt.Errorf("dispersal row %d has no mass", src),
		}
	}
	for attempt := 0; attempt < maxDispersalAttempts; attempt++ {
		u := d.rng.Uniform01() * total
		dst := sort.SearchFloat64s(row, u)
		if dst >= len(row) {
			dst = len(row) - 1
		}
		cell := d.cellFromIndex(dst)
		dest := d.landscape.ConvertFineToSample(cell.X, cell.Y)
		if d.landscape.CapacityAt(dest, *d.generation) == 0 {
			continue
		}
		*loc = dest
		return nil
	}
	return &InvariantError{
		Op:         "DispersalCoordinator.disperseEmpirical",
		Generation: *d.generation,
		Err:        fmt.Errorf("dispersal row %d yields only zero-capacity destinations", src),
	}
}
