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

	"github.com/sirupsen/logrus"
)

// SpatialTree is the spatially explicit coalescence engine. It embeds the
// well-mixed Tree for arena and genealogy bookkeeping and adds landscape
// addressing: a per-cell lineage index over the sample grid, dispersal,
// activity maps and the sample mask.
type SpatialTree struct {
	Tree

	landscape    *Landscape
	dispersal    *DispersalCoordinator
	deathMap     *ActivityMap
	reproduction *ActivityMap
	sampleMask   *SampleMask

	// grid indexes live lineages per sample-grid cell; lineages outside
	// the nominal tile hang off each cell's wrap-chain.
	grid [][]SpeciesList

	gridXSize int
	gridYSize int

	// Gillespie engine state (see gillespie.go).
	gillespie gillespieState
}

// NewSpatialTree assembles the spatial engine. The death and reproduction
// maps may be null; the sample mask may be the default everything-mask.
func NewSpatialTree(p *Parameters, rng *RNG, log *logrus.Entry, policy CheckPolicy,
	l *Landscape, d *DispersalCoordinator, death, reproduction *ActivityMap,
	mask *SampleMask) (*SpatialTree, error) {

	s := &SpatialTree{
		Tree:         *NewTree(p, rng, log, policy),
		landscape:    l,
		dispersal:    d,
		deathMap:     death,
		reproduction: reproduction,
		sampleMask:   mask,
		gridXSize:    p.GridXSize,
		gridYSize:    p.GridYSize,
	}
	if s.gridXSize == 0 {
		s.gridXSize = p.FineXSize
	}
	if s.gridYSize == 0 {
		s.gridYSize = p.FineYSize
	}
	if warned, err := VerifyActivityCoverage(death, l, "death"); err != nil {
		return nil, err
	} else if warned {
		log.Warn("density is zero where the death map is non-zero; this is likely incorrect")
	}
	if warned, err := VerifyActivityCoverage(reproduction, l, "reproduction"); err != nil {
		return nil, err
	} else if warned {
		log.Warn("density is zero where the reproduction map is non-zero; this is likely incorrect")
	}
	return s, nil
}

// cellOf returns the physical fine-map cell for a logical location.
func (s *SpatialTree) cellOf(loc MapLocation) Cell {
	return s.landscape.ConvertSampleToFine(loc)
}

// individualsSampled is the number of initial (or temporally re-sampled)
// individuals drawn from a cell: deme_sample · capacity · mask fraction.
func (s *SpatialTree) individualsSampled(x, y, xwrap, ywrap int, generation float64) uint64 {
	n := math.Floor(s.demeSample *
		float64(s.landscape.Capacity(float64(x), float64(y), xwrap, ywrap, generation)) *
		s.sampleMask.ExactValue(x, y, xwrap, ywrap))
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// initialCount totals the individuals the mask seeds across the sampled
// region.
func (s *SpatialTree) initialCount() uint64 {
	var count uint64
	for my := 0; my < s.sampleMask.Rows(); my++ {
		for mx := 0; mx < s.sampleMask.Cols(); mx++ {
			x, y, xwrap, ywrap := s.sampleMask.RecalculateCoordinates(mx, my)
			count += s.individualsSampled(x, y, xwrap, ywrap, 0)
		}
	}
	return count
}

// Setup seeds the lineage arena and the per-cell index from the sample
// mask.
func (s *SpatialTree) Setup() error {
	initial := s.initialCount()
	if initial == 0 {
		return &ConfigurationError{Op: "SpatialTree.Setup", Err: fmt.Errorf("initial count is 0: no individuals to simulate")}
	}
	if initial > 10000000000 {
		s.log.WithField("count", initial).Warn("initial count extremely large, memory issues likely")
	}
	s.setObjectSizes(initial)
	s.grid = make([][]SpeciesList, s.gridYSize)
	for y := range s.grid {
		s.grid[y] = make([]SpeciesList, s.gridXSize)
	}
	var numberStart uint64
	for my := 0; my < s.sampleMask.Rows(); my++ {
		for mx := 0; mx < s.sampleMask.Cols(); mx++ {
			x, y, xwrap, ywrap := s.sampleMask.RecalculateCoordinates(mx, my)
			cell := &s.grid[y][x]
			if cell.ListLength() == 0 && cell.MaxSize() == 0 {
				cell.Initialise(s.landscape.Capacity(float64(x), float64(y), 0, 0, 0))
			}
			sampleAmount := s.individualsSampled(x, y, xwrap, ywrap, 0)
			for k := uint64(0); k < sampleAmount; k++ {
				if xwrap == 0 && ywrap == 0 && k >= cell.MaxSize() && s.demeSample <= 1 {
					break
				}
				if numberStart+1 > initial {
					return &InvariantError{
						Op:  "SpatialTree.Setup",
						Err: fmt.Errorf("seeded more individuals (%d) than counted (%d)", numberStart+1, initial),
					}
				}
				numberStart++
				s.endActive++
				s.endData++
				if xwrap == 0 && ywrap == 0 {
					pos, err := cell.AddLineage(numberStart)
					if err != nil {
						return &InvariantError{Op: "SpatialTree.Setup", Err: err}
					}
					s.active[numberStart].setup(x, y, 0, 0, numberStart, pos, 0)
				} else {
					s.active[numberStart].setup(x, y, xwrap, ywrap, numberStart, 0, 0)
					s.addWrappedLineage(numberStart, x, y)
				}
				s.data[numberStart].setup(true, x, y, xwrap, ywrap, 0)
				s.data[numberStart].SpecRate = s.rng.Uniform01()
			}
		}
	}
	s.startEndActive = s.endActive
	s.maxSimSize = s.endData
	s.log.WithField("individuals", s.endActive).Info("seeded initial lineages")
	if s.policy.ValidateLineages {
		if err := s.ValidateLineages(); err != nil {
			return err
		}
	}
	return nil
}

// incrementGeneration advances the clock and fires any landscape epoch or
// temporal sampling boundary the new generation crosses.
func (s *SpatialTree) incrementGeneration() {
	s.Tree.incrementGeneration()
	if s.landscape.Update(s.generation) {
		if err := s.dispersal.UpdateDispersalMap(); err != nil {
			panic(err)
		}
	}
	s.checkTimeUpdate()
}

// chooseRandomLineage draws the dying lineage, rejection-sampling on the
// death map: a rejected candidate triggers an independent redraw.
func (s *SpatialTree) chooseRandomLineage() {
	s.incrementGeneration()
	s.this.chosen = s.rng.UintIn(s.endActive-1) + 1
	for !s.deathMap.ActionOccurs(s.active[s.this.chosen].X, s.active[s.this.chosen].Y,
		s.active[s.this.chosen].XWrap, s.active[s.this.chosen].YWrap) {
		s.this.chosen = s.rng.UintIn(s.endActive-1) + 1
	}
	s.this.coalChosen = 0
	s.this.coal = false
	s.recordLineagePosition()
}

// recordLineagePosition copies the chosen lineage's location into the step
// scratch.
func (s *SpatialTree) recordLineagePosition() {
	s.this.MapLocation = s.active[s.this.chosen].MapLocation
}

// runSingleLoop performs one spatial per-event step: speciation test,
// otherwise unlink, disperse, relink with possible coalescence.
func (s *SpatialTree) runSingleLoop() {
	s.chooseRandomLineage()
	ref := s.active[s.this.chosen].Reference
	s.data[ref].GenerationsExisted++
	if s.calcSpeciation(s.data[ref].SpecRate, 0.99999*s.spec, s.data[ref].GenerationsExisted) {
		s.speciation(s.this.chosen)
	} else {
		s.removeOldPosition(s.this.chosen)
		s.calcNextStep()
		if s.this.coal {
			s.coalescenceEvent(s.this.chosen, s.this.coalChosen)
		}
	}
	if s.policy.ValidateLineages {
		if err := s.ValidateLineages(); err != nil {
			panic(err)
		}
	}
	s.checkSingleLineageTimePoints()
}

// speciation retires the chosen lineage as a new species, with cell
// unlinking.
func (s *SpatialTree) speciation(chosen uint64) {
	ref := s.active[chosen].Reference
	if s.data[ref].Speciated {
		panic(&InvariantError{
			Op:         "SpatialTree.speciation",
			Steps:      s.steps,
			Generation: s.generation,
			Chosen:     chosen,
			Err:        fmt.Errorf("node %d speciating twice", ref),
		})
	}
	s.data[ref].Speciated = true
	s.removeOldPosition(chosen)
	s.switchPositions(chosen)
}

// coalescenceEvent merges with spatial lineage-table removal.
func (s *SpatialTree) coalescenceEvent(chosen, coalChosen uint64) {
	s.recordCoalescence(chosen, coalChosen)
	s.switchPositions(chosen)
}

// checkSingleLineageTimePoints mirrors Tree's behaviour using the spatial
// speciation path.
func (s *SpatialTree) checkSingleLineageTimePoints() {
	if !s.usesTemporalSampling || s.endActive != 1 {
		return
	}
	if s.timeReference < len(s.referenceTimes) && s.referenceTimes[s.timeReference] > s.generation {
		s.data[s.active[s.endActive].Reference].SpecRate = 0
		s.speciation(s.endActive)
		s.generation = s.referenceTimes[s.timeReference] + 1e-12
		s.checkTimeUpdate()
		if s.endActive < 2 {
			s.continueSim = false
		}
	}
}

// checkTimeUpdate fires pending temporal sample points using the spatial
// expansion protocol.
func (s *SpatialTree) checkTimeUpdate() {
	if !s.usesTemporalSampling || s.timeReference >= len(s.referenceTimes) {
		return
	}
	if s.referenceTimes[s.timeReference] <= s.generation {
		if at := s.referenceTimes[s.timeReference]; at > 0 {
			s.log.WithFields(logrus.Fields{
				"generation": s.generation,
				"sampleTime": at,
			}).Info("expanding map for temporal sample")
			s.addLineages(at)
		}
		s.timeReference++
	}
}

// removeOldPosition unlinks the chosen lineage from its cell: nulling the
// on-grid slot, or splicing the wrap-chain and renumbering its survivors.
func (s *SpatialTree) removeOldPosition(chosen uint64) {
	l := &s.active[chosen]
	cell := &s.grid[l.Y][l.X]
	if l.NWrap == 0 {
		if l.XWrap != 0 || l.YWrap != 0 {
			panic(&InvariantError{
				Op:         "SpatialTree.removeOldPosition",
				Steps:      s.steps,
				Generation: s.generation,
				Chosen:     chosen,
				Err:        fmt.Errorf("nwrap 0 but wraps (%d, %d) nonzero", l.XWrap, l.YWrap),
			})
		}
		if err := cell.RemoveLineage(l.ListPosition); err != nil {
			panic(&InvariantError{Op: "SpatialTree.removeOldPosition", Steps: s.steps,
				Generation: s.generation, Chosen: chosen, Err: err})
		}
	} else if l.NWrap == 1 {
		cell.SetNext(l.Next)
		for next := l.Next; next != 0; next = s.active[next].Next {
			s.active[next].NWrap--
		}
		s.mustDecreaseNWrap(cell, chosen)
	} else {
		last := cell.Next()
		for s.active[last].Next != chosen {
			last = s.active[last].Next
			if last == 0 {
				panic(&InvariantError{
					Op:         "SpatialTree.removeOldPosition",
					Steps:      s.steps,
					Generation: s.generation,
					Chosen:     chosen,
					Err:        fmt.Errorf("wrap-chain of (%d, %d) does not reach lineage", l.X, l.Y),
				})
			}
		}
		s.active[last].Next = l.Next
		for next := l.Next; next != 0; next = s.active[next].Next {
			s.active[next].NWrap--
		}
		s.mustDecreaseNWrap(cell, chosen)
	}
	l.Next = 0
	l.NWrap = 0
	l.ListPosition = 0
}

func (s *SpatialTree) mustDecreaseNWrap(cell *SpeciesList, chosen uint64) {
	if err := cell.DecreaseNWrap(); err != nil {
		panic(&InvariantError{Op: "SpatialTree.removeOldPosition", Steps: s.steps,
			Generation: s.generation, Chosen: chosen, Err: err})
	}
}

// calcNextStep disperses the chosen lineage and resolves its landing.
func (s *SpatialTree) calcNextStep() {
	if err := s.dispersal.Disperse(&s.this.MapLocation); err != nil {
		panic(err)
	}
	s.active[s.this.chosen].MapLocation = s.this.MapLocation
	s.calcNewPos()
}

// calcNewPos relinks the moved lineage at its destination, testing for
// coalescence against the occupants there.
func (s *SpatialTree) calcNewPos() {
	if s.this.OnGrid() {
		cell := &s.grid[s.this.Y][s.this.X]
		capacity := s.landscape.Capacity(float64(s.this.X), float64(s.this.Y), 0, 0, s.generation)
		if cell.MaxSize() != capacity {
			cell.SetMaxSize(capacity)
		}
		s.this.coalChosen = cell.RandLineage(s.rng)
		if s.this.coalChosen == 0 {
			pos, err := cell.AddLineage(s.this.chosen)
			if err != nil {
				panic(&InvariantError{Op: "SpatialTree.calcNewPos", Steps: s.steps,
					Generation: s.generation, Chosen: s.this.chosen, Err: err})
			}
			s.active[s.this.chosen].NWrap = 0
			s.active[s.this.chosen].ListPosition = pos
			s.this.coal = false
		} else {
			s.active[s.this.chosen].NWrap = 0
			s.active[s.this.chosen].ListPosition = 0
			s.this.coal = true
		}
		return
	}
	cell := &s.grid[s.this.Y][s.this.X]
	if cell.NWrap() != 0 {
		s.calcWrappedCoalescence(cell.NWrap())
		return
	}
	// First occupant of this cell's wrap-chain.
	if cell.Next() != 0 {
		panic(&InvariantError{Op: "SpatialTree.calcNewPos", Steps: s.steps,
			Generation: s.generation, Chosen: s.this.chosen,
			Err: fmt.Errorf("no nwrap recorded but next is %d", cell.Next())})
	}
	s.this.coalChosen = 0
	s.this.coal = false
	cell.SetNext(s.this.chosen)
	s.active[s.this.chosen].NWrap = 1
	s.active[s.this.chosen].Next = 0
	cell.IncreaseNWrap()
}

// calcWrappedCoalescence resolves a landing on an occupied wrap-chain: a
// uniform draw over the tile's capacity either selects a matching
// occupant (coalescence) or lands on empty space (append to the chain).
func (s *SpatialTree) calcWrappedCoalescence(nwrap uint64) {
	matches := make([]uint64, 0, nwrap)
	cell := &s.grid[s.this.Y][s.this.X]
	next := cell.Next()
	tail := next
	var count uint64
	for next != 0 {
		count++
		if s.active[next].XWrap == s.this.XWrap && s.active[next].YWrap == s.this.YWrap {
			matches = append(matches, next)
		}
		tail = next
		next = s.active[next].Next
	}
	if count != nwrap {
		panic(&InvariantError{
			Op:         "SpatialTree.calcWrappedCoalescence",
			Steps:      s.steps,
			Generation: s.generation,
			Chosen:     s.this.chosen,
			Err:        fmt.Errorf("cell (%d, %d) records nwrap %d but chain holds %d", s.this.X, s.this.Y, nwrap, count),
		})
	}
	appendToChain := func() {
		s.this.coalChosen = 0
		s.this.coal = false
		s.active[tail].Next = s.this.chosen
		cell.IncreaseNWrap()
		s.active[s.this.chosen].NWrap = cell.NWrap()
		s.active[s.this.chosen].Next = 0
		s.active[s.this.chosen].ListPosition = 0
	}
	if len(matches) == 0 {
		appendToChain()
		return
	}
	capacity := s.landscape.Capacity(float64(s.this.X), float64(s.this.Y),
		s.this.XWrap, s.this.YWrap, s.generation)
	randWrap := uint64(math.Floor(s.rng.Uniform01()*float64(capacity))) + 1
	if randWrap > uint64(len(matches)) {
		appendToChain()
		return
	}
	s.this.coal = true
	s.this.coalChosen = matches[randWrap-1]
}

// switchPositions removes the chosen lineage by swapping it with the last
// in-use entry, repairing whichever cell structure referenced that entry.
func (s *SpatialTree) switchPositions(chosen uint64) {
	if chosen > s.endActive {
		panic(&InvariantError{
			Op:         "SpatialTree.switchPositions",
			Steps:      s.steps,
			Generation: s.generation,
			Chosen:     chosen,
			Err:        fmt.Errorf("chosen exceeds endactive %d", s.endActive),
		})
	}
	if chosen != s.endActive {
		end := &s.active[s.endActive]
		cell := &s.grid[end.Y][end.X]
		if end.XWrap == 0 && end.YWrap == 0 {
			if end.NWrap != 0 {
				s.log.WithField("nwrap", end.NWrap).Error("nwrap should be 0 for an on-grid endactive lineage")
			}
			if err := cell.SetLineage(end.ListPosition, chosen); err != nil {
				panic(&InvariantError{Op: "SpatialTree.switchPositions", Steps: s.steps,
					Generation: s.generation, Chosen: chosen, Err: err})
			}
			s.active[chosen], s.active[s.endActive] = s.active[s.endActive], s.active[chosen]
			s.active[s.endActive].NWrap = 0
			s.active[s.endActive].Next = 0
		} else {
			if end.NWrap == 0 {
				s.log.Error("nwrap incorrectly 0 for a wrapped endactive lineage")
			}
			if end.NWrap == 1 {
				if cell.Next() != s.endActive {
					panic(&InvariantError{
						Op:         "SpatialTree.switchPositions",
						Steps:      s.steps,
						Generation: s.generation,
						Chosen:     chosen,
						Err:        fmt.Errorf("chain head is %d, want %d", cell.Next(), s.endActive),
					})
				}
				cell.SetNext(chosen)
			} else {
				prev := cell.Next()
				for s.active[prev].Next != s.endActive {
					prev = s.active[prev].Next
					if prev == 0 {
						panic(&InvariantError{
							Op:         "SpatialTree.switchPositions",
							Steps:      s.steps,
							Generation: s.generation,
							Chosen:     chosen,
							Err:        fmt.Errorf("wrap-chain does not reach endactive %d", s.endActive),
						})
					}
				}
				s.active[prev].Next = chosen
			}
			s.active[chosen], s.active[s.endActive] = s.active[s.endActive], s.active[chosen]
		}
	}
	s.endActive--
}

// addWrappedLineage appends lineage numStart to the wrap-chain of cell
// (x, y).
func (s *SpatialTree) addWrappedLineage(numStart uint64, x, y int) {
	cell := &s.grid[y][x]
	if cell.NWrap() == 0 {
		cell.SetNext(numStart)
		cell.SetNWrap(1)
		s.active[numStart].NWrap = 1
	} else {
		var count uint64
		last := cell.Next()
		for s.active[last].Next != 0 {
			last = s.active[last].Next
			count++
		}
		cell.IncreaseNWrap()
		s.active[last].Next = numStart
		s.active[numStart].NWrap = count + 2
	}
	s.active[numStart].Next = 0
}

// lineagesAtLocation counts the live lineages at a logical location.
func (s *SpatialTree) lineagesAtLocation(loc MapLocation) uint64 {
	cell := &s.grid[loc.Y][loc.X]
	if loc.OnGrid() {
		return cell.ListSize()
	}
	var total uint64
	for next := cell.Next(); next != 0; next = s.active[next].Next {
		if s.active[next].MapLocation == loc {
			total++
		}
	}
	return total
}

// individualsAtLocation returns the carrying capacity at a location for
// the current generation.
func (s *SpatialTree) individualsAtLocation(loc MapLocation) uint64 {
	return s.landscape.CapacityAt(loc, s.generation)
}

// addLineages injects new tips at a past sample time using the expansion
// protocol: existing lineages convert to tips with probability
// desired/capacity, and the shortfall enters as fresh lineages.
func (s *SpatialTree) addLineages(generationIn float64) {
	var dataAdded []TreeNode
	var activeAdded []Lineage
	for my := 0; my < s.sampleMask.Rows(); my++ {
		for mx := 0; mx < s.sampleMask.Cols(); mx++ {
			x, y, xwrap, ywrap := s.sampleMask.RecalculateCoordinates(mx, my)
			if !s.sampleMask.Covered(x, y, xwrap, ywrap) {
				continue
			}
			numToAdd := s.countCellExpansion(x, y, xwrap, ywrap, generationIn, &dataAdded)
			s.expandCell(x, y, xwrap, ywrap, generationIn, numToAdd, &dataAdded, &activeAdded)
		}
	}
	s.checkSimSize(uint64(len(dataAdded)), uint64(len(activeAdded)))
	for i := range dataAdded {
		s.endData++
		s.data[s.endData] = dataAdded[i]
	}
	for i := range activeAdded {
		s.endActive++
		s.active[s.endActive] = activeAdded[i]
		if activeAdded[i].XWrap != 0 || activeAdded[i].YWrap != 0 {
			s.addWrappedLineage(s.endActive, activeAdded[i].X, activeAdded[i].Y)
		}
	}
	if s.endActive > s.startEndActive {
		s.startEndActive = s.endActive
	}
	if s.policy.ValidateLineages {
		if err := s.ValidateLineages(); err != nil {
			panic(err)
		}
	}
}

// countCellExpansion converts the appropriate share of a cell's existing
// lineages into tips at the new sample time and returns how many fresh
// lineages the cell still needs.
func (s *SpatialTree) countCellExpansion(x, y, xwrap, ywrap int, generationIn float64,
	dataAdded *[]TreeNode) uint64 {

	capacity := s.landscape.Capacity(float64(x), float64(y), xwrap, ywrap, generationIn)
	numToAdd := s.individualsSampled(x, y, xwrap, ywrap, generationIn)
	if capacity == 0 || numToAdd == 0 {
		return numToAdd
	}
	proportion := float64(numToAdd) / float64(capacity)
	cell := &s.grid[y][x]
	if xwrap == 0 && ywrap == 0 {
		if capacity > cell.MaxSize() {
			cell.ChangePercentCover(capacity)
		} else if capacity < cell.MaxSize() {
			cell.SetMaxSize(capacity)
		}
		for ref := uint64(0); ref < cell.ListLength() && numToAdd > 0; ref++ {
			if idx := cell.Lineage(ref); idx != 0 && s.rng.Uniform01() < proportion {
				s.makeTip(idx, generationIn, dataAdded)
				numToAdd--
			}
		}
	} else {
		for next := cell.Next(); next != 0 && numToAdd > 0; next = s.active[next].Next {
			if s.active[next].XWrap == xwrap && s.active[next].YWrap == ywrap &&
				s.rng.Uniform01() < proportion {
				s.makeTip(next, generationIn, dataAdded)
				numToAdd--
			}
		}
	}
	return numToAdd
}

// expandCell appends numToAdd fresh lineages and tips at the cell.
func (s *SpatialTree) expandCell(x, y, xwrap, ywrap int, generationIn float64,
	numToAdd uint64, dataAdded *[]TreeNode, activeAdded *[]Lineage) {

	for k := uint64(0); k < numToAdd; k++ {
		var node TreeNode
		var lin Lineage
		var listPos uint64
		if xwrap == 0 && ywrap == 0 {
			pos, err := s.grid[y][x].AddLineage(s.endActive + uint64(len(*activeAdded)) + 1)
			if err != nil {
				panic(&InvariantError{Op: "SpatialTree.expandCell", Steps: s.steps,
					Generation: s.generation, Err: err})
			}
			listPos = pos
		}
		lin.setup(x, y, xwrap, ywrap, s.endData+uint64(len(*dataAdded))+1, listPos, 0)
		node.setup(true, x, y, xwrap, ywrap, generationIn)
		node.SpecRate = s.rng.Uniform01()
		*activeAdded = append(*activeAdded, lin)
		*dataAdded = append(*dataAdded, node)
	}
}

// Run executes the simulation: the per-event loop, handing over to the
// Gillespie engine once the live-lineage count falls below the threshold
// when an empirical dispersal map makes that possible.
func (s *SpatialTree) Run() (bool, error) {
	useGillespie := s.p.GillespieThreshold > 0 && s.dispersal.IsFullDispersalMap()
	if !useGillespie {
		return s.runLoop(s.runSingleLoop)
	}
	return s.runGillespie()
}

// ValidateLineages walks every live lineage and checks the §8 invariants
// against its cell: on-grid slots point back at the lineage, wrap-chains
// reach each wrapped lineage in exactly NWrap hops, and the cell totals
// sum to endactive.
func (s *SpatialTree) ValidateLineages() error {
	var seen uint64
	for i := uint64(1); i <= s.endActive; i++ {
		l := &s.active[i]
		cell := &s.grid[l.Y][l.X]
		if l.NWrap == 0 {
			if l.XWrap != 0 || l.YWrap != 0 {
				return s.lineageInvariant(i, "nwrap 0 with nonzero wraps")
			}
			if cell.Lineage(l.ListPosition) != i {
				return s.lineageInvariant(i, "cell slot does not point back at lineage")
			}
		} else {
			next := cell.Next()
			for hop := uint64(1); hop < l.NWrap; hop++ {
				if next == 0 {
					return s.lineageInvariant(i, "wrap-chain shorter than nwrap")
				}
				next = s.active[next].Next
			}
			if next != i {
				return s.lineageInvariant(i, "wrap-chain hop does not reach lineage")
			}
		}
	}
	for y := range s.grid {
		for x := range s.grid[y] {
			cell := &s.grid[y][x]
			seen += cell.ListSize()
			var chain uint64
			for next := cell.Next(); next != 0; next = s.active[next].Next {
				chain++
			}
			if chain != cell.NWrap() {
				return &InvariantError{
					Op:         "SpatialTree.ValidateLineages",
					Steps:      s.steps,
					Generation: s.generation,
					Err:        fmt.Errorf("cell (%d, %d) records nwrap %d but chain holds %d", x, y, cell.NWrap(), chain),
				}
			}
			seen += chain
		}
	}
	if seen != s.endActive {
		return &InvariantError{
			Op:         "SpatialTree.ValidateLineages",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("cells index %d lineages, active table holds %d", seen, s.endActive),
		}
	}
	return nil
}

func (s *SpatialTree) lineageInvariant(i uint64, msg string) error {
	l := s.active[i]
	return &InvariantError{
		Op:         "SpatialTree.ValidateLineages",
		Steps:      s.steps,
		Generation: s.generation,
		Chosen:     i,
		Err: fmt.Errorf("%s: lineage %d at (%d, %d) wrap (%d, %d) nwrap %d listpos %d",
			msg, i, l.X, l.Y, l.XWrap, l.YWrap, l.NWrap, l.ListPosition),
	}
}
