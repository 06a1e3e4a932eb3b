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
	"time"
)

// CellEventType is the categorical outcome drawn inside a cell event.
type CellEventType int

// Cell event outcomes.
const (
	CellEventUndefined CellEventType = iota
	CellEventDispersal
	CellEventCoalescence
	CellEventSpeciation
)

// unusedHeapIndex marks a fine-map cell with no entry on the event heap.
const unusedHeapIndex = -1

// GillespieProbability aggregates a cell's per-event probabilities plus
// the cached uniform that seeds its next event clock. Re-queuing a cell
// without firing keeps the cached draw so the event inherits its clock.
type GillespieProbability struct {
	DispersalOutsideCellProbability float64
	CoalescenceProbability          float64
	SpeciationProbability           float64
	RandomNumber                    float64
	Location                        MapLocation
}

// InCellProbability is the total probability that a birth-death event at
// the cell does anything: speciation, out-dispersal, or local coalescence.
func (g *GillespieProbability) InCellProbability() float64 {
	return g.SpeciationProbability + (1-g.SpeciationProbability)*
		((1-g.DispersalOutsideCellProbability)*g.CoalescenceProbability+
			g.DispersalOutsideCellProbability)
}

// GenerateRandomEvent draws the categorical outcome of a cell event.
func (g *GillespieProbability) GenerateRandomEvent(rng *RNG) CellEventType {
	p := rng.Uniform01() * g.InCellProbability()
	if p < g.SpeciationProbability {
		return CellEventSpeciation
	}
	if p < g.SpeciationProbability+(1-g.SpeciationProbability)*g.DispersalOutsideCellProbability {
		return CellEventDispersal
	}
	return CellEventCoalescence
}

// Lambda is the event rate for the cell, per birth-death event on the
// whole landscape.
func (g *GillespieProbability) Lambda(localDeathRate, summedDeathRate float64, n uint64) float64 {
	return g.InCellProbability() * localDeathRate * float64(n) / summedDeathRate
}

// TimeToNextEvent inverts the exponential waiting time using the cached
// uniform.
func (g *GillespieProbability) TimeToNextEvent(localDeathRate, summedDeathRate float64, n uint64) float64 {
	return Exponential(g.Lambda(localDeathRate, summedDeathRate, n), g.RandomNumber)
}

func (g *GillespieProbability) reset() {
	*g = GillespieProbability{}
}

// gillespieState is the Gillespie engine's working set: per-cell rates,
// the event heap, and the locator table tying inhabited cells to their
// heap slots.
type gillespieState struct {
	probabilities   [][]GillespieProbability
	cellToHeap      [][]int
	heap            *eventHeap
	summedDeathRate float64
}

// runGillespie runs the per-event loop until the lineage count drops to
// the configured threshold, then switches to heap-scheduled cell events.
func (s *SpatialTree) runGillespie() (completed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	s.start = time.Now()
	s.continueSim = true
	s.this.wipe()
	s.resetTimeReference()
	for s.endActive > 1 && s.endActive >= s.p.GillespieThreshold &&
		!s.timeExpired() && s.continueSim {
		s.runSingleLoop()
		s.checkDesiredSpecies()
	}
	if s.endActive <= 1 || s.timeExpired() || !s.continueSim {
		return s.stopSimulation()
	}
	s.log.WithField("lineages", s.endActive).Info("switching to Gillespie algorithm")
	s.setupGillespie()
	for s.endActive > 1 {
		s.runGillespieLoop()
	}
	return s.stopSimulation()
}

// setupGillespie finalises the self-dispersal-excluded dispersal rows and
// builds the per-cell probabilities and the event heap.
func (s *SpatialTree) setupGillespie() {
	if !s.dispersal.IsFullDispersalMap() {
		panic(&ConfigurationError{
			Op:  "SpatialTree.setupGillespie",
			Err: fmt.Errorf("the Gillespie algorithm requires an empirical dispersal map"),
		})
	}
	if err := s.dispersal.RemoveSelfDispersal(); err != nil {
		panic(err)
	}
	rows, cols := s.landscape.FineRows(), s.landscape.FineCols()
	s.gillespie.probabilities = make([][]GillespieProbability, rows)
	s.gillespie.cellToHeap = make([][]int, rows)
	for y := 0; y < rows; y++ {
		s.gillespie.probabilities[y] = make([]GillespieProbability, cols)
		s.gillespie.cellToHeap[y] = make([]int, cols)
		for x := 0; x < cols; x++ {
			s.gillespie.cellToHeap[y][x] = unusedHeapIndex
		}
	}
	s.gillespie.heap = newEventHeap(func(n *heapNode, i int) {
		if n.eventType == EventCell {
			s.gillespie.cellToHeap[n.cell.Y][n.cell.X] = i
		}
	})
	s.findLocations()
	s.updateAllProbabilities()
	s.createEventList()
	s.checkMapEvents()
	s.checkSampleEvents()
	if s.policy.ValidateHeap {
		s.validateGillespieHeap()
	}
}

// findLocations fills the per-cell probability table for every fine cell.
func (s *SpatialTree) findLocations() {
	for y := 0; y < s.landscape.FineRows(); y++ {
		for x := 0; x < s.landscape.FineCols(); x++ {
			loc := s.landscape.ConvertFineToSample(x, y)
			gp := &s.gillespie.probabilities[y][x]
			gp.Location = loc
			gp.SpeciationProbability = s.spec
			gp.DispersalOutsideCellProbability = 1 - s.dispersal.SelfDispersalProbability(Cell{X: x, Y: y})
			gp.CoalescenceProbability = s.calcCoalescenceProbability(loc)
			gp.RandomNumber = s.rng.Uniform01()
		}
	}
}

// updateAllProbabilities computes the landscape-wide death-weighted
// individual total that normalises every cell's event rate.
func (s *SpatialTree) updateAllProbabilities() {
	var summed float64
	for y := 0; y < s.landscape.FineRows(); y++ {
		for x := 0; x < s.landscape.FineCols(); x++ {
			density := float64(s.landscape.capacityFine(float64(x), float64(y), s.generation))
			summed += s.deathMap.Get(y, x) * density
		}
	}
	s.gillespie.summedDeathRate = summed
}

// createEventList pushes a cell event for every inhabited fine cell.
func (s *SpatialTree) createEventList() {
	for y := 0; y < s.landscape.FineRows(); y++ {
		for x := 0; x < s.landscape.FineCols(); x++ {
			s.addNewEvent(x, y)
		}
	}
}

// addNewEvent schedules the next event for cell (x, y) when it holds any
// lineages.
func (s *SpatialTree) addNewEvent(x, y int) {
	gp := &s.gillespie.probabilities[y][x]
	if s.lineagesAtLocation(gp.Location) == 0 {
		return
	}
	t := s.generation + gp.TimeToNextEvent(
		s.localDeathRate(gp.Location),
		s.gillespie.summedDeathRate,
		s.individualsAtLocation(gp.Location))
	s.gillespie.heap.push(Cell{X: x, Y: y}, t, EventCell)
}

// checkMapEvents schedules the pending landscape epoch boundary.
func (s *SpatialTree) checkMapEvents() {
	if !s.landscape.RequiresUpdate() {
		return
	}
	if next := s.landscape.NextUpdateGeneration(); next > s.generation {
		s.gillespie.heap.push(Cell{}, next, EventMap)
	}
}

// checkSampleEvents schedules the next pending temporal sample point.
func (s *SpatialTree) checkSampleEvents() {
	for _, rt := range s.referenceTimes {
		if rt > s.generation {
			s.gillespie.heap.push(Cell{}, rt, EventSample)
			return
		}
	}
}

// localDeathRate looks up the death weight at a location, 1 for a null
// map.
func (s *SpatialTree) localDeathRate(loc MapLocation) float64 {
	cell := s.cellOf(loc)
	return s.deathMap.Get(cell.Y, cell.X)
}

// calcCoalescenceProbability is min(1, (n-1)/capacity) over the lineages
// at the location; zero capacity or a lone lineage cannot coalesce.
func (s *SpatialTree) calcCoalescenceProbability(loc MapLocation) float64 {
	capacity := s.individualsAtLocation(loc)
	n := s.lineagesAtLocation(loc)
	if n <= 1 || capacity == 0 {
		return 0
	}
	return math.Min(float64(n-1)/float64(capacity), 1)
}

// runGillespieLoop reads the soonest event at the heap front (without
// removing it), advances the clock and the step estimate, and dispatches
// on the event type.
func (s *SpatialTree) runGillespieLoop() {
	front := s.gillespie.heap.front()
	s.steps += (front.timeOfEvent - s.generation) * float64(s.endActive)
	s.generation = front.timeOfEvent
	switch front.eventType {
	case EventCell:
		origin := &s.gillespie.probabilities[front.cell.Y][front.cell.X]
		s.gillespieCellEvent(origin)
	case EventMap:
		s.gillespieUpdateMap()
	case EventSample:
		s.gillespieSampleIndividuals()
	default:
		panic(&InvariantError{
			Op:         "SpatialTree.runGillespieLoop",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("undefined event on the heap"),
		})
	}
}

// gillespieCellEvent draws and executes the categorical outcome for the
// cell at the heap front, then re-seeds the cell's cached uniform.
func (s *SpatialTree) gillespieCellEvent(origin *GillespieProbability) {
	cellEvent := origin.GenerateRandomEvent(s.rng)
	origin.RandomNumber = s.rng.Uniform01()
	switch cellEvent {
	case CellEventCoalescence:
		s.gillespieCoalescenceEvent(origin)
	case CellEventDispersal:
		s.gillespieDispersalEvent(origin)
	case CellEventSpeciation:
		s.gillespieSpeciationEvent(origin)
	default:
		panic(&InvariantError{
			Op:         "SpatialTree.gillespieCellEvent",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("undefined cell event type"),
		})
	}
}

// gillespieUpdateGeneration ages a lineage's node to the current event
// time before it speciates or coalesces.
func (s *SpatialTree) gillespieUpdateGeneration(lineage uint64) {
	if lineage == 0 || lineage > s.endActive {
		panic(&InvariantError{
			Op:         "SpatialTree.gillespieUpdateGeneration",
			Steps:      s.steps,
			Generation: s.generation,
			Chosen:     lineage,
			Err:        fmt.Errorf("lineage out of range of active (%d)", s.endActive),
		})
	}
	node := &s.data[s.active[lineage].Reference]
	gens := math.Round(s.generation) - node.Generation
	if gens > 0 {
		node.GenerationsExisted = uint64(gens)
	}
}

// gillespieCoalescenceEvent merges two uniformly chosen lineages at the
// origin cell and reschedules it.
func (s *SpatialTree) gillespieCoalescenceEvent(origin *GillespieProbability) {
	first, second := s.selectTwoRandomLineages(origin.Location)
	s.gillespieUpdateGeneration(first)
	s.removeOldPosition(first)
	s.recordCoalescence(first, second)
	s.switchPositions(first)
	s.updateCellCoalescenceProbability(origin, s.individualsAtLocation(origin.Location))
	s.updateInhabitedCellOnHeap(s.cellOf(origin.Location))
}

// gillespieDispersalEvent moves one lineage out of the origin cell via
// the self-excluded empirical row, resolving any coalescence at the
// destination, then reschedules origin and destination.
func (s *SpatialTree) gillespieDispersalEvent(origin *GillespieProbability) {
	chosen := s.selectRandomLineage(origin.Location)
	s.this.chosen = chosen
	s.this.coalChosen = 0
	s.this.coal = false
	s.recordLineagePosition()
	s.removeOldPosition(chosen)
	s.calcNextStep()
	if s.this.coal {
		s.gillespieUpdateGeneration(chosen)
		s.recordCoalescence(chosen, s.this.coalChosen)
		s.switchPositions(chosen)
	}
	destinationCell := s.cellOf(s.active[chosen].MapLocation)
	if s.this.coal {
		// chosen was swapped away; the survivor defines the destination.
		destinationCell = s.cellOf(s.this.MapLocation)
	}
	if n := s.lineagesAtLocation(origin.Location); n > 0 {
		s.updateCellCoalescenceProbability(origin, s.individualsAtLocation(origin.Location))
		s.updateInhabitedCellOnHeap(s.cellOf(origin.Location))
	} else {
		top := s.gillespie.heap.pop()
		s.gillespie.cellToHeap[top.cell.Y][top.cell.X] = unusedHeapIndex
		if s.policy.ValidateHeap {
			s.validateGillespieHeap()
		}
	}
	dx, dy := destinationCell.X, destinationCell.Y
	destination := &s.gillespie.probabilities[dy][dx]
	if s.gillespie.cellToHeap[dy][dx] == unusedHeapIndex {
		s.addNewEvent(dx, dy)
		if s.policy.ValidateHeap {
			s.validateGillespieHeap()
		}
	} else if !s.this.coal {
		destination.CoalescenceProbability = s.calcCoalescenceProbability(destination.Location)
		destination.RandomNumber = s.rng.Uniform01()
		t := s.generation + destination.TimeToNextEvent(
			s.localDeathRate(destination.Location),
			s.gillespie.summedDeathRate,
			s.individualsAtLocation(destination.Location))
		idx := s.gillespie.cellToHeap[dy][dx]
		s.gillespie.heap.nodes[idx].timeOfEvent = t
		s.updateInhabitedCellOnHeap(destinationCell)
	}
}

// gillespieSpeciationEvent speciates one uniformly chosen lineage at the
// origin cell and reschedules it.
func (s *SpatialTree) gillespieSpeciationEvent(origin *GillespieProbability) {
	chosen := s.selectRandomLineage(origin.Location)
	s.gillespieUpdateGeneration(chosen)
	s.speciation(chosen)
	if n := s.lineagesAtLocation(origin.Location); n > 0 {
		s.updateCellCoalescenceProbability(origin, s.individualsAtLocation(origin.Location))
		s.updateInhabitedCellOnHeap(s.cellOf(origin.Location))
	} else {
		top := s.gillespie.heap.pop()
		s.gillespie.cellToHeap[top.cell.Y][top.cell.X] = unusedHeapIndex
		if s.policy.ValidateHeap {
			s.validateGillespieHeap()
		}
	}
}

// gillespieUpdateMap tears down and rebuilds the event structures across
// a landscape epoch boundary.
func (s *SpatialTree) gillespieUpdateMap() {
	s.clearGillespieObjects()
	if !s.landscape.Update(s.generation) {
		panic(&InvariantError{
			Op:         "SpatialTree.gillespieUpdateMap",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("map event fired but the landscape did not change"),
		})
	}
	if err := s.dispersal.UpdateDispersalMap(); err != nil {
		panic(err)
	}
	s.rebuildGillespie()
}

// gillespieSampleIndividuals injects tips for a temporal sample point and
// rebuilds the event structures.
func (s *SpatialTree) gillespieSampleIndividuals() {
	s.clearGillespieObjects()
	s.addLineages(s.generation)
	if s.timeReference < len(s.referenceTimes) && s.referenceTimes[s.timeReference] <= s.generation {
		s.timeReference++
	}
	s.rebuildGillespie()
}

func (s *SpatialTree) rebuildGillespie() {
	s.findLocations()
	s.updateAllProbabilities()
	s.createEventList()
	s.checkMapEvents()
	s.checkSampleEvents()
	if s.policy.ValidateHeap {
		s.validateGillespieHeap()
	}
}

// clearGillespieObjects drains the heap and resets the locator table and
// cell probabilities.
func (s *SpatialTree) clearGillespieObjects() {
	s.gillespie.heap.clear()
	for y := range s.gillespie.cellToHeap {
		for x := range s.gillespie.cellToHeap[y] {
			s.gillespie.cellToHeap[y][x] = unusedHeapIndex
			s.gillespie.probabilities[y][x].reset()
		}
	}
}

// updateCellCoalescenceProbability recomputes a cell's coalescence term
// and re-keys its heap-front event with a fresh cached uniform.
func (s *SpatialTree) updateCellCoalescenceProbability(origin *GillespieProbability, n uint64) {
	origin.CoalescenceProbability = s.calcCoalescenceProbability(origin.Location)
	origin.RandomNumber = s.rng.Uniform01()
	s.gillespie.heap.front().timeOfEvent = s.generation +
		origin.TimeToNextEvent(s.localDeathRate(origin.Location), s.gillespie.summedDeathRate, n)
}

// updateInhabitedCellOnHeap restores heap order after the cell's key
// changed in place.
func (s *SpatialTree) updateInhabitedCellOnHeap(pos Cell) {
	s.gillespie.heap.update(s.gillespie.cellToHeap[pos.Y][pos.X])
	if s.policy.ValidateHeap {
		s.validateGillespieHeap()
	}
}

// validateGillespieHeap checks the heap property and the locator table in
// both directions.
func (s *SpatialTree) validateGillespieHeap() {
	if err := s.gillespie.heap.validate(); err != nil {
		panic(&InvariantError{Op: "SpatialTree.validateGillespieHeap", Steps: s.steps,
			Generation: s.generation, Err: err})
	}
	for i, n := range s.gillespie.heap.nodes {
		if n.eventType != EventCell {
			continue
		}
		if s.gillespie.cellToHeap[n.cell.Y][n.cell.X] != i {
			panic(&InvariantError{
				Op:         "SpatialTree.validateGillespieHeap",
				Steps:      s.steps,
				Generation: s.generation,
				Err: fmt.Errorf("locator for cell (%d, %d) holds %d, heap slot is %d",
					n.cell.X, n.cell.Y, s.gillespie.cellToHeap[n.cell.Y][n.cell.X], i),
			})
		}
	}
}

// selectRandomLineage picks one lineage uniformly at the location.
func (s *SpatialTree) selectRandomLineage(loc MapLocation) uint64 {
	ids := s.detectLineages(loc)
	if len(ids) == 0 {
		panic(&InvariantError{
			Op:         "SpatialTree.selectRandomLineage",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("no lineages at (%d, %d)", loc.X, loc.Y),
		})
	}
	return ids[s.rng.UintIn(uint64(len(ids))-1)]
}

// selectTwoRandomLineages picks two distinct lineages uniformly at the
// location.
func (s *SpatialTree) selectTwoRandomLineages(loc MapLocation) (uint64, uint64) {
	ids := s.detectLineages(loc)
	if len(ids) < 2 {
		panic(&InvariantError{
			Op:         "SpatialTree.selectTwoRandomLineages",
			Steps:      s.steps,
			Generation: s.generation,
			Err:        fmt.Errorf("fewer than two lineages at (%d, %d)", loc.X, loc.Y),
		})
	}
	first := ids[s.rng.UintIn(uint64(len(ids))-1)]
	second := first
	for second == first {
		second = ids[s.rng.UintIn(uint64(len(ids))-1)]
	}
	return first, second
}

// detectLineages lists the lineages at the exact logical location.
func (s *SpatialTree) detectLineages(loc MapLocation) []uint64 {
	cell := &s.grid[loc.Y][loc.X]
	if loc.OnGrid() {
		ids := make([]uint64, 0, cell.ListSize())
		for pos := uint64(0); pos < cell.ListLength(); pos++ {
			if id := cell.Lineage(pos); id != 0 {
				ids = append(ids, id)
			}
		}
		return ids
	}
	var ids []uint64
	for next := cell.Next(); next != 0; next = s.active[next].Next {
		if s.active[next].MapLocation == loc {
			ids = append(ids, next)
		}
	}
	return ids
}
