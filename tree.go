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

	"github.com/sirupsen/logrus"
)

// step is the per-event scratch state: the chosen lineage, its location,
// and the coalescence partner when the move lands on an occupied slot.
type step struct {
	MapLocation
	chosen     uint64
	coalChosen uint64
	coal       bool
}

func (s *step) wipe() {
	*s = step{}
}

// Tree is the non-spatial coalescence engine: a well-mixed community of
// deme individuals. It owns the genealogy table and the live-lineage
// table; the spatial engine embeds it and adds landscape addressing.
//
// Both tables are 1-indexed with index 0 reserved as null, so a
// coalescence can O(1)-remove a lineage by swapping it with the last
// in-use entry.
type Tree struct {
	p      *Parameters
	rng    *RNG
	log    *logrus.Entry
	policy CheckPolicy

	active []Lineage
	data   []TreeNode

	endActive      uint64
	endData        uint64
	startEndActive uint64
	maxSimSize     uint64

	generation float64
	steps      float64
	spec       float64
	deme       uint64
	demeSample float64

	simComplete bool
	continueSim bool
	paused      bool

	referenceTimes       []float64
	usesTemporalSampling bool
	timeReference        int

	protracted ProtractedParams

	start     time.Time
	timeTaken time.Duration

	this step
}

// NewTree prepares a non-spatial engine from the parameter record.
func NewTree(p *Parameters, rng *RNG, log *logrus.Entry, policy CheckPolicy) *Tree {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tree{
		p:          p,
		rng:        rng,
		log:        log,
		policy:     policy,
		spec:       p.MinSpeciationRate,
		deme:       p.Deme,
		demeSample: p.DemeSample,
		protracted: p.Protracted,
	}
	t.referenceTimes = p.ReferenceTimes()
	t.usesTemporalSampling = len(t.referenceTimes) > 1
	return t
}

// Setup seeds the initial lineage set and genealogy tips.
func (t *Tree) Setup() error {
	initial := uint64(math.Floor(t.demeSample * float64(t.deme)))
	if initial == 0 {
		return &ConfigurationError{Op: "Tree.Setup", Err: fmt.Errorf("initial count is 0: no individuals to simulate")}
	}
	t.setObjectSizes(initial)
	for i := uint64(1); i <= initial; i++ {
		t.endActive++
		t.endData++
		t.active[t.endActive].setup(0, 0, 0, 0, t.endData, t.endActive, 0)
		t.data[t.endData].setup(true, 0, 0, 0, 0, 0)
		t.data[t.endData].SpecRate = t.rng.Uniform01()
	}
	t.startEndActive = t.endActive
	t.maxSimSize = t.endData
	t.log.WithField("individuals", t.endActive).Info("seeded initial lineages")
	return nil
}

// setObjectSizes allocates the arena tables; a finished genealogy of n
// tips holds at most 2n-1 nodes plus the reserved null entry.
func (t *Tree) setObjectSizes(initial uint64) {
	t.active = make([]Lineage, initial+2)
	t.data = make([]TreeNode, 2*initial+2)
	for i := range t.active {
		t.active[i].MinMax = 1
	}
}

// checkSimSize grows the tables to fit reqData more genealogy nodes and
// reqActive more lineages, accounting for the coalescences they imply.
func (t *Tree) checkSimSize(reqData, reqActive uint64) {
	minActive := t.endActive + reqActive + 2
	minData := t.endData + reqData + 2 + 2*minActive
	for uint64(len(t.data)) < minData {
		t.data = append(t.data, TreeNode{})
	}
	for uint64(len(t.active)) < minActive {
		t.active = append(t.active, Lineage{MinMax: 1})
	}
}

// EndActive returns the number of live lineages.
func (t *Tree) EndActive() uint64 { return t.endActive }

// Generation returns the engine clock in generations.
func (t *Tree) Generation() float64 { return t.generation }

// Steps returns the accumulated event count.
func (t *Tree) Steps() float64 { return t.steps }

// Complete reports whether the simulation ran to completion.
func (t *Tree) Complete() bool { return t.simComplete }

// Genealogy exposes the frozen genealogy table for community building:
// nodes 1..n, with index 0 reserved.
func (t *Tree) Genealogy() ([]TreeNode, uint64) { return t.data, t.endData }

// Stop requests a cooperative halt; the engine finishes the current step
// and pauses.
func (t *Tree) Stop() { t.continueSim = false }

// incrementGeneration advances the coalescent clock: each per-event step
// spans 2/endactive generations.
func (t *Tree) incrementGeneration() {
	t.steps++
	t.generation += 2 / float64(t.endActive)
}

// chooseRandomLineage draws the lineage that dies this step.
func (t *Tree) chooseRandomLineage() {
	t.incrementGeneration()
	t.this.chosen = t.rng.UintIn(t.endActive-1) + 1 // cannot be 0
	t.this.coalChosen = 0
	t.this.coal = false
}

// calcSpeciation applies the point (or protracted) speciation test.
func (t *Tree) calcSpeciation(randnum, mu float64, gens uint64) bool {
	return ProtractedSpeciationOccurs(randnum, mu, gens, t.protracted)
}

// runSingleLoop performs one per-event step of the well-mixed engine.
func (t *Tree) runSingleLoop() {
	t.chooseRandomLineage()
	ref := t.active[t.this.chosen].Reference
	t.data[ref].GenerationsExisted++
	// The slight shrink of the tested rate keeps a branch alive through
	// floating-point equality with the minimum rate; community building
	// applies the exact rate afterwards.
	if t.calcSpeciation(t.data[ref].SpecRate, 0.99999*t.spec, t.data[ref].GenerationsExisted) {
		t.speciation(t.this.chosen)
	} else {
		t.calcNextStep()
		if t.this.coal {
			t.coalescenceEvent(t.this.chosen, t.this.coalChosen)
		}
	}
	t.checkSingleLineageTimePoints()
}

// calcNextStep draws the parent slot in the well-mixed community and
// flags a coalescence when another live lineage already occupies it.
func (t *Tree) calcNextStep() {
	random := t.rng.UintIn(t.deme-1) + 1
	if random != t.this.chosen && random <= t.endActive {
		t.this.coal = true
		t.this.coalChosen = random
	}
}

// speciation declares the chosen lineage a new species and retires it.
func (t *Tree) speciation(chosen uint64) {
	ref := t.active[chosen].Reference
	if t.data[ref].Speciated {
		panic(&InvariantError{
			Op:         "Tree.speciation",
			Steps:      t.steps,
			Generation: t.generation,
			Chosen:     chosen,
			Err:        fmt.Errorf("node %d speciating twice", ref),
		})
	}
	t.data[ref].Speciated = true
	t.removeOldPosition(chosen)
	t.switchPositions(chosen)
}

// removeOldPosition clears cell bookkeeping; the well-mixed engine has
// none.
func (t *Tree) removeOldPosition(chosen uint64) {
	t.active[chosen].ListPosition = 0
}

// switchPositions removes the chosen lineage by swapping it with the last
// in-use entry of the active table.
func (t *Tree) switchPositions(chosen uint64) {
	if chosen > t.endActive {
		panic(&InvariantError{
			Op:         "Tree.switchPositions",
			Steps:      t.steps,
			Generation: t.generation,
			Chosen:     chosen,
			Err:        fmt.Errorf("chosen exceeds endactive %d", t.endActive),
		})
	}
	if chosen != t.endActive {
		t.active[chosen], t.active[t.endActive] = t.active[t.endActive], t.active[chosen]
	}
	t.endActive--
}

// coalescenceEvent merges chosen into coalchosen: a fresh internal node
// becomes both children's parent and the consumed lineage is retired.
func (t *Tree) coalescenceEvent(chosen, coalChosen uint64) {
	t.recordCoalescence(chosen, coalChosen)
	t.switchPositions(chosen)
}

// recordCoalescence appends the internal genealogy node for a merge and
// repoints both children at it, leaving lineage-table removal to the
// caller (the spatial engine removes with cell bookkeeping).
func (t *Tree) recordCoalescence(chosen, coalChosen uint64) {
	t.endData++
	t.data[t.endData].setup(false,
		t.active[chosen].X, t.active[chosen].Y,
		t.active[chosen].XWrap, t.active[chosen].YWrap,
		t.generation)
	t.data[t.active[chosen].Reference].Parent = t.endData
	t.data[t.active[coalChosen].Reference].Parent = t.endData
	if t.active[chosen].MinMax > t.active[coalChosen].MinMax {
		t.active[coalChosen].MinMax = t.active[chosen].MinMax
	}
	t.active[chosen].MinMax = t.active[coalChosen].MinMax
	t.data[t.endData].GenerationsExisted = 0
	t.data[t.endData].SpecRate = t.rng.Uniform01()
	t.active[chosen].Reference = t.endData
	t.active[coalChosen].Reference = t.endData
}

// checkSingleLineageTimePoints keeps a temporally-sampled simulation alive
// when one lineage remains but later sample points are still pending: the
// survivor speciates and the clock jumps to the next sample time.
func (t *Tree) checkSingleLineageTimePoints() {
	if !t.usesTemporalSampling || t.endActive != 1 {
		return
	}
	if t.timeReference < len(t.referenceTimes) && t.referenceTimes[t.timeReference] > t.generation {
		t.data[t.active[t.endActive].Reference].SpecRate = 0
		t.speciation(t.endActive)
		t.generation = t.referenceTimes[t.timeReference] + 1e-12
		t.checkTimeUpdate()
		if t.endActive < 2 {
			t.continueSim = false
		}
	}
}

// checkTimeUpdate injects the next batch of sampled tips once the clock
// passes a reference time.
func (t *Tree) checkTimeUpdate() {
	if !t.usesTemporalSampling || t.timeReference >= len(t.referenceTimes) {
		return
	}
	if t.referenceTimes[t.timeReference] <= t.generation {
		if at := t.referenceTimes[t.timeReference]; at > 0 {
			t.log.WithFields(logrus.Fields{
				"generation": t.generation,
				"sampleTime": at,
			}).Info("adding temporally sampled lineages")
			t.addLineages(at)
		}
		t.timeReference++
	}
}

// addLineages samples the community again at a past generation: each
// existing lineage becomes a tip with probability demeSample, and the
// remainder enter as fresh lineages with fresh tips.
func (t *Tree) addLineages(generationIn float64) {
	numberAdded := uint64(math.Floor(t.demeSample * float64(t.deme)))
	var dataToAdd []TreeNode
	for i := uint64(1); i <= t.endActive; i++ {
		if numberAdded > 0 && t.rng.Uniform01() < t.demeSample {
			numberAdded--
			t.makeTip(i, generationIn, &dataToAdd)
		}
	}
	t.checkSimSize(uint64(len(dataToAdd))+numberAdded, numberAdded)
	for i := range dataToAdd {
		t.endData++
		t.data[t.endData] = dataToAdd[i]
	}
	for i := uint64(0); i < numberAdded; i++ {
		t.endData++
		t.endActive++
		t.active[t.endActive].setup(0, 0, 0, 0, t.endData, t.endActive, 0)
		t.data[t.endData].setup(true, 0, 0, 0, 0, generationIn)
		t.data[t.endData].SpecRate = t.rng.Uniform01()
	}
	if t.endActive > t.startEndActive {
		t.startEndActive = t.endActive
	}
}

// makeTip records that a live lineage was sampled again at generationIn,
// either by promoting its node to a tip or, when the node already is one,
// by splicing in a fresh tip above it.
func (t *Tree) makeTip(tmpActive uint64, generationIn float64, dataAdded *[]TreeNode) {
	ref := t.active[tmpActive].Reference
	if t.data[ref].Tip {
		t.createNewTip(tmpActive, generationIn, dataAdded)
		return
	}
	node := &t.data[ref]
	node.Generation = generationIn
	node.Tip = true
	node.X = t.active[tmpActive].X
	node.Y = t.active[tmpActive].Y
	node.XWrap = t.active[tmpActive].XWrap
	node.YWrap = t.active[tmpActive].YWrap
}

func (t *Tree) createNewTip(i uint64, generationIn float64, dataAdded *[]TreeNode) {
	cur := &t.active[i]
	var node TreeNode
	node.setup(true, cur.X, cur.Y, cur.XWrap, cur.YWrap, generationIn)
	dataPos := t.endData + uint64(len(*dataAdded)) + 1
	t.data[cur.Reference].Parent = dataPos
	node.GenerationsExisted = 0
	node.SpecRate = t.rng.Uniform01()
	cur.Reference = dataPos
	*dataAdded = append(*dataAdded, node)
}

// timeExpired reports whether the wall-clock budget has run out; the
// first hundred steps always run so that trivial simulations finish.
func (t *Tree) timeExpired() bool {
	if t.p.MaxTime <= 0 {
		return false
	}
	return t.steps >= 100 && time.Since(t.start) > time.Duration(t.p.MaxTime)*time.Second
}

// checkDesiredSpecies halts the run early once the richness estimate has
// fallen to the requested species count.
func (t *Tree) checkDesiredSpecies() {
	if t.p.DesiredSpecies == 0 || math.Mod(t.steps, 100000) != 0 {
		return
	}
	if est := t.EstimateSpecies(); est <= t.p.DesiredSpecies {
		t.log.WithField("estimate", est).Info("desired species count reached, halting")
		t.continueSim = false
	}
}

// Run executes the well-mixed per-event loop to completion or pause. It
// returns true when every lineage coalesced or speciated, false when the
// run was paused by the wall clock or a cooperative stop.
func (t *Tree) Run() (bool, error) {
	return t.runLoop(t.runSingleLoop)
}

// runLoop drives a per-event step function under the shared stop
// conditions. Invariant violations surface as panics carrying typed
// errors; they are recovered here so the top-level handler can report
// them with context.
func (t *Tree) runLoop(singleStep func()) (completed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	t.start = time.Now()
	t.continueSim = true
	t.this.wipe()
	t.resetTimeReference()
	if t.endActive < 2 {
		return t.stopSimulation()
	}
	for t.endActive > 1 && !t.timeExpired() && t.continueSim {
		singleStep()
		t.checkDesiredSpecies()
	}
	return t.stopSimulation()
}

// resetTimeReference skips reference times that a resumed run has already
// passed.
func (t *Tree) resetTimeReference() {
	t.timeReference = 0
	if t.usesTemporalSampling && t.generation > 0 {
		for i, rt := range t.referenceTimes {
			if rt > t.generation {
				t.timeReference = i
				return
			}
		}
		t.timeReference = len(t.referenceTimes)
	}
}

// stopSimulation finalises a finished run by speciating every remaining
// lineage, or flags an unfinished one as paused.
func (t *Tree) stopSimulation() (bool, error) {
	t.timeTaken += time.Since(t.start)
	if t.endActive > 1 {
		t.paused = true
		t.log.WithField("lineagesRemaining", t.endActive).Warn(
			"out of time: pausing simulation; add extra time or re-run to completion")
		return false, nil
	}
	for i := uint64(1); i <= t.endActive; i++ {
		ref := t.active[i].Reference
		if !t.data[ref].Speciated {
			t.data[ref].Speciated = true
		}
		t.data[ref].SpecRate = 0
	}
	t.simComplete = true
	t.log.Info("simulation complete")
	return true, nil
}

// calcMinMax computes the smallest speciation rate that would speciate
// the branch carrying lineage current.
func (t *Tree) calcMinMax(current uint64) float64 {
	node := &t.data[t.active[current].Reference]
	var newMinMax float64
	if node.GenerationsExisted == 0 {
		newMinMax = node.SpecRate
	} else {
		newMinMax = 1 - math.Pow(1-node.SpecRate, 1/float64(node.GenerationsExisted))
	}
	if old := t.active[current].MinMax; old < newMinMax {
		return old
	}
	return newMinMax
}

// EstimateSpecies estimates the species count at the smallest speciation
// rate any branch would need, marking and then clearing the scratch flags
// on the genealogy.
func (t *Tree) EstimateSpecies() uint64 {
	var minMax float64
	for i := uint64(1); i <= t.endActive; i++ {
		mm := t.calcMinMax(i)
		t.active[i].MinMax = mm
		if mm > minMax {
			minMax = mm
		}
	}
	for i := uint64(0); i <= t.endData; i++ {
		node := &t.data[i]
		if node.Tip {
			node.exists = true
		}
		gens := node.GenerationsExisted
		if gens == 0 {
			gens = 1
		}
		if node.SpecRate < 1-math.Pow(1-minMax, float64(gens)) {
			node.Speciated = true
		}
	}
	for changed := true; changed; {
		changed = false
		for i := uint64(0); i <= t.endData; i++ {
			node := &t.data[i]
			if node.exists && !node.Speciated && !t.data[node.Parent].exists {
				t.data[node.Parent].exists = true
				changed = true
			}
		}
	}
	var species uint64
	for i := uint64(0); i <= t.endData; i++ {
		if t.data[i].exists && t.data[i].Speciated {
			species++
		}
	}
	for i := uint64(0); i <= t.endData; i++ {
		t.data[i].qReset()
	}
	return species
}

// validateGenealogy checks that every node reachable from a tip
// terminates at a speciated ancestor. It runs before output.
func (t *Tree) validateGenealogy() error {
	for i := uint64(1); i <= t.endActive; i++ {
		t.data[t.active[i].Reference].SpecRate = 0
	}
	for i := uint64(1); i <= t.endData; i++ {
		if t.calcSpeciation(t.data[i].SpecRate, t.spec, t.data[i].GenerationsExisted) {
			t.data[i].Speciated = true
		}
	}
	for i := uint64(1); i <= t.endData; i++ {
		if !t.data[i].Speciated && t.data[i].Parent == 0 {
			return &InvariantError{
				Op:         "Tree.validateGenealogy",
				Steps:      t.steps,
				Generation: t.generation,
				Err:        fmt.Errorf("node %d has not speciated and has no parent", i),
			}
		}
	}
	for i := uint64(1); i <= t.endData; i++ {
		if t.data[i].Speciated || !t.data[i].Tip {
			continue
		}
		j := i
		for !t.data[j].Speciated {
			j = t.data[j].Parent
			if j == 0 {
				return &InvariantError{
					Op:         "Tree.validateGenealogy",
					Steps:      t.steps,
					Generation: t.generation,
					Err:        fmt.Errorf("null parent while following speciation trail from tip %d", i),
				}
			}
		}
	}
	return nil
}
