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
	"math"
	"testing"
)

// checkerboard is the 3x3 heap-integrity fixture: habitable corners and
// centre, capacity 2 each.
func checkerboardGrid() *Grid {
	g := NewGrid(3, 3)
	for _, c := range []Cell{{0, 0}, {2, 0}, {1, 1}, {0, 2}, {2, 2}} {
		g.Set(c.Y, c.X, 2)
	}
	return g
}

// checkerboardDispersal builds an empirical dispersal matrix for the 3x3
// fixture: half the mass stays home, half goes to the next habitable
// cell in scan order.
func checkerboardDispersal() *Grid {
	habitable := []Cell{{0, 0}, {2, 0}, {1, 1}, {0, 2}, {2, 2}}
	index := func(c Cell) int { return c.Y*3 + c.X }
	d := NewGrid(9, 9)
	for i, c := range habitable {
		next := habitable[(i+1)%len(habitable)]
		d.Set(index(c), index(c), 0.5)
		d.Set(index(c), index(next), 0.5)
	}
	return d
}

func gillespieSim(t *testing.T, seed int64) *Simulation {
	t.Helper()
	p := flatParams(3, 3, LandscapeClosed)
	p.Seed = seed
	p.MinSpeciationRate = 0.01
	p.DispersalMethod = DispersalEmpirical
	p.DispersalFile = "dispersal"
	p.Sigma = 0
	p.GillespieThreshold = 100 // switch immediately
	p.OutputDirectory = t.TempDir()
	sim, err := NewSimulation(p, &Inputs{
		Fine:      checkerboardGrid(),
		Dispersal: checkerboardDispersal(),
	}, nil, CheckPolicy{ValidateHeap: true, ValidateLineages: true})
	if err != nil {
		t.Fatal(err)
	}
	return sim
}

func TestGillespieHeapIntegrity(t *testing.T) {
	sim := gillespieSim(t, 77)
	tree := sim.Tree()
	if err := tree.Setup(); err != nil {
		t.Fatal(err)
	}
	if tree.EndActive() != 10 {
		t.Fatalf("seeded %d lineages, want 10", tree.EndActive())
	}
	tree.setupGillespie()
	checkLocator := func(step int) {
		t.Helper()
		// Heap to locator.
		for i, n := range tree.gillespie.heap.nodes {
			if n.eventType != EventCell {
				continue
			}
			if got := tree.gillespie.cellToHeap[n.cell.Y][n.cell.X]; got != i {
				t.Fatalf("step %d: locator for (%d, %d) holds %d, heap slot is %d",
					step, n.cell.X, n.cell.Y, got, i)
			}
		}
		// Locator to heap: every inhabited cell is on the heap, every
		// unused slot stays unused.
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				idx := tree.gillespie.cellToHeap[y][x]
				loc := tree.landscape.ConvertFineToSample(x, y)
				n := tree.lineagesAtLocation(loc)
				if n > 0 && idx == unusedHeapIndex {
					t.Fatalf("step %d: inhabited cell (%d, %d) missing from the heap", step, x, y)
				}
				if idx != unusedHeapIndex {
					node := tree.gillespie.heap.nodes[idx]
					if node.cell.X != x || node.cell.Y != y {
						t.Fatalf("step %d: heap slot %d holds cell (%d, %d), locator says (%d, %d)",
							step, idx, node.cell.X, node.cell.Y, x, y)
					}
				}
			}
		}
	}
	checkLocator(0)
	for i := 1; i <= 10000 && tree.EndActive() > 1; i++ {
		tree.runGillespieLoop()
		checkLocator(i)
		if err := tree.ValidateLineages(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestGillespieRunsToCompletion(t *testing.T) {
	sim := gillespieSim(t, 101)
	tree := sim.Tree()
	if err := tree.Setup(); err != nil {
		t.Fatal(err)
	}
	completed, err := tree.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !completed {
		t.Fatal("Gillespie run did not complete")
	}
	if err := tree.validateGenealogy(); err != nil {
		t.Fatal(err)
	}
	data, endData := tree.Genealogy()
	community := NewCommunity(data, endData, 0.01, 3, 3, nil)
	result, err := community.Apply(0.01, 0, ProtractedParams{})
	if err != nil {
		t.Fatal(err)
	}
	var total uint64
	for _, n := range result.Abundances {
		total += n
	}
	if total != 10 {
		t.Errorf("abundances sum to %d, want 10", total)
	}
	if result.SpeciesRichness < 1 || result.SpeciesRichness > 10 {
		t.Errorf("species richness %d outside [1, 10]", result.SpeciesRichness)
	}
}

func TestGillespieProbability(t *testing.T) {
	gp := GillespieProbability{
		DispersalOutsideCellProbability: 0.5,
		CoalescenceProbability:          0.5,
		SpeciationProbability:           0.01,
	}
	want := 0.01 + 0.99*(0.5*0.5+0.5)
	if got := gp.InCellProbability(); math.Abs(got-want) > 1e-12 {
		t.Errorf("in-cell probability %v, want %v", got, want)
	}
	gp.RandomNumber = math.Exp(-1)
	lambda := gp.Lambda(1, 10, 5)
	if wantLambda := gp.InCellProbability() * 5 / 10; math.Abs(lambda-wantLambda) > 1e-12 {
		t.Errorf("lambda %v, want %v", lambda, wantLambda)
	}
	if got, want := gp.TimeToNextEvent(1, 10, 5), 1/lambda; math.Abs(got-want) > 1e-12 {
		t.Errorf("time to next event %v, want %v", got, want)
	}
	// The categorical draw covers all three outcomes over many draws.
	rng := NewRNG(13)
	seen := map[CellEventType]int{}
	for i := 0; i < 10000; i++ {
		seen[gp.GenerateRandomEvent(rng)]++
	}
	if seen[CellEventSpeciation] == 0 || seen[CellEventDispersal] == 0 || seen[CellEventCoalescence] == 0 {
		t.Errorf("categorical draw missed an outcome: %v", seen)
	}
}

func TestGillespieSwitchThreshold(t *testing.T) {
	// With a threshold of 0 the Gillespie engine never engages, even
	// with an empirical dispersal map.
	sim := gillespieSim(t, 55)
	sim.p.GillespieThreshold = 0
	tree := sim.Tree()
	if err := tree.Setup(); err != nil {
		t.Fatal(err)
	}
	completed, err := tree.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !completed {
		t.Fatal("per-event run did not complete")
	}
}
