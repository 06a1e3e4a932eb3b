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
	"sort"
	"testing"
)

func TestSimulatedMetacommunity(t *testing.T) {
	m := &MetacommunityParams{Size: 500, SpeciationRate: 0.05, Option: MetacommunitySimulated}
	provider, err := NewMetacommunity(m, NewRNG(3), 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uint64]int{}
	for i := 0; i < 2000; i++ {
		id := provider.RandomSpeciesID()
		if id == 0 {
			t.Fatal("species IDs must be positive")
		}
		seen[id]++
	}
	if len(seen) < 2 {
		t.Errorf("only %d species drawn from a 500-individual metacommunity", len(seen))
	}
}

func TestSimulatedMetacommunitySeedInvariance(t *testing.T) {
	// The local community structure does not depend on the
	// metacommunity's internal randomness: two providers built from
	// different draws back identical totals.
	build := func(seed int64) *simulatedAbundances {
		m := &MetacommunityParams{Size: 300, SpeciationRate: 0.1, Option: MetacommunitySimulated}
		provider, err := NewMetacommunity(m, NewRNG(seed), 50, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		return provider.(*simulatedAbundances)
	}
	a := build(1)
	b := build(2)
	if a.total != 300 || b.total != 300 {
		t.Errorf("metacommunity totals %d and %d, want 300 individuals each", a.total, b.total)
	}
}

func TestAnalyticalMetacommunity(t *testing.T) {
	m := &MetacommunityParams{Size: 10000, SpeciationRate: 0.01, Option: MetacommunityAnalytical}
	provider, err := NewMetacommunity(m, NewRNG(7), 500, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := provider.(*analyticalAbundances)
	// Required postcondition: the pool covers the local community.
	if a.seen < 500 {
		t.Fatalf("seen %d individuals, want at least the local community size 500", a.seen)
	}
	if a.seen > m.Size {
		t.Fatalf("seen %d individuals exceeds the metacommunity size %d", a.seen, m.Size)
	}
	for i := 0; i < 5000; i++ {
		if id := provider.RandomSpeciesID(); id == 0 {
			t.Fatal("species IDs must be positive")
		}
	}
	// Cumulative abundances stay sorted through lazy minting.
	if !sort.SliceIsSorted(a.indCumulative, func(i, j int) bool {
		return a.indCumulative[i] < a.indCumulative[j]
	}) {
		t.Error("cumulative individual counts out of order")
	}
}

func TestTabulatedMetacommunity(t *testing.T) {
	abundances := map[uint64]uint64{4: 10, 9: 30, 11: 60}
	m := &MetacommunityParams{Option: MetacommunityDatabase}
	provider, err := NewMetacommunity(m, NewRNG(19), 10, abundances, nil)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[uint64]int{}
	const draws = 30000
	for i := 0; i < draws; i++ {
		id := provider.RandomSpeciesID()
		if _, ok := abundances[id]; !ok {
			t.Fatalf("drew unknown species %d", id)
		}
		counts[id]++
	}
	// Draw frequencies follow the abundances: species 11 holds 60% of
	// the pool.
	if frac := float64(counts[11]) / draws; frac < 0.55 || frac > 0.65 {
		t.Errorf("species 11 drawn %.2f of the time, want about 0.60", frac)
	}
	if _, err := NewMetacommunity(m, NewRNG(19), 10, nil, nil); err == nil {
		t.Error("database option without abundances should fail")
	}
}

func TestNSESpeciesRichness(t *testing.T) {
	if r := nseSpeciesRichness(1000, 0.999999); r == 0 {
		t.Error("richness must be at least 1")
	}
	low := nseSpeciesRichness(10000, 0.001)
	high := nseSpeciesRichness(10000, 0.1)
	if low >= high {
		t.Errorf("richness should grow with the speciation rate: %d >= %d", low, high)
	}
	if high > 10000 {
		t.Errorf("richness %d exceeds the community size", high)
	}
}
