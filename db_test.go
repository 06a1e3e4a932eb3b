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
	"reflect"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(OutputPath(t.TempDir(), 1, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.CreateSchema(); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestDBSimulationParameters(t *testing.T) {
	db := testDB(t)
	p := flatParams(4, 4, LandscapeClosed)
	if err := db.WriteSimulationParameters(p, false); err != nil {
		t.Fatal(err)
	}
	done, err := db.SimulationCompleted()
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("incomplete run reported as complete")
	}
	if err := db.WriteSimulationParameters(p, true); err != nil {
		t.Fatal(err)
	}
	done, err = db.SimulationCompleted()
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("complete run not reported as complete")
	}
}

func TestDBSpeciesListRoundTrip(t *testing.T) {
	db := testDB(t)
	data, endData := testGenealogy()
	if err := db.WriteSpeciesList(data, endData); err != nil {
		t.Fatal(err)
	}
	got, gotEnd, err := db.ReadSpeciesList()
	if err != nil {
		t.Fatal(err)
	}
	if gotEnd != endData {
		t.Fatalf("read %d nodes, want %d", gotEnd, endData)
	}
	for i := uint64(1); i <= endData; i++ {
		if got[i].Parent != data[i].Parent || got[i].Tip != data[i].Tip ||
			got[i].SpecRate != data[i].SpecRate ||
			got[i].GenerationsExisted != data[i].GenerationsExisted {
			t.Errorf("node %d: read %+v, want %+v", i, got[i], data[i])
		}
	}
}

func TestDBCommunityRoundTrip(t *testing.T) {
	db := testDB(t)
	result := &CommunityResult{
		Params: CommunityParameters{
			Reference:      1,
			SpeciationRate: 0.1,
			Time:           0,
		},
		Abundances: map[uint64]uint64{1: 3, 2: 1},
		Locations: []SpeciesLocation{
			{SpeciesID: 1, X: 0, Y: 0},
			{SpeciesID: 2, X: 1, Y: 1},
		},
		FragmentAbundances: map[string]map[uint64]uint64{
			"west": {1: 2},
		},
		SpeciesRichness: 2,
	}
	if err := db.WriteCommunity(result); err != nil {
		t.Fatal(err)
	}
	ref, err := db.MaxCommunityReference()
	if err != nil {
		t.Fatal(err)
	}
	if ref != 1 {
		t.Errorf("max community reference %d, want 1", ref)
	}
	abundances, err := db.MetacommunityAbundances(1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(abundances, result.Abundances) {
		t.Errorf("read abundances %v, want %v", abundances, result.Abundances)
	}
}

func TestDBMetacommunityParameters(t *testing.T) {
	db := testDB(t)
	m := &MetacommunityParams{Size: 1000, SpeciationRate: 0.01, Option: MetacommunitySimulated}
	if err := db.WriteMetacommunityParameters(1, m); err != nil {
		t.Fatal(err)
	}
}

func TestMinimumSpeciationRate(t *testing.T) {
	if got := minimumSpeciationRate(0.5, 0); got != 0.5 {
		t.Errorf("age-zero minimum rate %v, want the raw uniform", got)
	}
	// For one generation the minimum rate equals the uniform itself.
	if got := minimumSpeciationRate(0.25, 1); got != 0.25 {
		t.Errorf("one-generation minimum rate %v, want 0.25", got)
	}
	// Older branches need smaller rates.
	if minimumSpeciationRate(0.25, 10) >= minimumSpeciationRate(0.25, 2) {
		t.Error("minimum rate should fall with branch age")
	}
}
