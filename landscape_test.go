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

import "testing"

// uniformGrid builds a rows x cols grid filled with v.
func uniformGrid(rows, cols int, v float64) *Grid {
	g := NewGrid(rows, cols)
	g.Fill(v)
	return g
}

func flatParams(xSize, ySize int, landscapeType string) *Parameters {
	return &Parameters{
		Seed:              1,
		Task:              1,
		OutputDirectory:   "output",
		Deme:              1,
		DemeSample:        1,
		MinSpeciationRate: 0.1,
		DispersalMethod:   DispersalNormal,
		Sigma:             1,
		LandscapeType:     landscapeType,
		FineXSize:         xSize,
		FineYSize:         ySize,
		GridXSize:         xSize,
		GridYSize:         ySize,
		SampleXSize:       xSize,
		SampleYSize:       ySize,
	}
}

func TestLandscapeBoundaryPolicies(t *testing.T) {
	fine := uniformGrid(4, 4, 3)
	cases := []struct {
		landscapeType string
		// capacity on the nominal tile, and one tile to the east
		onGrid  uint64
		wrapped uint64
	}{
		{LandscapeClosed, 3, 0},
		{LandscapeInfinite, 3, 5}, // deme outside every map
		{LandscapeTiledFine, 3, 3},
		{LandscapeTiledCoarse, 3, 3}, // no coarse map: tiles the fine map
	}
	for _, c := range cases {
		p := flatParams(4, 4, c.landscapeType)
		p.Deme = 5
		l, err := NewLandscape(p, fine.Clone(), nil, nil, nil, CheckPolicy{})
		if err != nil {
			t.Fatalf("%s: %v", c.landscapeType, err)
		}
		if got := l.CapacityAt(MapLocation{X: 1, Y: 2}, 0); got != c.onGrid {
			t.Errorf("%s: on-grid capacity %d, want %d", c.landscapeType, got, c.onGrid)
		}
		if got := l.CapacityAt(MapLocation{X: 1, Y: 2, XWrap: 1}, 0); got != c.wrapped {
			t.Errorf("%s: wrapped capacity %d, want %d", c.landscapeType, got, c.wrapped)
		}
	}
}

func TestLandscapeCoarseFallback(t *testing.T) {
	// A 2x2 fine map centred in an 8x8 region covered by a 4x4 coarse
	// map at scale 2.
	p := flatParams(2, 2, LandscapeClosed)
	p.CoarseFile = "coarse"
	p.CoarseXSize = 4
	p.CoarseYSize = 4
	p.CoarseXOffset = 3
	p.CoarseYOffset = 3
	p.Scale = 2
	fine := uniformGrid(2, 2, 7)
	coarse := uniformGrid(4, 4, 2)
	l, err := NewLandscape(p, fine, coarse, nil, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if got := l.CapacityAt(MapLocation{X: 0, Y: 0}, 0); got != 7 {
		t.Errorf("fine capacity %d, want 7", got)
	}
	// Just east of the fine map but inside the coarse map.
	if got := l.CapacityAt(MapLocation{X: 1, Y: 0, XWrap: 1}, 0); got != 2 {
		t.Errorf("coarse capacity %d, want 2", got)
	}
	// Far outside both maps.
	if got := l.CapacityAt(MapLocation{X: 0, Y: 0, XWrap: 50}, 0); got != 0 {
		t.Errorf("outside-everything capacity %d, want 0", got)
	}
}

func TestLandscapeInterpolation(t *testing.T) {
	p := flatParams(1, 1, LandscapeClosed)
	p.GenSinceHistorical = 100
	p.HabitatChangeRate = 1
	fine := uniformGrid(1, 1, 10)
	hist := uniformGrid(1, 1, 110)
	l, err := NewLandscape(p, fine, nil, hist, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if got := l.CapacityAt(MapLocation{}, 0); got != 10 {
		t.Errorf("capacity at t=0 is %d, want 10", got)
	}
	// Halfway to the epoch the cell is halfway to its historical value.
	if got := l.CapacityAt(MapLocation{}, 50); got != 60 {
		t.Errorf("capacity at t=50 is %d, want 60", got)
	}
	if l.Update(50) {
		t.Error("update fired before the epoch boundary")
	}
	if !l.Update(101) {
		t.Error("update did not fire after the epoch boundary")
	}
	if got := l.CapacityAt(MapLocation{}, 101); got != 110 {
		t.Errorf("capacity after update is %d, want 110", got)
	}
	if l.Update(150) {
		t.Error("update fired twice")
	}
}

func TestLandscapeHistoricalRegressionStrict(t *testing.T) {
	p := flatParams(1, 1, LandscapeClosed)
	p.GenSinceHistorical = 10
	p.HabitatChangeRate = 100 // overshoots the historical value
	fine := uniformGrid(1, 1, 10)
	hist := uniformGrid(1, 1, 20)
	l, err := NewLandscape(p, fine, nil, hist, nil, CheckPolicy{HistoricalRegression: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("strict policy did not reject the regression")
		}
		if _, ok := r.(*MapError); !ok {
			t.Fatalf("recovered %T, want *MapError", r)
		}
	}()
	l.CapacityAt(MapLocation{}, 5)
}

func TestLandscapeCoordinateConversion(t *testing.T) {
	p := flatParams(4, 4, LandscapeClosed)
	p.FineXOffset = 1
	p.FineYOffset = 1
	p.GridXSize = 2
	p.GridYSize = 2
	l, err := NewLandscape(p, uniformGrid(4, 4, 1), nil, nil, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			loc := l.ConvertFineToSample(x, y)
			back := l.ConvertSampleToFine(loc)
			if back.X != x || back.Y != y {
				t.Errorf("(%d, %d) -> %+v -> %+v does not round-trip", x, y, loc, back)
			}
			if loc.X < 0 || loc.X >= 2 || loc.Y < 0 || loc.Y >= 2 {
				t.Errorf("sample coordinate %+v outside the nominal tile", loc)
			}
		}
	}
	x, y, xwrap, ywrap := l.ConvertCoordinates(-0.5, 4.5, 0, 0)
	if xwrap != -1 || ywrap != 2 {
		t.Errorf("wraps (%d, %d), want (-1, 2)", xwrap, ywrap)
	}
	if x < 0 || x >= 2 || y < 0 || y >= 2 {
		t.Errorf("folded coordinates (%v, %v) outside the tile", x, y)
	}
}

func TestLandscapeRunDispersal(t *testing.T) {
	p := flatParams(8, 8, LandscapeClosed)
	l, err := NewLandscape(p, uniformGrid(8, 8, 1), nil, nil, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	loc := MapLocation{X: 4, Y: 4}
	capacity, ok := l.RunDispersal(2, 0, &loc, 0)
	if !ok || capacity != 1 {
		t.Fatalf("dispersal failed: capacity %d ok %v", capacity, ok)
	}
	if loc.X != 6 || loc.Y != 4 {
		t.Errorf("eastward hop of 2 landed at (%d, %d), want (6, 4)", loc.X, loc.Y)
	}
	// A hop off a closed landscape is rejected and the location kept.
	loc = MapLocation{X: 4, Y: 4}
	if _, ok := l.RunDispersal(100, 0, &loc, 0); ok {
		t.Error("hop off a closed landscape should be rejected")
	}
	if loc.X != 4 || loc.Y != 4 {
		t.Error("rejected hop moved the lineage")
	}
}
