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

func TestActivityMapNull(t *testing.T) {
	a := NewActivityMap(nil, NewRNG(1), 0, 0, 4, 4)
	if !a.IsNull() {
		t.Fatal("nil grid should be a null map")
	}
	for i := 0; i < 100; i++ {
		if !a.ActionOccurs(1, 1, 0, 0) {
			t.Fatal("null map must always act")
		}
	}
	if a.Get(0, 0) != 1 {
		t.Error("null map weight should be 1")
	}
}

func TestActivityMapWeights(t *testing.T) {
	g := NewGrid(1, 2)
	g.Set(0, 0, 1)   // full weight
	g.Set(0, 1, 0.2) // rare
	a := NewActivityMap(g, NewRNG(8), 0, 0, 2, 1)
	for i := 0; i < 100; i++ {
		if !a.ActionOccurs(0, 0, 0, 0) {
			t.Fatal("maximum-weight cell must always act")
		}
	}
	var hits int
	for i := 0; i < 10000; i++ {
		if a.ActionOccurs(1, 0, 0, 0) {
			hits++
		}
	}
	if hits < 1500 || hits > 2500 {
		t.Errorf("low-weight cell acted %d of 10000, want about 2000", hits)
	}
}

func TestVerifyActivityCoverage(t *testing.T) {
	p := flatParams(2, 2, LandscapeClosed)
	l, err := NewLandscape(p, uniformGrid(2, 2, 1), nil, nil, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	// Zero weight over nonzero density is fatal.
	bad := NewGrid(2, 2)
	bad.Fill(1)
	bad.Set(0, 1, 0)
	if _, err := VerifyActivityCoverage(NewActivityMap(bad, NewRNG(1), 0, 0, 2, 2), l, "death"); err == nil {
		t.Error("zero weight over nonzero density accepted")
	}
	// The reverse mismatch only warns.
	fine := uniformGrid(2, 2, 1)
	fine.Set(0, 0, 0)
	l2, err := NewLandscape(p, fine, nil, nil, nil, CheckPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	full := NewGrid(2, 2)
	full.Fill(1)
	warned, err := VerifyActivityCoverage(NewActivityMap(full, NewRNG(1), 0, 0, 2, 2), l2, "death")
	if err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Error("nonzero weight over zero density should warn")
	}
}

func TestSampleMask(t *testing.T) {
	null := NewSampleMask(nil, false, 0, 0, 3, 3)
	if !null.IsNull() || null.ExactValue(1, 1, 0, 0) != 1 {
		t.Error("null mask should sample everything in full")
	}
	g := NewGrid(2, 2)
	g.Set(0, 0, 0.25)
	g.Set(1, 1, 1)
	exact := NewSampleMask(g, true, 0, 0, 2, 2)
	if v := exact.ExactValue(0, 0, 0, 0); v != 0.25 {
		t.Errorf("spatial mask fraction %v, want 0.25", v)
	}
	if exact.Covered(1, 0, 0, 0) {
		t.Error("zero-mask cell reported covered")
	}
	boolean := NewSampleMask(g, false, 0, 0, 2, 2)
	if v := boolean.ExactValue(0, 0, 0, 0); v != 1 {
		t.Errorf("membership mask fraction %v, want 1", v)
	}
}

func TestSampleMaskRecalculateCoordinates(t *testing.T) {
	// A 4x4 mask over a 2x2 sample grid: outer cells wrap onto tiles.
	mask := NewSampleMask(uniformGrid(4, 4, 1), false, 1, 1, 2, 2)
	cases := []struct {
		mx, my       int
		x, y         int
		xwrap, ywrap int
	}{
		{1, 1, 0, 0, 0, 0},
		{2, 2, 1, 1, 0, 0},
		{0, 1, 1, 0, -1, 0},
		{3, 3, 0, 0, 1, 1},
	}
	for _, c := range cases {
		x, y, xwrap, ywrap := mask.RecalculateCoordinates(c.mx, c.my)
		if x != c.x || y != c.y || xwrap != c.xwrap || ywrap != c.ywrap {
			t.Errorf("(%d, %d) -> (%d, %d, %d, %d), want (%d, %d, %d, %d)",
				c.mx, c.my, x, y, xwrap, ywrap, c.x, c.y, c.xwrap, c.ywrap)
		}
	}
}
