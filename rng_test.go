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

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42)
	b := NewRNG(42)
	for i := 0; i < 1000; i++ {
		if av, bv := a.Uniform01(), b.Uniform01(); av != bv {
			t.Fatalf("draw %d: %v != %v", i, av, bv)
		}
	}
	c := NewRNG(43)
	same := true
	for i := 0; i < 10; i++ {
		if a.Uniform01() != c.Uniform01() {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced identical streams")
	}
}

func TestRNGReseedAfterDraw(t *testing.T) {
	r := NewRNG(1)
	if err := r.Seed(2); err != nil {
		t.Errorf("reseed before first draw: %v", err)
	}
	r.Uniform01()
	if err := r.Seed(3); err == nil {
		t.Error("reseed after draw should fail")
	}
	r.markResumed()
	if err := r.Seed(3); err != nil {
		t.Errorf("reseed after resume: %v", err)
	}
}

func TestRNGUintIn(t *testing.T) {
	r := NewRNG(7)
	seen := make(map[uint64]bool)
	for i := 0; i < 10000; i++ {
		v := r.UintIn(4)
		if v > 4 {
			t.Fatalf("UintIn(4) returned %d", v)
		}
		seen[v] = true
	}
	for v := uint64(0); v <= 4; v++ {
		if !seen[v] {
			t.Errorf("UintIn(4) never returned %d", v)
		}
	}
}

func TestExponential(t *testing.T) {
	if got, want := Exponential(2, math.Exp(-1)), 0.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("Exponential(2, e^-1) = %v, want %v", got, want)
	}
	if got := Exponential(1, 1); got != 0 {
		t.Errorf("Exponential(1, 1) = %v, want 0", got)
	}
}

func TestLogarithmic(t *testing.T) {
	r := NewRNG(11)
	var total float64
	const n = 20000
	for i := 0; i < n; i++ {
		v := r.Logarithmic(0.9)
		if v < 1 {
			t.Fatalf("logarithmic draw %d below 1", v)
		}
		total += float64(v)
	}
	// Mean of the logarithmic distribution: -p/((1-p) ln(1-p)).
	p := 0.9
	want := -p / ((1 - p) * math.Log(1-p))
	mean := total / n
	if math.Abs(mean-want) > 0.5 {
		t.Errorf("logarithmic mean %v, want about %v", mean, want)
	}
}

func TestKernelDistances(t *testing.T) {
	r := NewRNG(3)
	cases := []struct {
		method string
		sigma  float64
		tau    float64
		mProb  float64
		cutoff float64
	}{
		{method: DispersalNormal, sigma: 2},
		{method: DispersalFatTail, sigma: 2, tau: 2},
		{method: DispersalNormUniform, sigma: 2, mProb: 0.3, cutoff: 10},
	}
	for _, c := range cases {
		k, err := NewKernel(c.method, c.sigma, c.tau, c.mProb, c.cutoff, r)
		if err != nil {
			t.Fatalf("%s: %v", c.method, err)
		}
		for i := 0; i < 1000; i++ {
			if d := k.Distance(); d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
				t.Fatalf("%s: bad distance %v", c.method, d)
			}
			if a := k.Direction(); a < 0 || a >= 2*math.Pi {
				t.Fatalf("%s: direction %v outside [0, 2pi)", c.method, a)
			}
		}
	}
	if _, err := NewKernel(DispersalEmpirical, 1, 1, 0, 0, r); err == nil {
		t.Error("empirical method should not build a parametric kernel")
	}
}

func TestRNGStateRoundTrip(t *testing.T) {
	a := NewRNG(99)
	for i := 0; i < 17; i++ {
		a.Uniform01()
	}
	state, err := a.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	b := NewRNG(1)
	if err := b.UnmarshalBinary(state); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if av, bv := a.Uniform01(), b.Uniform01(); av != bv {
			t.Fatalf("draw %d after restore: %v != %v", i, av, bv)
		}
	}
}

func TestSpeciationOccurs(t *testing.T) {
	if !SpeciationOccurs(0.5, 1, 1) {
		t.Error("rate 1 must speciate any branch")
	}
	if SpeciationOccurs(0.5, 1e-9, 10) {
		t.Error("tiny rate should not speciate a young branch with a median uniform")
	}
	if !SpeciationOccurs(0, 1e-9, 0) {
		t.Error("a forced zero uniform must speciate even at age zero")
	}
	// Threshold is exactly 1-(1-mu)^gens.
	mu, gens := 0.01, uint64(5)
	threshold := 1 - math.Pow(1-mu, float64(gens))
	if !SpeciationOccurs(threshold-1e-12, mu, gens) || SpeciationOccurs(threshold+1e-12, mu, gens) {
		t.Error("speciation threshold off")
	}
}

func TestProtractedSpeciationOccurs(t *testing.T) {
	window := ProtractedParams{MinSpeciationGen: 10, MaxSpeciationGen: 100}
	if ProtractedSpeciationOccurs(0, 0.5, 5, window) {
		t.Error("no speciation below the window")
	}
	if !ProtractedSpeciationOccurs(0.99, 1e-9, 150, window) {
		t.Error("speciation is forced above the window")
	}
	if !ProtractedSpeciationOccurs(0, 0.5, 50, window) {
		t.Error("inside the window the point test applies")
	}
}
