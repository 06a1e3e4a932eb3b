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

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RNG is the simulation's only source of randomness. It wraps a seeded PCG
// generator; given the same seed the stream of draws, and therefore the
// whole single-threaded simulation, is deterministic.
//
// Reseeding after the first draw is a hard error unless the generator state
// was restored from a pause dump.
type RNG struct {
	src     *rand.PCGSource
	rnd     *rand.Rand
	seed    uint64
	drawn   bool
	resumed bool
}

// NewRNG returns a generator seeded with seed.
func NewRNG(seed int64) *RNG {
	r := &RNG{src: &rand.PCGSource{}}
	r.src.Seed(uint64(seed))
	r.seed = uint64(seed)
	r.rnd = rand.New(r.src)
	return r
}

// Seed reseeds the generator. Calling Seed after any draw has been made is
// refused so that a simulation cannot silently fork its random stream.
func (r *RNG) Seed(seed int64) error {
	if r.drawn && !r.resumed {
		return &ConfigurationError{
			Op:  "RNG.Seed",
			Err: fmt.Errorf("reseed to %d after draws have been made", seed),
		}
	}
	r.src.Seed(uint64(seed))
	r.seed = uint64(seed)
	r.drawn = false
	return nil
}

// Uniform01 draws a uniform variate on [0, 1).
func (r *RNG) Uniform01() float64 {
	r.drawn = true
	return r.rnd.Float64()
}

// UintIn draws a uniform integer on [0, max] inclusive.
func (r *RNG) UintIn(max uint64) uint64 {
	r.drawn = true
	return r.rnd.Uint64n(max + 1)
}

// Exponential inverts the exponential CDF at the supplied uniform u,
// returning -ln(u)/rate. Taking u as an argument lets the Gillespie engine
// cache a draw on a cell and re-evaluate the same clock when the cell's
// rate changes before the event fires.
func Exponential(rate, u float64) float64 {
	return -math.Log(u) / rate
}

// Logarithmic draws from the logarithmic (log-series) distribution with
// parameter p in (0, 1), using Kemp's inversion. The metacommunity's
// analytical abundance provider draws species abundances from it with
// p = 1 - speciation rate.
func (r *RNG) Logarithmic(p float64) uint64 {
	v := r.Uniform01()
	if v >= p {
		return 1
	}
	u := r.Uniform01()
	q := 1 - math.Exp(u*math.Log(1-p))
	if v <= q*q {
		k := 1 + math.Log(v)/math.Log(q)
		if k < 1 {
			return 1
		}
		return uint64(k)
	}
	if v <= q {
		return 2
	}
	return 1
}

// markResumed flags the generator as restored from a pause dump, which
// permits the state overwrite performed during resumption.
func (r *RNG) markResumed() { r.resumed = true }

// MarshalBinary encodes the full generator state for the pause dump.
func (r *RNG) MarshalBinary() ([]byte, error) {
	return r.src.MarshalBinary()
}

// UnmarshalBinary restores generator state saved by MarshalBinary.
func (r *RNG) UnmarshalBinary(data []byte) error {
	if r.src == nil {
		r.src = &rand.PCGSource{}
		r.rnd = rand.New(r.src)
	}
	if err := r.src.UnmarshalBinary(data); err != nil {
		return err
	}
	r.drawn = true
	r.resumed = true
	return nil
}

// Kernel draws dispersal displacements for the parametric dispersal
// methods. Distances are in units of fine-map cells.
type Kernel struct {
	Method string
	Sigma  float64
	Tau    float64
	MProb  float64
	Cutoff float64

	rng      *RNG
	rayleigh distuv.Weibull
}

// NewKernel validates the kernel parameters and binds them to the random
// source.
func NewKernel(method string, sigma, tau, mProb, cutoff float64, rng *RNG) (*Kernel, error) {
	switch method {
	case DispersalNormal, DispersalFatTail, DispersalNormUniform:
	default:
		return nil, &ConfigurationError{
			Op:  "NewKernel",
			Err: fmt.Errorf("method %q is not a parametric kernel", method),
		}
	}
	return &Kernel{
		Method:   method,
		Sigma:    sigma,
		Tau:      tau,
		MProb:    mProb,
		Cutoff:   cutoff,
		rng:      rng,
		rayleigh: distuv.Weibull{K: 2, Lambda: sigma * math.Sqrt2, Src: rng.src}, // Rayleigh(sigma)
	}, nil
}

// Direction draws a uniform angle on [0, 2π).
func (k *Kernel) Direction() float64 {
	return k.rng.Uniform01() * 2 * math.Pi
}

// Distance draws a dispersal distance under the configured kernel.
func (k *Kernel) Distance() float64 {
	switch k.Method {
	case DispersalNormal:
		// The radial component of a 2D isotropic normal is Rayleigh.
		k.rng.drawn = true
		return k.rayleigh.Rand()
	case DispersalFatTail:
		// 2Dt kernel with shape tau; inverse radial CDF. A zero uniform
		// would put the draw at infinity.
		u := k.rng.Uniform01()
		for u == 0 {
			u = k.rng.Uniform01()
		}
		return k.Sigma * math.Sqrt(k.Tau*(math.Pow(u, -2/k.Tau)-1))
	case DispersalNormUniform:
		// Mixture: with probability MProb a uniform hop up to Cutoff,
		// otherwise the normal kernel.
		if k.rng.Uniform01() < k.MProb {
			return k.rng.Uniform01() * k.Cutoff
		}
		k.rng.drawn = true
		return k.rayleigh.Rand()
	}
	panic("coalesce: Kernel.Distance: unreachable method " + k.Method)
}
