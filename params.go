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
	"sort"
)

// Dispersal kernel methods.
const (
	DispersalNormal      = "normal"
	DispersalFatTail     = "fat-tail"
	DispersalNormUniform = "norm-uniform"
	DispersalEmpirical   = "empirical"
)

// Landscape boundary policies.
const (
	LandscapeClosed      = "closed"
	LandscapeInfinite    = "infinite"
	LandscapeTiledFine   = "tiled_fine"
	LandscapeTiledCoarse = "tiled_coarse"
)

// Metacommunity providers.
const (
	MetacommunitySimulated  = "simulated"
	MetacommunityAnalytical = "analytical"
	MetacommunityDatabase   = "database"
)

// ProtractedParams bounds the generation window within which a branch may
// speciate. A zero value disables protracted speciation.
type ProtractedParams struct {
	MinSpeciationGen float64
	MaxSpeciationGen float64
}

// Active reports whether the window constrains speciation at all.
func (p ProtractedParams) Active() bool {
	return p.MinSpeciationGen > 0 || p.MaxSpeciationGen > 0
}

// MetacommunityParams describes the ancestral species pool used to label
// lineages that reach the root without speciating.
type MetacommunityParams struct {
	Size           uint64
	SpeciationRate float64
	Option         string // simulated | analytical | database
	Reference      int64  // external reference for the database option
}

// Parameters is the fully-populated input record consumed by a simulation.
// Parsing a configuration file into this record is the CLI's job (see
// package coalesceutil); the engine treats the record as authoritative.
type Parameters struct {
	// Simulation controls.
	Seed              int64
	Task              int64
	OutputDirectory   string
	MaxTime           int64 // wall-clock budget in seconds; 0 means unlimited
	Deme              uint64
	DemeSample        float64
	MinSpeciationRate float64
	DesiredSpecies    uint64
	Times             []float64

	// Dispersal.
	DispersalMethod       string
	Sigma                 float64
	Tau                   float64
	MProbability          float64
	Cutoff                float64
	RestrictSelf          bool
	LandscapeType         string
	DispersalFile         string
	DispersalRelativeCost float64

	// Fine map.
	FineFile    string
	FineXSize   int
	FineYSize   int
	FineXOffset int
	FineYOffset int

	// Coarse map.
	CoarseFile    string
	CoarseXSize   int
	CoarseYSize   int
	CoarseXOffset int
	CoarseYOffset int
	Scale         float64

	// Historical maps and the habitat trajectory towards them.
	HistoricalFineFile   string
	HistoricalCoarseFile string
	GenSinceHistorical   float64
	HabitatChangeRate    float64

	// Sample grid and mask.
	SampleMaskFile      string
	SampleXSize         int
	SampleYSize         int
	SampleXOffset       int
	SampleYOffset       int
	GridXSize           int
	GridYSize           int
	UsesSpatialSampling bool

	// Optional per-cell activity weights.
	DeathFile        string
	ReproductionFile string

	// Optional extensions.
	Protracted      ProtractedParams
	Metacommunity   *MetacommunityParams
	SpeciationRates []float64
	FragmentFile    string

	// Lineage count below which the Gillespie engine takes over, when an
	// empirical dispersal map is available. 0 disables the switch.
	GillespieThreshold uint64
}

// Validate checks the record for internal consistency. It returns a
// *ConfigurationError describing the first problem found.
func (p *Parameters) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigurationError{Op: "Parameters.Validate", Err: fmt.Errorf(format, args...)}
	}
	if p.Seed == 0 && p.Task == 0 {
		return fail("seed and task are both unset")
	}
	if p.OutputDirectory == "" {
		return fail("output directory is not set")
	}
	if p.MinSpeciationRate <= 0 || p.MinSpeciationRate > 1 {
		return fail("speciation rate %v outside (0, 1]", p.MinSpeciationRate)
	}
	if p.DemeSample <= 0 || p.DemeSample > 1 {
		return fail("deme sample proportion %v outside (0, 1]", p.DemeSample)
	}
	if p.Deme == 0 {
		return fail("deme size must be at least 1")
	}
	switch p.DispersalMethod {
	case DispersalNormal, DispersalFatTail, DispersalNormUniform:
		if p.Sigma <= 0 {
			return fail("dispersal sigma %v must be positive", p.Sigma)
		}
	case DispersalEmpirical:
		if p.DispersalFile == "" {
			return fail("empirical dispersal requires a dispersal file")
		}
	default:
		return fail("unknown dispersal method %q", p.DispersalMethod)
	}
	switch p.LandscapeType {
	case LandscapeClosed, LandscapeInfinite, LandscapeTiledFine, LandscapeTiledCoarse:
	default:
		return fail("unknown landscape type %q", p.LandscapeType)
	}
	if p.FineXSize <= 0 || p.FineYSize <= 0 {
		return fail("fine map dimensions %dx%d invalid", p.FineXSize, p.FineYSize)
	}
	if p.CoarseFile != "" && p.Scale < 1 {
		return fail("coarse/fine scale %v must be at least 1", p.Scale)
	}
	if p.Protracted.Active() &&
		p.Protracted.MaxSpeciationGen < p.Protracted.MinSpeciationGen {
		return fail("protracted window [%v, %v] inverted",
			p.Protracted.MinSpeciationGen, p.Protracted.MaxSpeciationGen)
	}
	if m := p.Metacommunity; m != nil {
		switch m.Option {
		case MetacommunitySimulated, MetacommunityAnalytical:
			if m.Size == 0 {
				return fail("metacommunity size must be positive")
			}
			if m.SpeciationRate <= 0 || m.SpeciationRate > 1 {
				return fail("metacommunity speciation rate %v outside (0, 1]", m.SpeciationRate)
			}
		case MetacommunityDatabase:
		default:
			return fail("unknown metacommunity option %q", m.Option)
		}
	}
	for _, t := range p.Times {
		if t < 0 {
			return fail("sample time %v is negative", t)
		}
	}
	return nil
}

// ReferenceTimes returns the sorted set of temporal sampling points,
// always including time zero.
func (p *Parameters) ReferenceTimes() []float64 {
	times := []float64{0}
	for _, t := range p.Times {
		if t > 0 {
			times = append(times, t)
		}
	}
	sort.Float64s(times)
	// Drop duplicates introduced by an explicit zero in the input.
	out := times[:1]
	for _, t := range times[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return out
}

// AllSpeciationRates returns the unique, sorted set of rates to apply
// during community building: the simulation rate plus any extras.
func (p *Parameters) AllSpeciationRates() []float64 {
	rates := append([]float64{p.MinSpeciationRate}, p.SpeciationRates...)
	sort.Float64s(rates)
	out := rates[:1]
	for _, r := range rates[1:] {
		if !floatsNearlyEqual(r, out[len(out)-1], r*1e-5) {
			out = append(out, r)
		}
	}
	return out
}

func floatsNearlyEqual(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}
