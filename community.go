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

	"github.com/sirupsen/logrus"
)

// CommunityParameters identifies one application of the community builder:
// a speciation rate, a sample time, and the optional metacommunity and
// protracted window in force.
type CommunityParameters struct {
	Reference              uint64
	SpeciationRate         float64
	Time                   float64
	Fragments              bool
	MetacommunityReference uint64
	Protracted             ProtractedParams
}

// Fragment names a rectangle of sample-grid cells for per-fragment
// abundance output. Bounds are inclusive, in absolute sample coordinates.
type Fragment struct {
	Name string
	XMin int
	YMin int
	XMax int
	YMax int
}

func (f Fragment) contains(x, y int) bool {
	return x >= f.XMin && x <= f.XMax && y >= f.YMin && y <= f.YMax
}

// SpeciesLocation is one sampled individual's species and absolute sample
// coordinate.
type SpeciesLocation struct {
	SpeciesID uint64
	X         int
	Y         int
}

// CommunityResult is the output of one community calculation.
type CommunityResult struct {
	Params             CommunityParameters
	Abundances         map[uint64]uint64
	Locations          []SpeciesLocation
	FragmentAbundances map[string]map[uint64]uint64
	SpeciesRichness    uint64
}

// Community applies speciation rates and sample times to a frozen
// genealogy, producing species identities, abundances and spatial
// distributions. An optional metacommunity provider replaces locally
// minted species identities with draws from the ancestral pool, merging
// species that draw the same identity.
type Community struct {
	data    []TreeNode
	endData uint64
	log     *logrus.Entry

	minSpeciationRate float64
	xDim, yDim        int

	meta          SpeciesAbundanceProvider
	metaReference uint64

	fragments []Fragment

	nextReference uint64
	nextSpeciesID uint64
}

// NewCommunity wraps a frozen genealogy. xDim and yDim are the sample
// grid dimensions used to flatten wrapped tip coordinates into absolute
// ones.
func NewCommunity(data []TreeNode, endData uint64, minSpeciationRate float64,
	xDim, yDim int, log *logrus.Entry) *Community {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if xDim == 0 {
		xDim = 1
	}
	if yDim == 0 {
		yDim = 1
	}
	return &Community{
		data:              data,
		endData:           endData,
		log:               log,
		minSpeciationRate: minSpeciationRate,
		xDim:              xDim,
		yDim:              yDim,
		nextReference:     1,
	}
}

// SetMetacommunity installs the ancestral species pool used for identity
// draws, tagged with its METACOMMUNITY_PARAMETERS reference.
func (c *Community) SetMetacommunity(meta SpeciesAbundanceProvider, reference uint64) {
	c.meta = meta
	c.metaReference = reference
}

// SetFragments installs fragment definitions for per-fragment output.
func (c *Community) SetFragments(fragments []Fragment) {
	c.fragments = fragments
}

// SetNextReference seeds the community reference counter, typically from
// the highest reference already present in the output database.
func (c *Community) SetNextReference(ref uint64) {
	c.nextReference = ref
}

// Apply runs one community calculation at the given speciation rate and
// sample time under the protracted window.
func (c *Community) Apply(rate, sampleTime float64, protracted ProtractedParams) (*CommunityResult, error) {
	if rate < c.minSpeciationRate && !floatsNearlyEqual(rate, c.minSpeciationRate, rate*1e-6) {
		return nil, &ConfigurationError{
			Op: "Community.Apply",
			Err: fmt.Errorf("speciation rate %v below the simulated minimum %v",
				rate, c.minSpeciationRate),
		}
	}
	for i := uint64(0); i <= c.endData; i++ {
		c.data[i].qReset()
	}
	// Mark every speciating node.
	for i := uint64(1); i <= c.endData; i++ {
		node := &c.data[i]
		if ProtractedSpeciationOccurs(node.SpecRate, rate, node.GenerationsExisted, protracted) {
			node.Speciated = true
		}
	}
	c.nextSpeciesID = 0
	result := &CommunityResult{
		Params: CommunityParameters{
			Reference:              c.nextReference,
			SpeciationRate:         rate,
			Time:                   sampleTime,
			Fragments:              len(c.fragments) > 0,
			MetacommunityReference: c.metaReference,
			Protracted:             protracted,
		},
		Abundances:         make(map[uint64]uint64),
		FragmentAbundances: make(map[string]map[uint64]uint64),
	}
	c.nextReference++
	// Each in-sample tip inherits the identity of its nearest speciated
	// ancestor; speciated ancestors get fresh identities on first reach.
	for i := uint64(1); i <= c.endData; i++ {
		tip := &c.data[i]
		if !tip.Tip || !floatsNearlyEqual(tip.Generation, sampleTime, 1e-6) {
			continue
		}
		j := i
		for !c.data[j].Speciated {
			j = c.data[j].Parent
			if j == 0 {
				return nil, &InvariantError{
					Op:  "Community.Apply",
					Err: fmt.Errorf("tip %d reaches the root without a speciated ancestor", i),
				}
			}
		}
		if c.data[j].SpeciesID == 0 {
			c.data[j].SpeciesID = c.mintSpeciesID()
		}
		id := c.data[j].SpeciesID
		result.Abundances[id]++
		x := tip.X + tip.XWrap*c.xDim
		y := tip.Y + tip.YWrap*c.yDim
		result.Locations = append(result.Locations, SpeciesLocation{SpeciesID: id, X: x, Y: y})
		for _, f := range c.fragments {
			if f.contains(x, y) {
				if result.FragmentAbundances[f.Name] == nil {
					result.FragmentAbundances[f.Name] = make(map[uint64]uint64)
				}
				result.FragmentAbundances[f.Name][id]++
			}
		}
	}
	result.SpeciesRichness = uint64(len(result.Abundances))
	c.log.WithFields(logrus.Fields{
		"speciationRate": rate,
		"time":           sampleTime,
		"species":        result.SpeciesRichness,
	}).Info("community calculation complete")
	return result, nil
}

// mintSpeciesID returns the next species identity: sequential for a
// closed community, drawn from the metacommunity otherwise.
func (c *Community) mintSpeciesID() uint64 {
	if c.meta != nil {
		return c.meta.RandomSpeciesID()
	}
	c.nextSpeciesID++
	return c.nextSpeciesID
}

// ApplyAll runs the full cross product of speciation rates and sample
// times, in ascending order of each.
func (c *Community) ApplyAll(rates, times []float64, protracted ProtractedParams) ([]*CommunityResult, error) {
	rates = append([]float64(nil), rates...)
	times = append([]float64(nil), times...)
	sort.Float64s(rates)
	sort.Float64s(times)
	if len(times) == 0 {
		times = []float64{0}
	}
	var results []*CommunityResult
	for _, r := range rates {
		for _, t := range times {
			res, err := c.Apply(r, t, protracted)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// CumulativeAbundances flattens a result's abundances into a cumulative
// vector ordered by species ID, as consumed by the simulated
// metacommunity sampler.
func CumulativeAbundances(abundances map[uint64]uint64) ([]uint64, []uint64) {
	ids := make([]uint64, 0, len(abundances))
	for id := range abundances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cumulative := make([]uint64, len(ids))
	var total uint64
	for i, id := range ids {
		total += abundances[id]
		cumulative[i] = total
	}
	return ids, cumulative
}
