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
	"sort"

	"github.com/sirupsen/logrus"
)

// SpeciesAbundanceProvider draws the species identity of an individual
// sampled uniformly from a spatially-implicit neutral metacommunity.
//
// Every provider maintains the invariant that after N draws the backing
// metacommunity has seen at least N individuals.
type SpeciesAbundanceProvider interface {
	RandomSpeciesID() uint64
}

// NewMetacommunity builds the provider selected by the parameter record.
// localCommunitySize is the number of identity draws the community
// builder may need; the analytical provider asserts it has covered at
// least that many individuals. abundances supplies the database option.
func NewMetacommunity(m *MetacommunityParams, rng *RNG, localCommunitySize uint64,
	abundances map[uint64]uint64, log *logrus.Entry) (SpeciesAbundanceProvider, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	switch m.Option {
	case MetacommunitySimulated:
		return newSimulatedAbundances(m, rng, log)
	case MetacommunityAnalytical:
		return newAnalyticalAbundances(m, rng, localCommunitySize)
	case MetacommunityDatabase:
		return newTabulatedAbundances(abundances, rng)
	default:
		return nil, &ConfigurationError{
			Op:  "NewMetacommunity",
			Err: fmt.Errorf("unknown metacommunity option %q", m.Option),
		}
	}
}

// simulatedAbundances tabulates species abundances from a completed
// non-spatial neutral coalescent of the metacommunity, then samples an
// individual uniformly per draw.
type simulatedAbundances struct {
	rng        *RNG
	ids        []uint64
	cumulative []uint64
	total      uint64
}

func newSimulatedAbundances(m *MetacommunityParams, rng *RNG, log *logrus.Entry) (*simulatedAbundances, error) {
	params := &Parameters{
		Seed:              int64(rng.UintIn(math.MaxInt32)) + 1,
		Task:              1,
		OutputDirectory:   ".",
		Deme:              m.Size,
		DemeSample:        1,
		MinSpeciationRate: m.SpeciationRate,
	}
	tree := NewTree(params, rng, log.WithField("component", "metacommunity"), CheckPolicy{})
	if err := tree.Setup(); err != nil {
		return nil, err
	}
	completed, err := tree.Run()
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, &ConfigurationError{
			Op:  "newSimulatedAbundances",
			Err: fmt.Errorf("metacommunity coalescent of %d individuals did not complete", m.Size),
		}
	}
	if err := tree.validateGenealogy(); err != nil {
		return nil, err
	}
	data, endData := tree.Genealogy()
	community := NewCommunity(data, endData, m.SpeciationRate, 1, 1,
		log.WithField("component", "metacommunity"))
	result, err := community.Apply(m.SpeciationRate, 0, ProtractedParams{})
	if err != nil {
		return nil, err
	}
	ids, cumulative := CumulativeAbundances(result.Abundances)
	s := &simulatedAbundances{rng: rng, ids: ids, cumulative: cumulative}
	if len(cumulative) > 0 {
		s.total = cumulative[len(cumulative)-1]
	}
	if s.total == 0 {
		return nil, &InvariantError{
			Op:  "newSimulatedAbundances",
			Err: fmt.Errorf("simulated metacommunity holds no individuals"),
		}
	}
	return s, nil
}

// RandomSpeciesID samples an individual uniformly and returns the species
// containing it.
func (s *simulatedAbundances) RandomSpeciesID() uint64 {
	individual := s.rng.UintIn(s.total - 1)
	i := sort.Search(len(s.cumulative), func(i int) bool {
		return s.cumulative[i] > individual
	})
	return s.ids[i]
}

// analyticalAbundances generates the metacommunity from the neutral
// species abundance closed form: expected richness from the fundamental
// biodiversity number, abundances from a logarithmic distribution,
// species minted incrementally until the community is covered.
type analyticalAbundances struct {
	rng            *RNG
	size           uint64
	speciationRate float64

	// indCumulative and indSpecies map cumulative individual counts to species IDs; a
	// draw picks an individual and upper-bound-searches its species.
	indCumulative []uint64
	indSpecies    []uint64
	seen          uint64
	maxSpeciesID  uint64
}

func newAnalyticalAbundances(m *MetacommunityParams, rng *RNG, localCommunitySize uint64) (*analyticalAbundances, error) {
	a := &analyticalAbundances{
		rng:            rng,
		size:           m.Size,
		speciationRate: m.SpeciationRate,
	}
	richness := nseSpeciesRichness(m.Size, m.SpeciationRate)
	for i := uint64(0); i < richness && a.seen < a.size; i++ {
		a.addNewSpecies()
	}
	for a.seen < localCommunitySize && a.seen < a.size {
		a.addNewSpecies()
	}
	// Required postcondition: the pool must cover the local community.
	if a.seen < localCommunitySize {
		return nil, &InvariantError{
			Op: "newAnalyticalAbundances",
			Err: fmt.Errorf("seen individuals (%d) below local community size (%d)",
				a.seen, localCommunitySize),
		}
	}
	return a, nil
}

// nseSpeciesRichness is the expected species richness of a neutral
// community of size J with speciation rate nu, via the fundamental
// biodiversity number theta = nu(J-1)/(1-nu).
func nseSpeciesRichness(size uint64, nu float64) uint64 {
	j := float64(size)
	theta := nu * (j - 1) / (1 - nu)
	if theta <= 0 {
		return 1
	}
	richness := theta * math.Log(1+(j-1)/theta)
	if richness < 1 {
		richness = 1
	}
	return uint64(richness)
}

func (a *analyticalAbundances) addNewSpecies() {
	a.maxSpeciesID++
	var abundance uint64
	for {
		abundance = a.rng.Logarithmic(1 - a.speciationRate)
		if abundance <= a.size-a.seen {
			break
		}
		if a.size == a.seen {
			abundance = 0
			break
		}
	}
	if abundance == 0 {
		return
	}
	a.seen += abundance
	a.indCumulative = append(a.indCumulative, a.seen)
	a.indSpecies = append(a.indSpecies, a.maxSpeciesID)
}

// RandomSpeciesID samples an individual uniformly from the whole
// metacommunity, minting species lazily for individuals beyond those
// seen so far.
func (a *analyticalAbundances) RandomSpeciesID() uint64 {
	individual := a.rng.UintIn(a.size - 1)
	if individual >= a.seen {
		a.addNewSpecies()
		return a.maxSpeciesID
	}
	i := sort.Search(len(a.indCumulative), func(i int) bool {
		return a.indCumulative[i] > individual
	})
	return a.indSpecies[i]
}

// tabulatedAbundances samples from species abundances supplied by an
// external database row set.
type tabulatedAbundances struct {
	rng        *RNG
	ids        []uint64
	cumulative []uint64
	total      uint64
}

func newTabulatedAbundances(abundances map[uint64]uint64, rng *RNG) (*tabulatedAbundances, error) {
	if len(abundances) == 0 {
		return nil, &ConfigurationError{
			Op:  "newTabulatedAbundances",
			Err: fmt.Errorf("metacommunity database option supplied no abundances"),
		}
	}
	ids, cumulative := CumulativeAbundances(abundances)
	t := &tabulatedAbundances{rng: rng, ids: ids, cumulative: cumulative}
	t.total = cumulative[len(cumulative)-1]
	if t.total == 0 {
		return nil, &ConfigurationError{
			Op:  "newTabulatedAbundances",
			Err: fmt.Errorf("tabulated metacommunity holds no individuals"),
		}
	}
	return t, nil
}

func (t *tabulatedAbundances) RandomSpeciesID() uint64 {
	individual := t.rng.UintIn(t.total - 1)
	i := sort.Search(len(t.cumulative), func(i int) bool {
		return t.cumulative[i] > individual
	})
	return t.ids[i]
}
