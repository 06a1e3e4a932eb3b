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

	"github.com/sirupsen/logrus"
)

// Inputs carries the dense grids produced by the raster ingest
// collaborator. Fine is required; everything else may be nil.
type Inputs struct {
	Fine             *Grid
	Coarse           *Grid
	HistoricalFine   *Grid
	HistoricalCoarse *Grid
	SampleMask       *Grid
	Death            *Grid
	Reproduction     *Grid
	Dispersal        *Grid
	Fragments        []Fragment
}

// Simulation wires the engine to its collaborators and drives one run
// from parameters to persisted output.
type Simulation struct {
	p      *Parameters
	inputs *Inputs
	log    *logrus.Entry
	policy CheckPolicy

	rng  *RNG
	tree *SpatialTree
}

// NewSimulation validates the parameters and assembles the engine.
func NewSimulation(p *Parameters, inputs *Inputs, log *logrus.Entry, policy CheckPolicy) (*Simulation, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if inputs == nil || inputs.Fine == nil {
		return nil, &ConfigurationError{Op: "NewSimulation", Err: fmt.Errorf("a fine map is required")}
	}
	rng := NewRNG(p.Seed)
	landscape, err := NewLandscape(p, inputs.Fine, inputs.Coarse,
		inputs.HistoricalFine, inputs.HistoricalCoarse, policy)
	if err != nil {
		return nil, err
	}
	xDim, yDim := p.GridXSize, p.GridYSize
	if xDim == 0 {
		xDim = p.FineXSize
	}
	if yDim == 0 {
		yDim = p.FineYSize
	}
	death := NewActivityMap(inputs.Death, rng, p.FineXOffset, p.FineYOffset, xDim, yDim)
	reproduction := death
	if inputs.Reproduction != nil || inputs.Death == nil || p.ReproductionFile != p.DeathFile {
		reproduction = NewActivityMap(inputs.Reproduction, rng, p.FineXOffset, p.FineYOffset, xDim, yDim)
	}
	mask := NewSampleMask(inputs.SampleMask, p.UsesSpatialSampling,
		p.SampleXOffset, p.SampleYOffset, xDim, yDim)
	// The dispersal coordinator tracks the engine clock through a
	// pointer, so the tree is allocated first and filled in afterwards.
	tree := &SpatialTree{}
	dispersal, err := NewDispersalCoordinator(p, landscape, reproduction, rng,
		&tree.Tree.generation, inputs.Dispersal)
	if err != nil {
		return nil, err
	}
	built, err := NewSpatialTree(p, rng, log, policy, landscape, dispersal, death, reproduction, mask)
	if err != nil {
		return nil, err
	}
	*tree = *built
	return &Simulation{p: p, inputs: inputs, log: log, policy: policy, rng: rng, tree: tree}, nil
}

// Tree exposes the engine, chiefly for tests.
func (sim *Simulation) Tree() *SpatialTree { return sim.tree }

// Stop requests a cooperative halt.
func (sim *Simulation) Stop() { sim.tree.Stop() }

// Run drives the simulation to completion or pause and persists the
// results. The returned error is nil on completion, ErrPaused when the
// run dumped state for resumption, and a typed error otherwise.
func (sim *Simulation) Run() error {
	p := sim.p
	if HasPaused(p.OutputDirectory, p.Task, p.Seed) {
		sim.log.Info("resuming paused simulation")
		if err := sim.tree.Resume(); err != nil {
			return err
		}
	} else {
		if err := sim.checkNotCompleted(); err != nil {
			return err
		}
		if err := sim.tree.Setup(); err != nil {
			return err
		}
	}
	completed, err := sim.tree.Run()
	if err != nil {
		sim.log.WithError(err).Error("simulation failed")
		return err
	}
	if !completed {
		if err := sim.tree.Pause(); err != nil {
			return err
		}
		return ErrPaused
	}
	return sim.Output()
}

// checkNotCompleted refuses to overwrite an existing completed database
// for the same (task, seed).
func (sim *Simulation) checkNotCompleted() error {
	path := OutputPath(sim.p.OutputDirectory, sim.p.Task, sim.p.Seed)
	db, err := OpenDB(path, sim.log)
	if err != nil {
		return nil // nothing usable on disk; the output step recreates it
	}
	defer db.Close()
	if err := db.CreateSchema(); err != nil {
		return nil
	}
	done, err := db.SimulationCompleted()
	if err == nil && done {
		return &ConfigurationError{
			Op:  "Simulation.checkNotCompleted",
			Err: fmt.Errorf("output %s already holds a completed simulation", path),
		}
	}
	return nil
}

// Output validates the genealogy, applies every speciation rate and
// sample time, and writes the full table set. The database handle is
// held only for the span of the writes.
func (sim *Simulation) Output() error {
	tree := sim.tree
	if err := tree.validateGenealogy(); err != nil {
		return err
	}
	db, err := OpenDB(OutputPath(sim.p.OutputDirectory, sim.p.Task, sim.p.Seed), sim.log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.CreateSchema(); err != nil {
		return err
	}
	if err := db.WriteSimulationParameters(sim.p, tree.Complete()); err != nil {
		return err
	}
	data, endData := tree.Genealogy()
	if err := db.WriteSpeciesList(data, endData); err != nil {
		return err
	}
	community := NewCommunity(data, endData, sim.p.MinSpeciationRate,
		tree.gridXSize, tree.gridYSize, sim.log)
	community.SetFragments(sim.inputs.Fragments)
	if m := sim.p.Metacommunity; m != nil {
		var abundances map[uint64]uint64
		if m.Option == MetacommunityDatabase {
			abundances, err = db.MetacommunityAbundances(uint64(m.Reference))
			if err != nil {
				return err
			}
		}
		meta, err := NewMetacommunity(m, sim.rng, tree.startEndActive, abundances, sim.log)
		if err != nil {
			return err
		}
		const metaReference = 1
		if err := db.WriteMetacommunityParameters(metaReference, m); err != nil {
			return err
		}
		community.SetMetacommunity(meta, metaReference)
	}
	maxRef, err := db.MaxCommunityReference()
	if err != nil {
		return err
	}
	community.SetNextReference(maxRef + 1)
	results, err := community.ApplyAll(sim.p.AllSpeciationRates(), sim.p.ReferenceTimes(), sim.p.Protracted)
	if err != nil {
		return err
	}
	for _, result := range results {
		if err := db.WriteCommunity(result); err != nil {
			return err
		}
	}
	sim.log.WithFields(logrus.Fields{
		"database":    db.Path(),
		"communities": len(results),
	}).Info("results written")
	return nil
}

// ApplySpeciationRates re-runs community building against an existing
// output database, appending new community references.
func ApplySpeciationRates(dbPath string, rates, times []float64,
	fragments []Fragment, meta *MetacommunityParams, protracted ProtractedParams,
	log *logrus.Entry) error {

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(rates) == 0 {
		return &ConfigurationError{
			Op:  "ApplySpeciationRates",
			Err: fmt.Errorf("no speciation rates supplied"),
		}
	}
	db, err := OpenDB(dbPath, log)
	if err != nil {
		return err
	}
	defer db.Close()
	data, endData, err := db.ReadSpeciesList()
	if err != nil {
		return err
	}
	if endData == 0 {
		return &ConfigurationError{
			Op:  "ApplySpeciationRates",
			Err: fmt.Errorf("%s holds no genealogy to build communities from", dbPath),
		}
	}
	minRate := rates[0]
	for _, r := range rates {
		if r < minRate {
			minRate = r
		}
	}
	community := NewCommunity(data, endData, minRate, 1, 1, log)
	community.SetFragments(fragments)
	maxRef, err := db.MaxCommunityReference()
	if err != nil {
		return err
	}
	if meta != nil {
		var abundances map[uint64]uint64
		if meta.Option == MetacommunityDatabase {
			abundances, err = db.MetacommunityAbundances(uint64(meta.Reference))
			if err != nil {
				return err
			}
		}
		provider, err := NewMetacommunity(meta, NewRNG(1), endData, abundances, log)
		if err != nil {
			return err
		}
		metaRef := maxRef + 1
		if err := db.WriteMetacommunityParameters(metaRef, meta); err != nil {
			return err
		}
		community.SetMetacommunity(provider, metaRef)
	}
	community.SetNextReference(maxRef + 1)
	results, err := community.ApplyAll(rates, times, protracted)
	if err != nil {
		return err
	}
	for _, result := range results {
		if err := db.WriteCommunity(result); err != nil {
			return err
		}
	}
	return nil
}
