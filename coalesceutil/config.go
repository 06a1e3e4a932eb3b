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

// Package coalesceutil holds the command-line interface and configuration
// handling for the coalesce simulator: cobra commands over a viper
// configuration, plus the raster ingest used to feed the engine.
package coalesceutil

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/spatialecology/coalesce"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

// LoadParameters materialises the engine's parameter record from the
// configuration.
func LoadParameters(cfg *viper.Viper) (*coalesce.Parameters, error) {
	p := &coalesce.Parameters{
		Seed:              cast.ToInt64(cfg.Get("seed")),
		Task:              cast.ToInt64(cfg.Get("task")),
		OutputDirectory:   os.ExpandEnv(cast.ToString(cfg.Get("output"))),
		MaxTime:           cast.ToInt64(cfg.Get("maxtime")),
		Deme:              cast.ToUint64(cfg.Get("deme")),
		DemeSample:        cast.ToFloat64(cfg.Get("demesample")),
		MinSpeciationRate: cast.ToFloat64(cfg.Get("speciationrate")),
		DesiredSpecies:    cast.ToUint64(cfg.Get("desiredspecies")),
		Times:             toFloat64Slice(cfg.Get("times")),

		DispersalMethod:       cast.ToString(cfg.Get("dispersalmethod")),
		Sigma:                 cast.ToFloat64(cfg.Get("sigma")),
		Tau:                   cast.ToFloat64(cfg.Get("tau")),
		MProbability:          cast.ToFloat64(cfg.Get("mprobability")),
		Cutoff:                cast.ToFloat64(cfg.Get("cutoff")),
		RestrictSelf:          cast.ToBool(cfg.Get("restrictself")),
		LandscapeType:         cast.ToString(cfg.Get("landscapetype")),
		DispersalFile:         os.ExpandEnv(cast.ToString(cfg.Get("dispersalfile"))),
		DispersalRelativeCost: cast.ToFloat64(cfg.Get("dispersalrelativecost")),

		FineFile:    os.ExpandEnv(cast.ToString(cfg.Get("finemap"))),
		FineXSize:   cast.ToInt(cfg.Get("finemapxsize")),
		FineYSize:   cast.ToInt(cfg.Get("finemapysize")),
		FineXOffset: cast.ToInt(cfg.Get("finemapxoffset")),
		FineYOffset: cast.ToInt(cfg.Get("finemapyoffset")),

		CoarseFile:    os.ExpandEnv(cast.ToString(cfg.Get("coarsemap"))),
		CoarseXSize:   cast.ToInt(cfg.Get("coarsemapxsize")),
		CoarseYSize:   cast.ToInt(cfg.Get("coarsemapysize")),
		CoarseXOffset: cast.ToInt(cfg.Get("coarsemapxoffset")),
		CoarseYOffset: cast.ToInt(cfg.Get("coarsemapyoffset")),
		Scale:         cast.ToFloat64(cfg.Get("coarsemapscale")),

		HistoricalFineFile:   os.ExpandEnv(cast.ToString(cfg.Get("historicalfinemap"))),
		HistoricalCoarseFile: os.ExpandEnv(cast.ToString(cfg.Get("historicalcoarsemap"))),
		GenSinceHistorical:   cast.ToFloat64(cfg.Get("gensincehistorical")),
		HabitatChangeRate:    cast.ToFloat64(cfg.Get("habitatchangerate")),

		SampleMaskFile:      os.ExpandEnv(cast.ToString(cfg.Get("samplemask"))),
		SampleXSize:         cast.ToInt(cfg.Get("samplexsize")),
		SampleYSize:         cast.ToInt(cfg.Get("sampleysize")),
		SampleXOffset:       cast.ToInt(cfg.Get("samplexoffset")),
		SampleYOffset:       cast.ToInt(cfg.Get("sampleyoffset")),
		GridXSize:           cast.ToInt(cfg.Get("gridxsize")),
		GridYSize:           cast.ToInt(cfg.Get("gridysize")),
		UsesSpatialSampling: cast.ToBool(cfg.Get("spatialsampling")),

		DeathFile:        os.ExpandEnv(cast.ToString(cfg.Get("deathmap"))),
		ReproductionFile: os.ExpandEnv(cast.ToString(cfg.Get("reproductionmap"))),

		SpeciationRates: toFloat64Slice(cfg.Get("speciationrates")),
		FragmentFile:    os.ExpandEnv(cast.ToString(cfg.Get("fragmentfile"))),

		GillespieThreshold: cast.ToUint64(cfg.Get("gillespiethreshold")),
	}
	if min := cast.ToFloat64(cfg.Get("minspeciationgen")); min > 0 ||
		cast.ToFloat64(cfg.Get("maxspeciationgen")) > 0 {
		p.Protracted = coalesce.ProtractedParams{
			MinSpeciationGen: min,
			MaxSpeciationGen: cast.ToFloat64(cfg.Get("maxspeciationgen")),
		}
	}
	if option := cast.ToString(cfg.Get("metacommunityoption")); option != "" && option != "none" {
		p.Metacommunity = &coalesce.MetacommunityParams{
			Size:           cast.ToUint64(cfg.Get("metacommunitysize")),
			SpeciationRate: cast.ToFloat64(cfg.Get("metacommunityrate")),
			Option:         option,
			Reference:      cast.ToInt64(cfg.Get("metacommunityreference")),
		}
	}
	// Fill dimensions from the maps when the configuration leaves them
	// unset; the engine requires them to agree with the rasters anyway.
	if p.FineFile != "" && (p.FineXSize == 0 || p.FineYSize == 0) {
		fine, err := ReadRaster(p.FineFile)
		if err != nil {
			return nil, err
		}
		p.FineXSize = fine.Cols()
		p.FineYSize = fine.Rows()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadInputs reads every raster the parameter record names.
func LoadInputs(p *coalesce.Parameters) (*coalesce.Inputs, error) {
	fine, err := ReadRaster(p.FineFile)
	if err != nil {
		return nil, err
	}
	inputs := &coalesce.Inputs{Fine: fine}
	if inputs.Coarse, err = readOptionalRaster(p.CoarseFile); err != nil {
		return nil, err
	}
	if inputs.HistoricalFine, err = readOptionalRaster(p.HistoricalFineFile); err != nil {
		return nil, err
	}
	if inputs.HistoricalCoarse, err = readOptionalRaster(p.HistoricalCoarseFile); err != nil {
		return nil, err
	}
	if inputs.SampleMask, err = readOptionalRaster(p.SampleMaskFile); err != nil {
		return nil, err
	}
	if inputs.Death, err = readOptionalRaster(p.DeathFile); err != nil {
		return nil, err
	}
	if inputs.Reproduction, err = readOptionalRaster(p.ReproductionFile); err != nil {
		return nil, err
	}
	if inputs.Dispersal, err = readOptionalRaster(p.DispersalFile); err != nil {
		return nil, err
	}
	if inputs.Fragments, err = ReadFragments(p.FragmentFile); err != nil {
		return nil, err
	}
	return inputs, nil
}

// toFloat64Slice coerces a configuration value (list or comma-joined
// string) into floats.
func toFloat64Slice(v interface{}) []float64 {
	items := cast.ToSlice(v)
	if items == nil {
		for _, s := range cast.ToStringSlice(v) {
			items = append(items, s)
		}
	}
	var out []float64
	for _, item := range items {
		out = append(out, cast.ToFloat64(item))
	}
	return out
}

// checkOutputDirectory makes sure the output location is usable before a
// long simulation starts.
func checkOutputDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("there is no output directory specified; fill in the " +
			"output configuration and try again")
	}
	return os.MkdirAll(dir, 0755)
}
