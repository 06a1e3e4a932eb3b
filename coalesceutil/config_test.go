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

package coalesceutil

import (
	"reflect"
	"testing"

	"github.com/spf13/viper"

	"github.com/spatialecology/coalesce"
)

func baseConfig(t *testing.T) *viper.Viper {
	t.Helper()
	cfg := viper.New()
	cfg.Set("seed", 5)
	cfg.Set("task", 2)
	cfg.Set("output", t.TempDir())
	cfg.Set("deme", 10)
	cfg.Set("demesample", 0.5)
	cfg.Set("speciationrate", 0.001)
	cfg.Set("dispersalmethod", "normal")
	cfg.Set("sigma", 2.5)
	cfg.Set("landscapetype", "closed")
	cfg.Set("finemap", writeFile(t, "fine.asc", "1 1\n1 1\n"))
	return cfg
}

func TestLoadParameters(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Set("times", []string{"0", "50"})
	cfg.Set("speciationrates", []string{"0.01", "0.1"})
	p, err := LoadParameters(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Seed != 5 || p.Task != 2 || p.Deme != 10 || p.DemeSample != 0.5 {
		t.Errorf("scalar parameters misread: %+v", p)
	}
	if p.Sigma != 2.5 || p.DispersalMethod != coalesce.DispersalNormal {
		t.Errorf("dispersal parameters misread: %+v", p)
	}
	// Dimensions are filled from the raster when unset.
	if p.FineXSize != 2 || p.FineYSize != 2 {
		t.Errorf("fine dimensions %dx%d, want 2x2", p.FineXSize, p.FineYSize)
	}
	if !reflect.DeepEqual(p.Times, []float64{0, 50}) {
		t.Errorf("times %v, want [0 50]", p.Times)
	}
	if !reflect.DeepEqual(p.SpeciationRates, []float64{0.01, 0.1}) {
		t.Errorf("speciation rates %v, want [0.01 0.1]", p.SpeciationRates)
	}
	if p.Metacommunity != nil || p.Protracted.Active() {
		t.Error("optional blocks should stay unset")
	}
}

func TestLoadParametersOptionalBlocks(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Set("minspeciationgen", 10)
	cfg.Set("maxspeciationgen", 100)
	cfg.Set("metacommunityoption", "simulated")
	cfg.Set("metacommunitysize", 5000)
	cfg.Set("metacommunityrate", 0.01)
	p, err := LoadParameters(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Protracted.Active() || p.Protracted.MaxSpeciationGen != 100 {
		t.Errorf("protracted window misread: %+v", p.Protracted)
	}
	if p.Metacommunity == nil || p.Metacommunity.Size != 5000 {
		t.Errorf("metacommunity misread: %+v", p.Metacommunity)
	}
}

func TestLoadParametersRejectsBadConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Set("speciationrate", 0)
	if _, err := LoadParameters(cfg); err == nil {
		t.Error("zero speciation rate accepted")
	}
}

func TestLoadInputs(t *testing.T) {
	cfg := baseConfig(t)
	p, err := LoadParameters(cfg)
	if err != nil {
		t.Fatal(err)
	}
	inputs, err := LoadInputs(p)
	if err != nil {
		t.Fatal(err)
	}
	if inputs.Fine == nil || inputs.Fine.Rows() != 2 {
		t.Error("fine map not loaded")
	}
	if inputs.Coarse != nil || inputs.Dispersal != nil || inputs.Death != nil {
		t.Error("unset rasters should load as nil")
	}
}
