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
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spatialecology/coalesce"
)

// Root is the main command.
var Root = &cobra.Command{
	Use:   "coalesce",
	Short: "coalesce is a backwards-in-time simulator for spatially explicit neutral ecology.",
	Long: `coalesce reconstructs the genealogy of a sampled set of individuals on a
landscape of per-cell carrying capacities, under a configurable dispersal
kernel, until every lineage has coalesced or speciated. Species identities,
abundances and spatial distributions are derived for one or more speciation
rates and written to an SQLite database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile := Cfg.GetString("config"); cfgFile != "" {
			Cfg.SetConfigFile(cfgFile)
			if err := Cfg.ReadInConfig(); err != nil {
				return fmt.Errorf("reading configuration file: %w", err)
			}
		}
		if Cfg.GetBool("strict") {
			checkPolicy = coalesce.StrictChecks()
		}
		return nil
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a simulation, resuming from a pause dump when one exists.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := LoadParameters(Cfg)
		if err != nil {
			return err
		}
		if err := checkOutputDirectory(p.OutputDirectory); err != nil {
			return &coalesce.ResourceError{Path: p.OutputDirectory, Err: err}
		}
		inputs, err := LoadInputs(p)
		if err != nil {
			return &coalesce.ConfigurationError{Op: "LoadInputs", Err: err}
		}
		sim, err := coalesce.NewSimulation(p, inputs, log, checkPolicy)
		if err != nil {
			return err
		}
		return sim.Run()
	},
}

var communityCmd = &cobra.Command{
	Use:   "community",
	Short: "apply further speciation rates to an existing simulation output.",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := Cfg.GetString("database")
		if dbPath == "" {
			p, err := LoadParameters(Cfg)
			if err != nil {
				return err
			}
			dbPath = coalesce.OutputPath(p.OutputDirectory, p.Task, p.Seed)
		}
		rates := toFloat64Slice(Cfg.Get("speciationrates"))
		if len(rates) == 0 {
			return &coalesce.ConfigurationError{
				Op:  "community",
				Err: fmt.Errorf("no speciation rates supplied"),
			}
		}
		times := toFloat64Slice(Cfg.Get("times"))
		fragments, err := ReadFragments(Cfg.GetString("fragmentfile"))
		if err != nil {
			return &coalesce.ConfigurationError{Op: "community", Err: err}
		}
		var meta *coalesce.MetacommunityParams
		if option := Cfg.GetString("metacommunityoption"); option != "" && option != "none" {
			meta = &coalesce.MetacommunityParams{
				Size:           Cfg.GetUint64("metacommunitysize"),
				SpeciationRate: Cfg.GetFloat64("metacommunityrate"),
				Option:         option,
				Reference:      Cfg.GetInt64("metacommunityreference"),
			}
		}
		var protracted coalesce.ProtractedParams
		if min := Cfg.GetFloat64("minspeciationgen"); min > 0 || Cfg.GetFloat64("maxspeciationgen") > 0 {
			protracted = coalesce.ProtractedParams{
				MinSpeciationGen: min,
				MaxSpeciationGen: Cfg.GetFloat64("maxspeciationgen"),
			}
		}
		return coalesce.ApplySpeciationRates(dbPath, rates, times, fragments, meta, protracted, log)
	},
}

var (
	log         = logrus.NewEntry(logrus.StandardLogger())
	checkPolicy coalesce.CheckPolicy
)

// options are the configuration options available to the simulator, each
// bound to the flag sets of the commands that use it.
var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	Cfg = viper.New()
	Root.AddCommand(runCmd, communityCmd)
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name:       "config",
			usage:      `config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name:       "strict",
			usage:      `strict enables every runtime self-check (heap, lineage and historical-regression validation).`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name:       "seed",
			usage:      `seed sets the random number seed for the simulation.`,
			shorthand:  "s",
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name:       "task",
			usage:      `task is the job reference number, used to label the output database.`,
			shorthand:  "t",
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name:       "output",
			usage:      `output is the directory the results database and pause dumps are written to.`,
			shorthand:  "o",
			defaultVal: "output",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name:       "maxtime",
			usage:      `maxtime is the wall-clock budget in seconds before the simulation pauses; 0 means unlimited.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "deme",
			usage:      `deme is the default number of individuals a cell of density 1 carries.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "demesample",
			usage:      `demesample is the proportion of each deme sampled into the initial lineage set.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "speciationrate",
			usage:      `speciationrate is the minimum speciation rate simulated.`,
			defaultVal: 1e-6,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "speciationrates",
			usage:      `speciationrates lists additional rates applied during community building.`,
			defaultVal: []float64{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "desiredspecies",
			usage:      `desiredspecies halts the simulation early once the richness estimate falls to this count; 0 disables.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "times",
			usage:      `times lists past generations at which the community is sampled again.`,
			defaultVal: []float64{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "dispersalmethod",
			usage:      `dispersalmethod selects the kernel: normal, fat-tail, norm-uniform or empirical.`,
			defaultVal: "normal",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "sigma",
			usage:      `sigma is the dispersal kernel scale, in fine-map cells.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "tau",
			usage:      `tau is the fat-tailed kernel shape.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "mprobability",
			usage:      `mprobability is the uniform component weight of the norm-uniform kernel.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "cutoff",
			usage:      `cutoff bounds the uniform component of the norm-uniform kernel.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "restrictself",
			usage:      `restrictself rejects dispersal events that land on the source cell.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "landscapetype",
			usage:      `landscapetype selects the boundary policy: closed, infinite, tiled_fine or tiled_coarse.`,
			defaultVal: "closed",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "dispersalfile",
			usage:      `dispersalfile is the empirical dispersal matrix raster, one row per source fine cell.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "dispersalrelativecost",
			usage:      `dispersalrelativecost elongates traversal through zero-density cells.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "finemap",
			usage:      `finemap is the fine-resolution density raster.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "coarsemap",
			usage:      `coarsemap is the coarse-resolution density raster overlaying the fine map.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "coarsemapscale",
			usage:      `coarsemapscale is the coarse/fine cell edge ratio.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "historicalfinemap",
			usage:      `historicalfinemap is the fine density raster of the historical epoch.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "historicalcoarsemap",
			usage:      `historicalcoarsemap is the coarse density raster of the historical epoch.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "gensincehistorical",
			usage:      `gensincehistorical is the generation at which the historical epoch applies.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "habitatchangerate",
			usage:      `habitatchangerate scales the interpolation towards the historical epoch.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "samplemask",
			usage:      `samplemask selects which cells, and what fraction of each, seed the initial lineages.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "spatialsampling",
			usage:      `spatialsampling treats the sample mask as exact per-cell fractions rather than membership.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "deathmap",
			usage:      `deathmap is the per-cell death weight raster.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "reproductionmap",
			usage:      `reproductionmap is the per-cell reproduction weight raster.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "minspeciationgen",
			usage:      `minspeciationgen is the lower bound of the protracted speciation window.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "maxspeciationgen",
			usage:      `maxspeciationgen is the upper bound of the protracted speciation window.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "metacommunityoption",
			usage:      `metacommunityoption selects the ancestral pool: simulated, analytical or database.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "metacommunitysize",
			usage:      `metacommunitysize is the number of individuals in the metacommunity.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "metacommunityrate",
			usage:      `metacommunityrate is the metacommunity speciation rate.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "metacommunityreference",
			usage:      `metacommunityreference names the external database row for the database option.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "fragmentfile",
			usage:      `fragmentfile lists named fragments as "name,xmin,ymin,xmax,ymax" rows.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), communityCmd.Flags()},
		},
		{
			name:       "gillespiethreshold",
			usage:      `gillespiethreshold switches to the Gillespie algorithm below this live-lineage count; 0 disables.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name:       "database",
			usage:      `database is the existing output file the community command appends to.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{communityCmd.Flags()},
		},
	}
	for _, option := range options {
		for _, set := range option.flagsets {
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			case []float64:
				var strs []string
				for _, f := range v {
					strs = append(strs, cast.ToString(f))
				}
				set.StringSliceP(option.name, option.shorthand, strs, option.usage)
			default:
				panic(fmt.Sprintf("unsupported default type for option %s", option.name))
			}
			if flag := set.Lookup(option.name); flag != nil {
				if err := Cfg.BindPFlag(option.name, flag); err != nil {
					panic(err)
				}
			}
		}
		Cfg.SetDefault(option.name, option.defaultVal)
	}
}

// Execute runs the root command and maps the outcome to a process exit
// status.
func Execute() int {
	err := Root.Execute()
	if err != nil && err != coalesce.ErrPaused {
		log.WithError(err).Error("run failed")
	}
	return coalesce.ExitCode(err)
}
