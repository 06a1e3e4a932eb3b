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
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// pauseState is the full engine state written on pause. The protracted
// sentinel leads the record; restore compares it with the running mode
// before applying any other state and refuses a resume under a different
// speciation mode. The whole record is decoded before that comparison.
type pauseState struct {
	Protracted bool

	Seed           int64
	Task           int64
	EndActive      uint64
	EndData        uint64
	StartEndActive uint64
	MaxSimSize     uint64
	Generation     float64
	Steps          float64
	Spec           float64
	Deme           uint64
	DemeSample     float64
	TimeReference  int
	TimeTaken      time.Duration
	RNGState       []byte

	IsHistorical   bool
	CurrentMapTime float64

	Active []Lineage
	Data   []TreeNode
}

// PausePath returns the dump location for a (task, seed) pair.
func PausePath(outputDirectory string, task, seed int64) string {
	return filepath.Join(outputDirectory, "Pause", fmt.Sprintf("Dump_main_%d_%d.gob", task, seed))
}

// HasPaused reports whether a pause dump exists for the run.
func HasPaused(outputDirectory string, task, seed int64) bool {
	_, err := os.Stat(PausePath(outputDirectory, task, seed))
	return err == nil
}

// snapshot collects the engine state for dumping.
func (t *Tree) snapshot(isHistorical bool, currentMapTime float64) (*pauseState, error) {
	rngState, err := t.rng.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("coalesce: Tree.snapshot: %w", err)
	}
	return &pauseState{
		Protracted:     t.protracted.Active(),
		Seed:           t.p.Seed,
		Task:           t.p.Task,
		EndActive:      t.endActive,
		EndData:        t.endData,
		StartEndActive: t.startEndActive,
		MaxSimSize:     t.maxSimSize,
		Generation:     t.generation,
		Steps:          t.steps,
		Spec:           t.spec,
		Deme:           t.deme,
		DemeSample:     t.demeSample,
		TimeReference:  t.timeReference,
		TimeTaken:      t.timeTaken,
		RNGState:       rngState,
		IsHistorical:   isHistorical,
		CurrentMapTime: currentMapTime,
		Active:         t.active[:t.endActive+1],
		Data:           t.data[:t.endData+1],
	}, nil
}

// restore applies a dump to the engine, verifying the protracted
// sentinel.
func (t *Tree) restore(state *pauseState) error {
	if state.Protracted != t.protracted.Active() {
		if state.Protracted {
			return &ConfigurationError{
				Op:  "Tree.restore",
				Err: fmt.Errorf("paused simulation used protracted speciation; this run does not"),
			}
		}
		return &ConfigurationError{
			Op:  "Tree.restore",
			Err: fmt.Errorf("paused simulation did not use protracted speciation; this run does"),
		}
	}
	if state.Seed != t.p.Seed || state.Task != t.p.Task {
		return &ConfigurationError{
			Op: "Tree.restore",
			Err: fmt.Errorf("dump is for task %d seed %d, parameters specify task %d seed %d",
				state.Task, state.Seed, t.p.Task, t.p.Seed),
		}
	}
	if err := t.rng.UnmarshalBinary(state.RNGState); err != nil {
		return fmt.Errorf("coalesce: Tree.restore: %w", err)
	}
	t.endActive = state.EndActive
	t.endData = state.EndData
	t.startEndActive = state.StartEndActive
	t.maxSimSize = state.MaxSimSize
	t.generation = state.Generation
	t.steps = state.Steps
	t.spec = state.Spec
	t.deme = state.Deme
	t.demeSample = state.DemeSample
	t.timeReference = state.TimeReference
	t.timeTaken = state.TimeTaken
	t.setObjectSizes(state.EndActive)
	t.checkSimSize(state.EndData, state.EndActive)
	copy(t.active, state.Active)
	copy(t.data, state.Data)
	return nil
}

// dump writes the engine state. Failing to create the pause directory
// falls back to writing beside it in the output directory before giving
// up.
func (t *Tree) dump(state *pauseState) error {
	pauseDir := filepath.Join(t.p.OutputDirectory, "Pause")
	path := PausePath(t.p.OutputDirectory, t.p.Task, t.p.Seed)
	if err := os.MkdirAll(pauseDir, 0755); err != nil {
		t.log.WithField("dir", pauseDir).WithError(err).Warn(
			"cannot create pause directory, writing to output directory")
		path = filepath.Join(t.p.OutputDirectory,
			fmt.Sprintf("Dump_main_%d_%d.gob", t.p.Task, t.p.Seed))
	}
	f, err := os.Create(path)
	if err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	defer f.Close()
	if err := writePause(f, state); err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	t.log.WithField("path", path).Info("wrote pause dump")
	return nil
}

func writePause(w io.Writer, state *pauseState) error {
	enc := gob.NewEncoder(w)
	// The sentinel is encoded first and alone. readPause decodes it and
	// then the full state; the mode check itself happens in restore.
	if err := enc.Encode(state.Protracted); err != nil {
		return err
	}
	return enc.Encode(state)
}

func readPause(r io.Reader) (*pauseState, error) {
	dec := gob.NewDecoder(r)
	var protracted bool
	if err := dec.Decode(&protracted); err != nil {
		return nil, err
	}
	state := new(pauseState)
	if err := dec.Decode(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Pause dumps the well-mixed engine's state.
func (t *Tree) Pause() error {
	state, err := t.snapshot(false, 0)
	if err != nil {
		return err
	}
	return t.dump(state)
}

// Resume restores the well-mixed engine from its pause dump.
func (t *Tree) Resume() error {
	path := PausePath(t.p.OutputDirectory, t.p.Task, t.p.Seed)
	f, err := os.Open(path)
	if err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	defer f.Close()
	state, err := readPause(f)
	if err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	return t.restore(state)
}

// Pause dumps the spatial engine's state, including the landscape epoch.
func (s *SpatialTree) Pause() error {
	state, err := s.snapshot(s.landscape.isHistorical, s.landscape.currentMapTime)
	if err != nil {
		return err
	}
	return s.dump(state)
}

// Resume restores the spatial engine from its pause dump and rebuilds
// the per-cell lineage index from the active table.
func (s *SpatialTree) Resume() error {
	path := PausePath(s.p.OutputDirectory, s.p.Task, s.p.Seed)
	f, err := os.Open(path)
	if err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	defer f.Close()
	state, err := readPause(f)
	if err != nil {
		return &ResourceError{Path: path, Err: err}
	}
	if err := s.restore(state); err != nil {
		return err
	}
	s.landscape.restoreEpoch(state.IsHistorical, state.CurrentMapTime)
	return s.rebuildGrid()
}

// rebuildGrid reconstructs every cell list and wrap-chain head from the
// restored active table; chain interior links travel inside the lineages
// themselves.
func (s *SpatialTree) rebuildGrid() error {
	s.grid = make([][]SpeciesList, s.gridYSize)
	for y := range s.grid {
		s.grid[y] = make([]SpeciesList, s.gridXSize)
		for x := range s.grid[y] {
			s.grid[y][x].Initialise(
				s.landscape.Capacity(float64(x), float64(y), 0, 0, s.generation))
		}
	}
	for i := uint64(1); i <= s.endActive; i++ {
		l := &s.active[i]
		cell := &s.grid[l.Y][l.X]
		if l.XWrap == 0 && l.YWrap == 0 {
			if err := cell.SetLineageEmpty(l.ListPosition, i); err != nil {
				return &InvariantError{Op: "SpatialTree.rebuildGrid", Err: err}
			}
		} else {
			if l.NWrap == 0 {
				return &InvariantError{
					Op:  "SpatialTree.rebuildGrid",
					Err: fmt.Errorf("lineage %d wrapped but nwrap is 0", i),
				}
			}
			if l.NWrap == 1 {
				cell.SetNext(i)
			}
			cell.IncreaseNWrap()
		}
	}
	if s.policy.ValidateLineages {
		return s.ValidateLineages()
	}
	return nil
}
