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
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // database/sql driver
)

// DB is the relational results sink: a SQLite database holding the
// simulation parameters, the raw genealogy, and the community tables.
type DB struct {
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// OutputPath returns the canonical database location for a (task, seed)
// pair under the output directory.
func OutputPath(outputDirectory string, task, seed int64) string {
	return filepath.Join(outputDirectory, fmt.Sprintf("data_%d_%d.db", task, seed))
}

// OpenDB opens (creating if needed) the database at path, retrying
// transient failures such as file locks with exponential backoff for up
// to ten retries after the first attempt.
func OpenDB(path string, log *logrus.Entry) (*DB, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ResourceError{Path: dir, Err: err}
		}
	}
	var db *sql.DB
	operation := func() error {
		var err error
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return err
		}
		if err = db.Ping(); err != nil {
			db.Close()
			return err
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, 10)); err != nil {
		return nil, &TransientIOError{Op: "OpenDB " + path, Err: err}
	}
	return &DB{db: db, path: path, log: log}, nil
}

// Close releases the database handle.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the backing file location.
func (d *DB) Path() string { return d.path }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS SIMULATION_PARAMETERS (
		seed INTEGER NOT NULL, task INTEGER NOT NULL,
		output_dir TEXT NOT NULL, max_time INTEGER NOT NULL,
		deme INTEGER NOT NULL, deme_sample REAL NOT NULL,
		speciation_rate REAL NOT NULL, desired_species INTEGER NOT NULL,
		times_file TEXT NOT NULL,
		dispersal_method TEXT NOT NULL, sigma REAL NOT NULL, tau REAL NOT NULL,
		m_probability REAL NOT NULL, cutoff REAL NOT NULL,
		dispersal_relative_cost REAL NOT NULL,
		restrict_self INTEGER NOT NULL, landscape_type TEXT NOT NULL,
		dispersal_map TEXT NOT NULL,
		fine_map_file TEXT NOT NULL, fine_map_x INTEGER NOT NULL,
		fine_map_y INTEGER NOT NULL, fine_map_x_offset INTEGER NOT NULL,
		fine_map_y_offset INTEGER NOT NULL,
		coarse_map_file TEXT NOT NULL, coarse_map_x INTEGER NOT NULL,
		coarse_map_y INTEGER NOT NULL, coarse_map_x_offset INTEGER NOT NULL,
		coarse_map_y_offset INTEGER NOT NULL, coarse_map_scale REAL NOT NULL,
		historical_fine_map TEXT NOT NULL, historical_coarse_map TEXT NOT NULL,
		gen_since_historical REAL NOT NULL, habitat_change_rate REAL NOT NULL,
		sample_file TEXT NOT NULL, sample_x INTEGER NOT NULL,
		sample_y INTEGER NOT NULL, sample_x_offset INTEGER NOT NULL,
		sample_y_offset INTEGER NOT NULL,
		grid_x INTEGER NOT NULL, grid_y INTEGER NOT NULL,
		protracted INTEGER NOT NULL, min_speciation_gen REAL NOT NULL,
		max_speciation_gen REAL NOT NULL,
		sim_complete INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS SPECIES_LIST (
		node_id INTEGER PRIMARY KEY NOT NULL, parent INTEGER NOT NULL,
		speciated INTEGER NOT NULL, tip INTEGER NOT NULL,
		exists_flag INTEGER NOT NULL, randnum REAL NOT NULL,
		gen_alive INTEGER NOT NULL, spec_rate REAL NOT NULL,
		x INTEGER NOT NULL, y INTEGER NOT NULL,
		xwrap INTEGER NOT NULL, ywrap INTEGER NOT NULL,
		generation REAL NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS SPECIES_ABUNDANCES (
		community_reference INTEGER NOT NULL, species_id INTEGER NOT NULL,
		count INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS SPECIES_LOCATIONS (
		community_reference INTEGER NOT NULL, species_id INTEGER NOT NULL,
		x INTEGER NOT NULL, y INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS FRAGMENT_ABUNDANCES (
		community_reference INTEGER NOT NULL, fragment TEXT NOT NULL,
		species_id INTEGER NOT NULL, count INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS COMMUNITY_PARAMETERS (
		reference INTEGER PRIMARY KEY NOT NULL, speciation_rate REAL NOT NULL,
		time REAL NOT NULL, fragments INTEGER NOT NULL,
		metacommunity_reference INTEGER NOT NULL,
		protracted_min REAL NOT NULL, protracted_max REAL NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS METACOMMUNITY_PARAMETERS (
		reference INTEGER PRIMARY KEY NOT NULL, size INTEGER NOT NULL,
		speciation_rate REAL NOT NULL, option TEXT NOT NULL,
		external_reference INTEGER NOT NULL)`,
}

// CreateSchema creates every output table.
func (d *DB) CreateSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := d.db.Exec(stmt); err != nil {
			return &TransientIOError{Op: "DB.CreateSchema", Err: err}
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WriteSimulationParameters records the full scalar parameter set and the
// completion flag.
func (d *DB) WriteSimulationParameters(p *Parameters, simComplete bool) error {
	timesFile := "null"
	if len(p.Times) > 0 {
		timesFile = "set"
	}
	_, err := d.db.Exec(`INSERT INTO SIMULATION_PARAMETERS VALUES
		(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Seed, p.Task,
		p.OutputDirectory, p.MaxTime,
		p.Deme, p.DemeSample,
		p.MinSpeciationRate, p.DesiredSpecies,
		timesFile,
		p.DispersalMethod, p.Sigma, p.Tau,
		p.MProbability, p.Cutoff,
		p.DispersalRelativeCost,
		boolToInt(p.RestrictSelf), p.LandscapeType,
		p.DispersalFile,
		p.FineFile, p.FineXSize, p.FineYSize, p.FineXOffset, p.FineYOffset,
		p.CoarseFile, p.CoarseXSize, p.CoarseYSize, p.CoarseXOffset, p.CoarseYOffset, p.Scale,
		p.HistoricalFineFile, p.HistoricalCoarseFile,
		p.GenSinceHistorical, p.HabitatChangeRate,
		p.SampleMaskFile, p.SampleXSize, p.SampleYSize, p.SampleXOffset, p.SampleYOffset,
		p.GridXSize, p.GridYSize,
		boolToInt(p.Protracted.Active()), p.Protracted.MinSpeciationGen, p.Protracted.MaxSpeciationGen,
		boolToInt(simComplete))
	if err != nil {
		return &TransientIOError{Op: "DB.WriteSimulationParameters", Err: err}
	}
	return nil
}

// SimulationCompleted reports whether the database already records a
// completed run for its (task, seed).
func (d *DB) SimulationCompleted() (bool, error) {
	row := d.db.QueryRow(`SELECT COUNT(*) FROM SIMULATION_PARAMETERS WHERE sim_complete = 1`)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, &TransientIOError{Op: "DB.SimulationCompleted", Err: err}
	}
	return n > 0, nil
}

// minimumSpeciationRate is the smallest rate that would speciate a node
// given its stored uniform and age; recorded alongside each node.
func minimumSpeciationRate(randnum float64, gens uint64) float64 {
	if gens == 0 {
		return randnum
	}
	return 1 - math.Pow(1-randnum, 1/float64(gens))
}

// WriteSpeciesList dumps the raw genealogy table.
func (d *DB) WriteSpeciesList(data []TreeNode, endData uint64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return &TransientIOError{Op: "DB.WriteSpeciesList", Err: err}
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO SPECIES_LIST VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return &TransientIOError{Op: "DB.WriteSpeciesList", Err: err}
	}
	defer stmt.Close()
	for i := uint64(1); i <= endData; i++ {
		n := &data[i]
		exists := n.Tip || n.Parent != 0 || n.Speciated
		if _, err := stmt.Exec(i, n.Parent,
			boolToInt(n.Speciated), boolToInt(n.Tip), boolToInt(exists),
			n.SpecRate, n.GenerationsExisted,
			minimumSpeciationRate(n.SpecRate, n.GenerationsExisted),
			n.X, n.Y, n.XWrap, n.YWrap, n.Generation); err != nil {
			tx.Rollback()
			return &TransientIOError{Op: "DB.WriteSpeciesList", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &TransientIOError{Op: "DB.WriteSpeciesList", Err: err}
	}
	return nil
}

// ReadSpeciesList reloads the genealogy from SPECIES_LIST, for community
// building against an existing database.
func (d *DB) ReadSpeciesList() ([]TreeNode, uint64, error) {
	rows, err := d.db.Query(`SELECT node_id, parent, speciated, tip, randnum,
		gen_alive, x, y, xwrap, ywrap, generation
		FROM SPECIES_LIST ORDER BY node_id`)
	if err != nil {
		return nil, 0, &TransientIOError{Op: "DB.ReadSpeciesList", Err: err}
	}
	defer rows.Close()
	data := make([]TreeNode, 1)
	var endData uint64
	for rows.Next() {
		var id uint64
		var n TreeNode
		var speciated, tip int
		if err := rows.Scan(&id, &n.Parent, &speciated, &tip, &n.SpecRate,
			&n.GenerationsExisted, &n.X, &n.Y, &n.XWrap, &n.YWrap, &n.Generation); err != nil {
			return nil, 0, &TransientIOError{Op: "DB.ReadSpeciesList", Err: err}
		}
		n.Speciated = speciated != 0
		n.Tip = tip != 0
		for uint64(len(data)) <= id {
			data = append(data, TreeNode{})
		}
		data[id] = n
		if id > endData {
			endData = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &TransientIOError{Op: "DB.ReadSpeciesList", Err: err}
	}
	return data, endData, nil
}

// MaxCommunityReference returns the highest community reference already
// present, 0 when none.
func (d *DB) MaxCommunityReference() (uint64, error) {
	row := d.db.QueryRow(`SELECT COALESCE(MAX(reference), 0) FROM COMMUNITY_PARAMETERS`)
	var ref uint64
	if err := row.Scan(&ref); err != nil {
		return 0, &TransientIOError{Op: "DB.MaxCommunityReference", Err: err}
	}
	return ref, nil
}

// WriteCommunity records one community calculation: its parameter row and
// the abundance, location and fragment tables.
func (d *DB) WriteCommunity(result *CommunityResult) error {
	tx, err := d.db.Begin()
	if err != nil {
		return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
	}
	p := result.Params
	if _, err := tx.Exec(`INSERT INTO COMMUNITY_PARAMETERS VALUES (?,?,?,?,?,?,?)`,
		p.Reference, p.SpeciationRate, p.Time, boolToInt(p.Fragments),
		p.MetacommunityReference,
		p.Protracted.MinSpeciationGen, p.Protracted.MaxSpeciationGen); err != nil {
		tx.Rollback()
		return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
	}
	ids := make([]uint64, 0, len(result.Abundances))
	for id := range result.Abundances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT INTO SPECIES_ABUNDANCES VALUES (?,?,?)`,
			p.Reference, id, result.Abundances[id]); err != nil {
			tx.Rollback()
			return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
		}
	}
	for _, loc := range result.Locations {
		if _, err := tx.Exec(`INSERT INTO SPECIES_LOCATIONS VALUES (?,?,?,?)`,
			p.Reference, loc.SpeciesID, loc.X, loc.Y); err != nil {
			tx.Rollback()
			return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
		}
	}
	fragments := make([]string, 0, len(result.FragmentAbundances))
	for name := range result.FragmentAbundances {
		fragments = append(fragments, name)
	}
	sort.Strings(fragments)
	for _, name := range fragments {
		counts := result.FragmentAbundances[name]
		fids := make([]uint64, 0, len(counts))
		for id := range counts {
			fids = append(fids, id)
		}
		sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
		for _, id := range fids {
			if _, err := tx.Exec(`INSERT INTO FRAGMENT_ABUNDANCES VALUES (?,?,?,?)`,
				p.Reference, name, id, counts[id]); err != nil {
				tx.Rollback()
				return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return &TransientIOError{Op: "DB.WriteCommunity", Err: err}
	}
	return nil
}

// WriteMetacommunityParameters records the metacommunity that supplied
// identity draws.
func (d *DB) WriteMetacommunityParameters(reference uint64, m *MetacommunityParams) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO METACOMMUNITY_PARAMETERS VALUES (?,?,?,?,?)`,
		reference, m.Size, m.SpeciationRate, m.Option, m.Reference)
	if err != nil {
		return &TransientIOError{Op: "DB.WriteMetacommunityParameters", Err: err}
	}
	return nil
}

// MetacommunityAbundances reads a tabulated metacommunity from the
// SPECIES_ABUNDANCES rows of an external community reference.
func (d *DB) MetacommunityAbundances(reference uint64) (map[uint64]uint64, error) {
	rows, err := d.db.Query(`SELECT species_id, count FROM SPECIES_ABUNDANCES
		WHERE community_reference = ?`, reference)
	if err != nil {
		return nil, &TransientIOError{Op: "DB.MetacommunityAbundances", Err: err}
	}
	defer rows.Close()
	abundances := make(map[uint64]uint64)
	for rows.Next() {
		var id, count uint64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, &TransientIOError{Op: "DB.MetacommunityAbundances", Err: err}
		}
		abundances[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientIOError{Op: "DB.MetacommunityAbundances", Err: err}
	}
	return abundances, nil
}
