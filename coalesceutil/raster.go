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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"

	"github.com/spatialecology/coalesce"
)

// ReadRaster decodes a whitespace-separated numeric grid (one raster row
// per line, ESRI ASCII-grid headers tolerated and skipped) into a dense
// array wrapped as a coalesce.Grid.
func ReadRaster(path string) (*coalesce.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("coalesceutil.ReadRaster: %w", err)
	}
	defer f.Close()

	var rows [][]float64
	cols := -1
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		// ESRI ASCII grids lead with "ncols 10"-style header pairs.
		if len(fields) == 2 {
			if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
				continue
			}
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSuffix(field, ","), 64)
			if err != nil {
				return nil, fmt.Errorf("coalesceutil.ReadRaster: %s row %d: %w", path, len(rows), err)
			}
			row[i] = v
		}
		if cols == -1 {
			cols = len(row)
		} else if len(row) != cols {
			return nil, fmt.Errorf("coalesceutil.ReadRaster: %s row %d has %d columns, want %d",
				path, len(rows), len(row), cols)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("coalesceutil.ReadRaster: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("coalesceutil.ReadRaster: %s holds no data", path)
	}
	a := sparse.ZerosDense(len(rows), cols)
	for y, row := range rows {
		for x, v := range row {
			a.Set(v, y, x)
		}
	}
	return coalesce.GridFrom(a)
}

// readOptionalRaster loads a raster unless the path is empty or one of
// the conventional null markers.
func readOptionalRaster(path string) (*coalesce.Grid, error) {
	if path == "" || path == "none" || path == "null" {
		return nil, nil
	}
	return ReadRaster(path)
}

// ReadFragments decodes fragment definitions: one fragment per line as
// "name,xmin,ymin,xmax,ymax" in absolute sample coordinates.
func ReadFragments(path string) ([]coalesce.Fragment, error) {
	if path == "" || path == "none" || path == "null" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("coalesceutil.ReadFragments: %w", err)
	}
	defer f.Close()

	var fragments []coalesce.Fragment
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("coalesceutil.ReadFragments: %s: want name,xmin,ymin,xmax,ymax, got %q", path, line)
		}
		var frag coalesce.Fragment
		frag.Name = strings.TrimSpace(fields[0])
		bounds := []*int{&frag.XMin, &frag.YMin, &frag.XMax, &frag.YMax}
		for i, b := range bounds {
			v, err := strconv.Atoi(strings.TrimSpace(fields[i+1]))
			if err != nil {
				return nil, fmt.Errorf("coalesceutil.ReadFragments: %s: %q: %w", path, line, err)
			}
			*b = v
		}
		fragments = append(fragments, frag)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("coalesceutil.ReadFragments: %w", err)
	}
	return fragments, nil
}
