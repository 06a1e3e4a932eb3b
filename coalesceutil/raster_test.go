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
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spatialecology/coalesce"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadRaster(t *testing.T) {
	path := writeFile(t, "fine.asc", "1 2 3\n4 5 6\n")
	g, err := ReadRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if g.Rows() != 2 || g.Cols() != 3 {
		t.Fatalf("shape %dx%d, want 2x3", g.Rows(), g.Cols())
	}
	if g.Get(1, 2) != 6 || g.Get(0, 0) != 1 {
		t.Error("raster values misread")
	}
}

func TestReadRasterWithHeader(t *testing.T) {
	path := writeFile(t, "fine.asc",
		"ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\nNODATA_value -9999\n7 8\n9 10\n")
	g, err := ReadRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if g.Rows() != 2 || g.Cols() != 2 || g.Get(0, 0) != 7 || g.Get(1, 1) != 10 {
		t.Errorf("header-led raster misread: %dx%d", g.Rows(), g.Cols())
	}
}

func TestReadRasterErrors(t *testing.T) {
	if _, err := ReadRaster(filepath.Join(t.TempDir(), "missing.asc")); err == nil {
		t.Error("missing file accepted")
	}
	ragged := writeFile(t, "ragged.asc", "1 2 3\n4 5\n")
	if _, err := ReadRaster(ragged); err == nil {
		t.Error("ragged raster accepted")
	}
	empty := writeFile(t, "empty.asc", "\n")
	if _, err := ReadRaster(empty); err == nil {
		t.Error("empty raster accepted")
	}
}

func TestReadFragments(t *testing.T) {
	path := writeFile(t, "fragments.csv",
		"# name,xmin,ymin,xmax,ymax\nwest, 0, 0, 4, 9\neast, 5, 0, 9, 9\n")
	fragments, err := ReadFragments(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []coalesce.Fragment{
		{Name: "west", XMin: 0, YMin: 0, XMax: 4, YMax: 9},
		{Name: "east", XMin: 5, YMin: 0, XMax: 9, YMax: 9},
	}
	if !reflect.DeepEqual(fragments, want) {
		t.Errorf("fragments %+v, want %+v", fragments, want)
	}
	if got, err := ReadFragments("none"); err != nil || got != nil {
		t.Error("the null marker should read as no fragments")
	}
	bad := writeFile(t, "bad.csv", "west,1,2\n")
	if _, err := ReadFragments(bad); err == nil {
		t.Error("malformed fragment row accepted")
	}
}
