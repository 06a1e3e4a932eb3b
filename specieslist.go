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

import "fmt"

// SpeciesList indexes the lineages occupying one fine-map cell: a short
// dense array of on-grid lineage indices plus the head of the wrap-chain
// for lineages addressed through sample-grid tile wraps.
//
// Slots holding 0 are empty; removals leave sentinel holes which the next
// insertion reclaims, so a lineage's ListPosition stays stable while it
// sits in the cell.
type SpeciesList struct {
	maxSize  uint64
	listSize uint64
	list     []uint64

	next  uint64 // head of the wrap-chain, 0 when empty
	nwrap uint64 // wrap-chain length
}

// Initialise sets the carrying capacity and clears the on-grid list. The
// wrap-chain fields are untouched: callers re-initialising a cell during
// resume restore them separately.
func (s *SpeciesList) Initialise(maxSize uint64) {
	s.maxSize = maxSize
	s.listSize = 0
	s.list = s.list[:0]
}

// MaxSize returns the cell's carrying capacity.
func (s *SpeciesList) MaxSize() uint64 { return s.maxSize }

// SetMaxSize shrinks or grows the capacity without touching the list.
func (s *SpeciesList) SetMaxSize(m uint64) { s.maxSize = m }

// ListSize returns the number of on-grid lineages in the cell.
func (s *SpeciesList) ListSize() uint64 { return s.listSize }

// ListLength returns the allocated length of the short array, which can
// exceed ListSize when holes are present.
func (s *SpeciesList) ListLength() uint64 { return uint64(len(s.list)) }

// Lineage returns the lineage index stored at pos, 0 for an empty slot.
func (s *SpeciesList) Lineage(pos uint64) uint64 {
	if pos >= uint64(len(s.list)) {
		return 0
	}
	return s.list[pos]
}

// AddLineage stores index i in the first free slot, or appends one, and
// returns the slot position. It never enlarges maxSize on its own.
func (s *SpeciesList) AddLineage(i uint64) (uint64, error) {
	if s.listSize >= s.maxSize {
		return 0, fmt.Errorf("coalesce: SpeciesList.AddLineage: cell full (%d of %d)", s.listSize, s.maxSize)
	}
	for pos, v := range s.list {
		if v == 0 {
			s.list[pos] = i
			s.listSize++
			return uint64(pos), nil
		}
	}
	s.list = append(s.list, i)
	s.listSize++
	return uint64(len(s.list) - 1), nil
}

// RemoveLineage nulls the slot at pos, leaving a reclaimable hole.
func (s *SpeciesList) RemoveLineage(pos uint64) error {
	if pos >= uint64(len(s.list)) || s.list[pos] == 0 {
		return fmt.Errorf("coalesce: SpeciesList.RemoveLineage: no lineage at position %d", pos)
	}
	s.list[pos] = 0
	s.listSize--
	return nil
}

// SetLineage overwrites the slot at pos, which must be occupied. It is
// used when the swap-with-last removal renumbers a lineage.
func (s *SpeciesList) SetLineage(pos, i uint64) error {
	if pos >= uint64(len(s.list)) || s.list[pos] == 0 {
		return fmt.Errorf("coalesce: SpeciesList.SetLineage: no lineage at position %d", pos)
	}
	s.list[pos] = i
	return nil
}

// SetLineageEmpty stores i at pos, extending the array as needed; the slot
// must be empty. Resume uses it to rebuild cells from the active table.
func (s *SpeciesList) SetLineageEmpty(pos, i uint64) error {
	for uint64(len(s.list)) <= pos {
		s.list = append(s.list, 0)
	}
	if s.list[pos] != 0 {
		return fmt.Errorf("coalesce: SpeciesList.SetLineageEmpty: position %d already holds %d", pos, s.list[pos])
	}
	s.list[pos] = i
	s.listSize++
	return nil
}

// RandLineage draws a uniform slot over the cell's full carrying capacity
// and returns the lineage there, or 0 when the draw lands on empty space.
// Drawing over capacity rather than occupancy is what gives a dispersing
// lineage its correct per-individual coalescence probability.
func (s *SpeciesList) RandLineage(rng *RNG) uint64 {
	if s.maxSize == 0 {
		return 0
	}
	pos := rng.UintIn(s.maxSize - 1)
	if pos >= uint64(len(s.list)) {
		return 0
	}
	return s.list[pos]
}

// ChangePercentCover grows the capacity after a landscape epoch increased
// the cell's density.
func (s *SpeciesList) ChangePercentCover(newMax uint64) {
	if newMax > s.maxSize {
		s.maxSize = newMax
	}
}

// Next returns the head of the wrap-chain.
func (s *SpeciesList) Next() uint64 { return s.next }

// SetNext replaces the head of the wrap-chain.
func (s *SpeciesList) SetNext(i uint64) { s.next = i }

// NWrap returns the wrap-chain length.
func (s *SpeciesList) NWrap() uint64 { return s.nwrap }

// SetNWrap overwrites the wrap-chain length; used when seeding starts an
// empty chain.
func (s *SpeciesList) SetNWrap(n uint64) { s.nwrap = n }

// IncreaseNWrap records one more chained lineage.
func (s *SpeciesList) IncreaseNWrap() { s.nwrap++ }

// DecreaseNWrap records one fewer chained lineage.
func (s *SpeciesList) DecreaseNWrap() error {
	if s.nwrap == 0 {
		return fmt.Errorf("coalesce: SpeciesList.DecreaseNWrap: chain already empty")
	}
	s.nwrap--
	return nil
}
