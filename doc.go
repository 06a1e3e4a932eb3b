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

// Package coalesce implements a backwards-in-time coalescence simulator for
// spatially explicit neutral ecology. Given a landscape of per-cell carrying
// capacities, a dispersal kernel, per-cell death and reproduction weights,
// and a sampling mask, it reconstructs the genealogy of a sampled set of
// individuals until every lineage has either coalesced or speciated, then
// derives species identities, abundances and spatial species distributions
// for one or more speciation rates.
//
// Two simulation algorithms are provided: a per-event algorithm which picks
// one lineage per step, and a Gillespie algorithm which schedules whole-cell
// events on a binary heap and becomes profitable once the number of live
// lineages is small. Results are written to a relational (SQLite) sink, and
// a run that exceeds its wall-clock budget pauses by dumping its entire
// state to disk for later exact resumption.
package coalesce
