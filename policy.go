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

// CheckPolicy selects which runtime self-checks the engine performs. The
// checks cost time proportional to the structures they walk, so production
// runs leave them off while test suites turn them on without rebuilding.
type CheckPolicy struct {
	// HistoricalRegression fails a capacity lookup that returns a value
	// exceeding the historical cell.
	HistoricalRegression bool

	// ValidateHeap re-checks the heap ordering and the locator table after
	// every heap mutation in the Gillespie engine.
	ValidateHeap bool

	// ValidateLineages walks every cell list and wrap-chain after lineage
	// moves and verifies them against the active table.
	ValidateLineages bool
}

// StrictChecks enables every runtime self-check.
func StrictChecks() CheckPolicy {
	return CheckPolicy{
		HistoricalRegression: true,
		ValidateHeap:         true,
		ValidateLineages:     true,
	}
}
