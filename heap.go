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

// EventType labels entries on the Gillespie event heap.
type EventType int

// Heap event kinds.
const (
	EventUndefined EventType = iota
	EventCell
	EventMap
	EventSample
)

// heapNode is one scheduled event. seq breaks time ties FIFO so the heap
// order, and with it the whole simulation, is deterministic.
type heapNode struct {
	cell        Cell
	timeOfEvent float64
	eventType   EventType
	seq         uint64
}

// eventHeap is a binary min-heap on (timeOfEvent, seq). Every move of a
// node is reported through the moved closure, which keeps the per-cell
// locator table pointing at the node's current slot; the invariant lives
// here instead of in a raw back-pointer embedded in the node.
type eventHeap struct {
	nodes []heapNode
	seq   uint64
	moved func(n *heapNode, i int)
}

func newEventHeap(moved func(n *heapNode, i int)) *eventHeap {
	if moved == nil {
		moved = func(*heapNode, int) {}
	}
	return &eventHeap{moved: moved}
}

func (h *eventHeap) len() int { return len(h.nodes) }

func (h *eventHeap) clear() {
	h.nodes = h.nodes[:0]
}

// front returns the soonest event; the heap must be non-empty.
func (h *eventHeap) front() *heapNode { return &h.nodes[0] }

func (h *eventHeap) less(i, j int) bool {
	a, b := &h.nodes[i], &h.nodes[j]
	if a.timeOfEvent != b.timeOfEvent {
		return a.timeOfEvent < b.timeOfEvent
	}
	return a.seq < b.seq
}

func (h *eventHeap) swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.moved(&h.nodes[i], i)
	h.moved(&h.nodes[j], j)
}

// push schedules an event and sifts it into place.
func (h *eventHeap) push(cell Cell, t float64, e EventType) {
	h.seq++
	h.nodes = append(h.nodes, heapNode{cell: cell, timeOfEvent: t, eventType: e, seq: h.seq})
	i := len(h.nodes) - 1
	h.moved(&h.nodes[i], i)
	h.siftUp(i)
}

// pop removes and returns the soonest event.
func (h *eventHeap) pop() heapNode {
	top := h.nodes[0]
	last := len(h.nodes) - 1
	if last > 0 {
		h.nodes[0] = h.nodes[last]
		h.moved(&h.nodes[0], 0)
	}
	h.nodes = h.nodes[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return top
}

// update restores the heap property after the key at slot i changed,
// sifting in whichever direction the new key requires.
func (h *eventHeap) update(i int) {
	if i > 0 && h.less(i, (i-1)/2) {
		h.siftUp(i)
		return
	}
	h.siftDown(i)
}

func (h *eventHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			return
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *eventHeap) siftDown(i int) {
	n := len(h.nodes)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		smallest := left
		if right := left + 1; right < n && h.less(right, left) {
			smallest = right
		}
		if !h.less(smallest, i) {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

// validate re-checks the heap property across every node.
func (h *eventHeap) validate() error {
	for i := 1; i < len(h.nodes); i++ {
		if h.less(i, (i-1)/2) {
			return fmt.Errorf("coalesce: eventHeap: node %d (t=%v) sorts before its parent (t=%v)",
				i, h.nodes[i].timeOfEvent, h.nodes[(i-1)/2].timeOfEvent)
		}
	}
	return nil
}
