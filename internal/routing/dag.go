// Package routing implements the route feed-graph and its scheduling order:
// a feed-graph over route identifiers plus Kahn's-algorithm scheduling
// order, recomputed whenever the graph mutates and read by the audio
// thread as a flat, already-sorted slice.
package routing

import (
	"sort"

	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("routing")

// RouteID identifies a route within a single session's graph.
type RouteID string

// RouteInfo is the subset of route state the comparator and scheduler
// need: whether it's currently record-enabled, and its stable signal-order
// position (used to break comparator ties).
type RouteInfo struct {
	ID           RouteID
	RecEnabled   bool
	SignalOrder  int
}

// Edges holds the feed-graph as two dual maps for O(1) lookup in either
// direction.
type Edges struct {
	from map[RouteID]map[RouteID]struct{} // from -> set of to
	to   map[RouteID]map[RouteID]struct{} // to -> set of from
}

// NewEdges creates an empty edge set.
func NewEdges() *Edges {
	return &Edges{
		from: make(map[RouteID]map[RouteID]struct{}),
		to:   make(map[RouteID]map[RouteID]struct{}),
	}
}

// Add records an edge from -> to (from feeds to).
func (e *Edges) Add(from, to RouteID) {
	if e.from[from] == nil {
		e.from[from] = make(map[RouteID]struct{})
	}
	e.from[from][to] = struct{}{}
	if e.to[to] == nil {
		e.to[to] = make(map[RouteID]struct{})
	}
	e.to[to][from] = struct{}{}
}

// Remove deletes the edge from -> to, if present.
func (e *Edges) Remove(from, to RouteID) {
	if set, ok := e.from[from]; ok {
		delete(set, to)
		if len(set) == 0 {
			delete(e.from, from)
		}
	}
	if set, ok := e.to[to]; ok {
		delete(set, from)
		if len(set) == 0 {
			delete(e.to, to)
		}
	}
}

// RemoveRoute deletes every edge touching r, in either direction.
func (e *Edges) RemoveRoute(r RouteID) {
	for to := range e.from[r] {
		e.Remove(r, to)
	}
	for from := range e.to[r] {
		e.Remove(from, r)
	}
}

// From returns the set of routes r feeds, as a fresh slice.
func (e *Edges) From(r RouteID) []RouteID {
	out := make([]RouteID, 0, len(e.from[r]))
	for to := range e.from[r] {
		out = append(out, to)
	}
	return out
}

// HasNoneTo reports whether r has no incoming edges (in-degree zero).
func (e *Edges) HasNoneTo(r RouteID) bool {
	return len(e.to[r]) == 0
}

// Empty reports whether any edges remain.
func (e *Edges) Empty() bool {
	return len(e.from) == 0
}

// inDegree returns how many incoming edges r currently has.
func (e *Edges) inDegree(r RouteID) int {
	return len(e.to[r])
}

// clone returns a deep-enough copy of e for destructive use inside Sort.
func (e *Edges) clone() *Edges {
	c := NewEdges()
	for from, tos := range e.from {
		for to := range tos {
			c.Add(from, to)
		}
	}
	return c
}

// recEnabledComparator orders the seed queue:
// non-rec-enabled routes precede rec-enabled ones, ties broken by signal
// order — so a rec-enabled route never blocks a route that could feed it.
func recEnabledComparator(routes []RouteInfo) func(i, j int) bool {
	return func(i, j int) bool {
		if routes[i].RecEnabled != routes[j].RecEnabled {
			return !routes[i].RecEnabled
		}
		return routes[i].SignalOrder < routes[j].SignalOrder
	}
}

// Sort runs Kahn's algorithm over routes and edges and returns the
// flat processing order. On a feedback cycle, an error with the scheduled
// and total route counts is logged and the unscheduled routes are appended
// in input order (no panic): the audio thread must always have something
// to read.
func Sort(routes []RouteInfo, edges *Edges) []RouteID {
	work := edges.clone()
	byID := make(map[RouteID]RouteInfo, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}

	var seed []RouteInfo
	for _, r := range routes {
		if work.HasNoneTo(r.ID) {
			seed = append(seed, r)
		}
	}
	sort.SliceStable(seed, recEnabledComparator(seed))

	queue := make([]RouteID, len(seed))
	for i, r := range seed {
		queue[i] = r.ID
	}

	result := make([]RouteID, 0, len(routes))
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		result = append(result, r)

		next := work.From(r)
		sort.Slice(next, func(i, j int) bool { return byID[next[i]].SignalOrder < byID[next[j]].SignalOrder })
		for _, to := range next {
			work.Remove(r, to)
			if work.inDegree(to) == 0 {
				queue = append(queue, to)
			}
		}
	}

	if !work.Empty() {
		log.Error("feedback cycle detected in route graph, using best-effort order",
			"scheduled", len(result), "total", len(routes))
		seen := make(map[RouteID]struct{}, len(result))
		for _, r := range result {
			seen[r] = struct{}{}
		}
		for _, r := range routes {
			if _, ok := seen[r.ID]; !ok {
				result = append(result, r.ID)
			}
		}
	}

	return result
}
