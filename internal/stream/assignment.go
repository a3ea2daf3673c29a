// Package stream runs the sharded real-time collector: a fixed set of
// websocket connections, each owning a slice of the streamed instruments.
package stream

import (
	"sort"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// slotsPerInstrument is the number of subscription slots one instrument
// consumes: its YES and NO tokens.
const slotsPerInstrument = 2

// Assignment maps instrument id to connection index.
type Assignment map[string]int

// Counts returns the number of instruments per connection.
func (a Assignment) Counts(conns int) []int {
	counts := make([]int, conns)
	for _, c := range a {
		if c >= 0 && c < conns {
			counts[c]++
		}
	}
	return counts
}

// Plan is the outcome of one assignment pass.
type Plan struct {
	Assignment Assignment
	// Dropped lists eligible instruments left out for lack of capacity.
	Dropped []string
	// Rescued lists subscribed instruments the ranking would have dropped
	// and that were put back.
	Rescued []string
	// Lost lists subscribed instruments that could not be put back.
	Lost []string
}

// Eligible reports whether in should be streamed at all.
func Eligible(in domain.Instrument, minTier int) bool {
	return in.Schedulable() && in.Tier >= minTier
}

// Assign distributes instruments over conns connections with at most
// capPerConn subscription slots each. Higher tiers win when capacity is
// short. Instruments already placed in prev stay on their connection when
// it has room, so consecutive passes produce small diffs.
//
// Every instrument currently flagged subscribed that is not closed or
// resolved is kept when capacity allows, even if it no longer ranks.
func Assign(instruments []domain.Instrument, prev Assignment, conns, capPerConn, minTier int) Plan {
	plan := Plan{Assignment: make(Assignment)}
	if conns <= 0 {
		return plan
	}
	perConn := capPerConn / slotsPerInstrument
	total := conns * perConn

	var eligible []domain.Instrument
	for _, in := range instruments {
		if Eligible(in, minTier) {
			eligible = append(eligible, in)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		_, aPrev := prev[a.ID]
		_, bPrev := prev[b.ID]
		if aPrev != bPrev {
			return aPrev
		}
		if a.Volume24h != b.Volume24h {
			return a.Volume24h > b.Volume24h
		}
		return a.ID < b.ID
	})

	if len(eligible) > total {
		for _, in := range eligible[total:] {
			plan.Dropped = append(plan.Dropped, in.ID)
		}
		eligible = eligible[:total]
	}

	counts := make([]int, conns)
	place := func(id string, c int) {
		plan.Assignment[id] = c
		counts[c]++
	}

	var rest []string
	for _, in := range eligible {
		if c, ok := prev[in.ID]; ok && c >= 0 && c < conns && counts[c] < perConn {
			place(in.ID, c)
			continue
		}
		rest = append(rest, in.ID)
	}

	cursor := 0
	for _, id := range rest {
		c, ok := nextFree(counts, perConn, cursor)
		if !ok {
			plan.Dropped = append(plan.Dropped, id)
			continue
		}
		place(id, c)
		cursor = (c + 1) % conns
	}

	// Safety check: never silently drop a live subscription.
	for _, in := range instruments {
		if !in.Subscribed || in.Closed || in.Resolved {
			continue
		}
		if _, ok := plan.Assignment[in.ID]; ok {
			continue
		}
		c, ok := -1, false
		if p, had := prev[in.ID]; had && p >= 0 && p < conns && counts[p] < perConn {
			c, ok = p, true
		} else {
			c, ok = nextFree(counts, perConn, cursor)
		}
		if !ok {
			plan.Lost = append(plan.Lost, in.ID)
			continue
		}
		place(in.ID, c)
		plan.Rescued = append(plan.Rescued, in.ID)
		plan.Dropped = removeID(plan.Dropped, in.ID)
	}

	return plan
}

// Delta is the change set for one connection, in instrument ids.
type Delta struct {
	Add    []string
	Remove []string
}

// Empty reports whether the delta has no work.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Diff returns per-connection deltas turning old into next. An instrument
// that moves between connections is removed from one and added to the other.
func Diff(old, next Assignment, conns int) []Delta {
	deltas := make([]Delta, conns)
	for id, c := range old {
		if n, ok := next[id]; ok && n == c {
			continue
		}
		if c >= 0 && c < conns {
			deltas[c].Remove = append(deltas[c].Remove, id)
		}
	}
	for id, c := range next {
		if o, ok := old[id]; ok && o == c {
			continue
		}
		if c >= 0 && c < conns {
			deltas[c].Add = append(deltas[c].Add, id)
		}
	}
	for i := range deltas {
		sort.Strings(deltas[i].Add)
		sort.Strings(deltas[i].Remove)
	}
	return deltas
}

func nextFree(counts []int, perConn, start int) (int, bool) {
	n := len(counts)
	for i := 0; i < n; i++ {
		c := (start + i) % n
		if counts[c] < perConn {
			return c, true
		}
	}
	return 0, false
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
