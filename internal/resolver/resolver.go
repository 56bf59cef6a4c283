// Package resolver computes the closure of a line item selection under the
// include/exclude relationships declared between items. It does no I/O.
package resolver

import (
	"sort"

	"github.com/sells-group/bookout-recon/internal/model"
)

// State is the resolved selection state of one line item.
type State struct {
	Selected  bool `json:"selected"`
	Available bool `json:"available"`
}

// Result is the outcome of Resolve. Final and Excluded hold item codes as
// they appear on the line items, sorted.
type Result struct {
	Final    []string         `json:"final"`
	Excluded []string         `json:"excluded"`
	States   map[string]State `json:"states"`
}

// Option configures Resolve.
type Option func(*options)

type options struct {
	pins map[string]bool
}

// WithPins forces the membership of the given codes. A code pinned true
// cannot be excluded by an unpinned item; the excluding item is dropped
// instead. A code pinned false is never pulled in by an include.
func WithPins(pins map[string]bool) Option {
	return func(o *options) {
		for code, selected := range pins {
			o.pins[model.NormalizeCode(code)] = selected
		}
	}
}

// Resolve expands and contracts candidates to a fixed point:
//   - every selected item adds the codes it includes;
//   - every selected item removes and excludes the codes it excludes.
//
// Exclusion wins over inclusion. Items are visited in code order and an item
// removed earlier in a pass does not apply its own exclusions. Exclusions are
// recomputed every round from the items still selected, so a candidate or
// included code comes back once whatever excluded it has itself gone.
// Rounds are bounded by the item count; if the graph has not settled by then
// (cyclic exclusions can oscillate), items are dropped until the selection is
// closed. The result is always closed: every include of a final item is final,
// excluded, or pinned out, and no final item excludes another. Candidate or
// related codes with no matching line item are ignored.
func Resolve(candidates []string, items []model.LineItem, opts ...Option) Result {
	g := newGraph(items, opts...)

	want := make(map[string]bool, len(candidates))
	final := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		k := model.NormalizeCode(c)
		if _, ok := g.byKey[k]; ok {
			want[k] = true
			final[k] = true
		}
	}

	settled := false
	for round := 0; round <= 2*len(g.keys)+1; round++ {
		if !g.step(final, want) {
			settled = true
			break
		}
	}
	if !settled {
		g.shrink(final)
	}

	excluded := g.excludedBy(final)
	res := Result{States: make(map[string]State, len(g.keys))}
	for _, k := range g.keys {
		code := g.byKey[k].Code
		switch {
		case final[k]:
			res.Final = append(res.Final, code)
			res.States[code] = State{Selected: true, Available: true}
		case excluded[k] || g.blocked(k, final):
			res.Excluded = append(res.Excluded, code)
			res.States[code] = State{Selected: false, Available: false}
		default:
			res.States[code] = State{Selected: false, Available: true}
		}
	}
	return res
}

type graph struct {
	byKey map[string]model.LineItem
	keys  []string
	pins  map[string]bool
}

func newGraph(items []model.LineItem, opts ...Option) *graph {
	o := options{pins: map[string]bool{}}
	for _, opt := range opts {
		opt(&o)
	}
	g := &graph{byKey: make(map[string]model.LineItem, len(items)), pins: o.pins}
	for _, li := range items {
		k := model.NormalizeCode(li.Code)
		if _, dup := g.byKey[k]; dup {
			continue
		}
		g.byKey[k] = li
		g.keys = append(g.keys, k)
	}
	sort.Strings(g.keys)
	return g
}

func (g *graph) pinnedIn(k string) bool {
	sel, ok := g.pins[k]
	return ok && sel
}

func (g *graph) pinnedOut(k string) bool {
	sel, ok := g.pins[k]
	return ok && !sel
}

func (g *graph) related(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		k := model.NormalizeCode(c)
		if _, ok := g.byKey[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// blocked reports whether k, not itself kept by the operator, would exclude
// an operator-kept item that is selected.
func (g *graph) blocked(k string, final map[string]bool) bool {
	if final[k] || g.pinnedIn(k) {
		return false
	}
	for _, exc := range g.related(g.byKey[k].ExcludesCodes) {
		if exc != k && final[exc] && g.pinnedIn(exc) {
			return true
		}
	}
	return false
}

// excludedBy returns the codes excluded by the selected items.
func (g *graph) excludedBy(final map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, k := range g.keys {
		if !final[k] {
			continue
		}
		for _, exc := range g.related(g.byKey[k].ExcludesCodes) {
			out[exc] = true
		}
	}
	return out
}

// step runs one exclusion pass and one admission pass over final and
// reports whether anything changed.
func (g *graph) step(final, want map[string]bool) bool {
	changed := false
	excluded := make(map[string]bool)

	for _, k := range g.keys {
		for _, exc := range g.related(g.byKey[k].ExcludesCodes) {
			if !final[k] {
				break
			}
			if final[exc] && exc != k && g.pinnedIn(exc) && !g.pinnedIn(k) {
				// an operator-kept item stays; the incompatible item goes
				delete(final, k)
				changed = true
				break
			}
			excluded[exc] = true
			if final[exc] {
				delete(final, exc)
				changed = true
			}
		}
	}

	included := make(map[string]bool)
	for _, k := range g.keys {
		if final[k] {
			for _, inc := range g.related(g.byKey[k].IncludesCodes) {
				included[inc] = true
			}
		}
	}
	for _, k := range g.keys {
		if final[k] || excluded[k] || g.pinnedOut(k) || !(want[k] || included[k]) {
			continue
		}
		if g.blocked(k, final) {
			continue
		}
		final[k] = true
		changed = true
	}
	return changed
}

// shrink drops items until final is closed. It only removes, so it
// terminates.
func (g *graph) shrink(final map[string]bool) {
	for changed := true; changed; {
		changed = false
		for _, k := range g.keys {
			for _, exc := range g.related(g.byKey[k].ExcludesCodes) {
				if !final[k] || !final[exc] {
					continue
				}
				if exc != k && g.pinnedIn(exc) && !g.pinnedIn(k) {
					delete(final, k)
				} else {
					delete(final, exc)
				}
				changed = true
			}
		}
		excluded := g.excludedBy(final)
		for _, k := range g.keys {
			if !final[k] {
				continue
			}
			for _, inc := range g.related(g.byKey[k].IncludesCodes) {
				if !final[inc] && !excluded[inc] && !g.pinnedOut(inc) && !g.blocked(inc, final) {
					delete(final, k)
					changed = true
					break
				}
			}
		}
	}
}

// FinalSet returns Final as a set keyed by item code.
func (r Result) FinalSet() map[string]bool {
	out := make(map[string]bool, len(r.Final))
	for _, c := range r.Final {
		out[c] = true
	}
	return out
}
