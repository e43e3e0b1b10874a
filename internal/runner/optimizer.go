package runner

import (
	"math/rand"
	"sort"
)

// searchOptimizer is the built-in Optimizer: random exploration that,
// once it has a best, spends half its suggestions mutating one dimension
// of it. Not a true surrogate model, but it honors the suggest/report
// contract and converges on smooth spaces.
type searchOptimizer struct {
	dims      []string
	values    map[string][]any
	best      map[string]any
	bestScore float64
	reports   int
}

func newSearchOptimizer(space map[string]SpaceDim) *searchOptimizer {
	o := &searchOptimizer{values: make(map[string][]any, len(space))}
	for name, dim := range space {
		vals, err := dimValues(name, dim)
		if err != nil || len(vals) == 0 {
			vals = []any{nil}
		}
		o.dims = append(o.dims, name)
		o.values[name] = vals
	}
	sort.Strings(o.dims)
	return o
}

func (o *searchOptimizer) Suggest() map[string]any {
	if o.best != nil && o.reports > 0 && rand.Intn(2) == 0 { // #nosec G404 -- search sampling needs no crypto randomness
		return o.mutateBest()
	}
	out := make(map[string]any, len(o.dims))
	for _, name := range o.dims {
		vals := o.values[name]
		out[name] = vals[rand.Intn(len(vals))] // #nosec G404
	}
	return out
}

func (o *searchOptimizer) mutateBest() map[string]any {
	out := make(map[string]any, len(o.dims))
	for k, v := range o.best {
		out[k] = v
	}
	name := o.dims[rand.Intn(len(o.dims))] // #nosec G404
	vals := o.values[name]
	out[name] = vals[rand.Intn(len(vals))] // #nosec G404
	return out
}

func (o *searchOptimizer) Report(params map[string]any, score float64) {
	o.reports++
	if o.best == nil || score > o.bestScore {
		o.best = params
		o.bestScore = score
	}
}
