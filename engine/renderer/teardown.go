package renderer

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
)

// teardownStep destroys one group of resources. after names the steps that
// must run before it.
type teardownStep struct {
	name    string
	after   []string
	destroy func()
}

// teardownGraph runs destruction steps in dependency order, each at most once.
type teardownGraph struct {
	order []teardownStep
	done  bool
}

// newTeardownGraph orders steps so every step runs after the steps it names.
// Steps without an ordering constraint between them keep declaration order.
// An unknown dependency or a cycle is an error.
func newTeardownGraph(steps ...teardownStep) (*teardownGraph, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.name]; dup {
			return nil, errors.Newf("teardown step %q declared twice", s.name)
		}
		index[s.name] = i
	}

	pending := make([]int, len(steps))
	next := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.after {
			j, ok := index[dep]
			if !ok {
				return nil, errors.Newf("teardown step %q runs after unknown step %q", s.name, dep)
			}
			pending[i]++
			next[j] = append(next[j], i)
		}
	}

	g := &teardownGraph{order: make([]teardownStep, 0, len(steps))}
	scheduled := make([]bool, len(steps))
	for len(g.order) < len(steps) {
		// Lowest declared ready step first.
		pick := -1
		for i := range steps {
			if !scheduled[i] && pending[i] == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			var stuck []string
			for i, s := range steps {
				if !scheduled[i] {
					stuck = append(stuck, s.name)
				}
			}
			return nil, errors.Newf("teardown steps form a cycle: %v", stuck)
		}
		scheduled[pick] = true
		g.order = append(g.order, steps[pick])
		for _, n := range next[pick] {
			pending[n]--
		}
	}
	return g, nil
}

// names returns the step names in execution order.
func (g *teardownGraph) names() []string {
	out := make([]string, len(g.order))
	for i, s := range g.order {
		out[i] = s.name
	}
	return out
}

func (g *teardownGraph) run() {
	if g.done {
		return
	}
	g.done = true
	for _, s := range g.order {
		core.LogDebug("teardown: %s", s.name)
		if s.destroy != nil {
			s.destroy()
		}
	}
}
