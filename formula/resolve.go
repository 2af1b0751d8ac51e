package formula

import (
	"sort"

	"github.com/maxmcd/zb/zberr"
)

// ResolveClosure computes the transitive dependency closure of names and
// returns it in an order such that every dependency precedes its
// dependents. Dependencies not present in byName are silently skipped
// (they belong to another tap, or are satisfied by the host, for
// instance). Ties among formulas with no outstanding dependency are
// broken lexicographically so a given input always resolves to the same
// order.
func ResolveClosure(names []string, byName map[string]Formula) ([]string, error) {
	closure := map[string]bool{}
	var collect func(name string)
	collect = func(name string) {
		if closure[name] {
			return
		}
		f, ok := byName[name]
		if !ok {
			return
		}
		closure[name] = true
		for _, dep := range f.Dependencies {
			collect(dep)
		}
	}
	for _, n := range names {
		collect(n)
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for name := range closure {
		inDegree[name] = 0
	}
	for name := range closure {
		f := byName[name]
		for _, dep := range f.Dependencies {
			if !closure[dep] {
				continue
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(closure))
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(closure) {
		var residual []string
		for name, deg := range inDegree {
			if deg > 0 {
				residual = append(residual, name)
			}
		}
		sort.Strings(residual)
		return nil, zberr.DependencyCycle(residual)
	}
	return order, nil
}
