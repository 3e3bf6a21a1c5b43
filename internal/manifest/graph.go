package manifest

import (
	"fmt"
	"slices"
	"strings"
)

// CycleError reports a cyclic build_deps relation. Path starts and ends
// with the same package.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("build_deps cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DepGraph indexes packages by name and exposes the build_deps relation.
type DepGraph struct {
	order      []string
	packages   map[string]Package
	dependents map[string][]string
}

// Graph builds the dependency graph of m. Unknown dependencies are ignored
// here; Validate reports them.
func Graph(m *Manifest) *DepGraph {
	g := &DepGraph{
		order:      make([]string, 0, len(m.Packages)),
		packages:   make(map[string]Package, len(m.Packages)),
		dependents: make(map[string][]string),
	}
	for _, pkg := range m.Packages {
		if _, dup := g.packages[pkg.Name]; dup {
			continue
		}
		g.order = append(g.order, pkg.Name)
		g.packages[pkg.Name] = pkg
	}
	for _, name := range g.order {
		for _, dep := range g.packages[name].BuildDeps {
			if _, ok := g.packages[dep]; ok {
				g.dependents[dep] = append(g.dependents[dep], name)
			}
		}
	}
	return g
}

// Lookup returns the named package.
func (g *DepGraph) Lookup(name string) (Package, bool) {
	pkg, ok := g.packages[name]
	return pkg, ok
}

// Deps returns the direct, known build dependencies of name.
func (g *DepGraph) Deps(name string) []string {
	var deps []string
	for _, dep := range g.packages[name].BuildDeps {
		if _, ok := g.packages[dep]; ok {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Dependents returns the packages that list name in build_deps.
func (g *DepGraph) Dependents(name string) []string {
	return slices.Clone(g.dependents[name])
}

// TopoOrder returns every package with dependencies before dependents.
// Independent packages keep their manifest order.
func (g *DepGraph) TopoOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.order))
	order := make([]string, 0, len(g.order))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return &CycleError{Path: cycle}
		}

		state[name] = visiting
		path = append(path, name)
		for _, dep := range g.Deps(name) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Closure returns the transitive build dependencies of name, nearest
// first, without duplicates.
func (g *DepGraph) Closure(name string) ([]string, error) {
	if _, err := g.TopoOrder(); err != nil {
		return nil, err
	}
	var (
		out  []string
		seen = map[string]bool{name: true}
	)
	queue := g.Deps(name)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.Deps(next)...)
	}
	return out, nil
}
