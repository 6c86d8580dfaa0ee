package version

import (
	"fmt"
	"sort"

	"assessline/internal/domain"
)

// Graph indexes the versions of one assessment by id.
type Graph map[string]domain.AssessmentVersion

// NewGraph indexes versions.
func NewGraph(versions []domain.AssessmentVersion) Graph {
	g := make(Graph, len(versions))
	for _, v := range versions {
		g[v.ID] = v
	}
	return g
}

// Parents returns the direct parents of a version: its parent and, for a
// merge, every merged source.
func Parents(v domain.AssessmentVersion) []string {
	seen := map[string]bool{}
	var out []string
	if v.ParentID != nil {
		seen[*v.ParentID] = true
		out = append(out, *v.ParentID)
	}
	for _, id := range v.MergedFrom {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Ancestors returns id and every version reachable through parents.
func (g Graph) Ancestors(id string) map[string]bool {
	out := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[cur] {
			continue
		}
		v, ok := g[cur]
		if !ok {
			continue
		}
		out[cur] = true
		stack = append(stack, Parents(v)...)
	}
	return out
}

// CommonAncestor returns the nearest version every id descends from. Nearest
// means the highest version number among the common ancestors.
func (g Graph) CommonAncestor(ids []string) (domain.AssessmentVersion, error) {
	if len(ids) == 0 {
		return domain.AssessmentVersion{}, fmt.Errorf("no versions given")
	}
	var common map[string]bool
	for _, id := range ids {
		if _, ok := g[id]; !ok {
			return domain.AssessmentVersion{}, fmt.Errorf("version %s not in graph", id)
		}
		anc := g.Ancestors(id)
		if common == nil {
			common = anc
			continue
		}
		for k := range common {
			if !anc[k] {
				delete(common, k)
			}
		}
	}
	var best domain.AssessmentVersion
	found := false
	for id := range common {
		v := g[id]
		if !found || v.Number > best.Number {
			best, found = v, true
		}
	}
	if !found {
		return domain.AssessmentVersion{}, fmt.Errorf("versions %v share no ancestor", ids)
	}
	return best, nil
}

// FirstParentPath walks parent links from id back to ancestor and returns the
// versions passed, newest first, excluding ancestor. ok is false when the
// ancestor is not on the first-parent chain.
func (g Graph) FirstParentPath(id, ancestor string) ([]domain.AssessmentVersion, bool) {
	var out []domain.AssessmentVersion
	cur := id
	for cur != ancestor {
		v, found := g[cur]
		if !found || v.ParentID == nil {
			return nil, false
		}
		out = append(out, v)
		cur = *v.ParentID
	}
	return out, true
}

// Validate checks the graph shape: a single root, known parents, parents
// numbered below their children (which rules out cycles), and merges with at
// least two sources.
func (g Graph) Validate() error {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	roots := 0
	for _, id := range ids {
		v := g[id]
		if v.ParentID == nil {
			roots++
			if len(v.MergedFrom) > 0 {
				return fmt.Errorf("root version %s cannot be a merge", id)
			}
		}
		if len(v.MergedFrom) == 1 {
			return fmt.Errorf("merge version %s has a single source", id)
		}
		for _, pid := range Parents(v) {
			p, ok := g[pid]
			if !ok {
				return fmt.Errorf("version %s references unknown parent %s", id, pid)
			}
			if p.Number >= v.Number {
				return fmt.Errorf("version %s (#%d) has parent %s numbered #%d", id, v.Number, pid, p.Number)
			}
		}
	}
	if len(g) > 0 && roots != 1 {
		return fmt.Errorf("version graph has %d roots", roots)
	}
	return nil
}
