// Package hierarchy implements the organization tree over materialised
// ancestor paths.
//
// Every node stores the ordered list of IDs from the root down to itself.
// Ancestry questions become prefix checks over that list:
//   - a node is a descendant of another when the other's path is a prefix
//     of its own
//   - the ancestor chain of a node is its path read backwards
//
// This keeps "is-descendant-of" at O(depth) without string matching on
// delimited path columns.
package hierarchy

import (
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrInvalidPath is returned when a node's path does not equal its
	// parent's path with the node appended.
	ErrInvalidPath = errors.New("hierarchy: path must be parent path plus self")

	// ErrInvalidLevel is returned when Level != len(Path).
	ErrInvalidLevel = errors.New("hierarchy: level must equal path length")

	// ErrCycle is returned when a move would place a node under its own subtree.
	ErrCycle = errors.New("hierarchy: cannot move a node under its own subtree")

	// ErrRootNotDistributor is returned when a root node is not a distributor.
	ErrRootNotDistributor = errors.New("hierarchy: root organization must be a distributor")

	// ErrNestedDistributor is returned when a distributor is given a parent.
	ErrNestedDistributor = errors.New("hierarchy: distributor must be a root organization")
)

// IsDescendantOf reports whether path lies inside the subtree rooted at
// ancestor (a node counts as its own descendant).
func IsDescendantOf(path, ancestor []string) bool {
	if len(ancestor) == 0 || len(ancestor) > len(path) {
		return false
	}
	for i := range ancestor {
		if path[i] != ancestor[i] {
			return false
		}
	}
	return true
}

// ChildPath returns parent with id appended, without aliasing parent.
func ChildPath(parent []string, id string) []string {
	p := make([]string, 0, len(parent)+1)
	p = append(p, parent...)
	return append(p, id)
}

// Attach sets org's path and level from its parent. A nil parent makes org
// a root, which must be a distributor; distributors are only ever roots.
func Attach(org *model.Organization, parent *model.Organization) error {
	if parent != nil && org.IsDistributor() {
		return fmt.Errorf("%w: %s under %s", ErrNestedDistributor, org.ID, parent.ID)
	}
	if parent == nil {
		if org.Type != model.OrgDistributor {
			return fmt.Errorf("%w: %s is %s", ErrRootNotDistributor, org.ID, org.Type)
		}
		org.ParentID = ""
		org.Path = []string{org.ID}
		org.Level = 1
		return nil
	}
	org.ParentID = parent.ID
	org.Path = ChildPath(parent.Path, org.ID)
	org.Level = len(org.Path)
	return nil
}

// Validate checks the path/level invariant of org against its parent.
func Validate(org *model.Organization, parent *model.Organization) error {
	if org.Level != len(org.Path) {
		return fmt.Errorf("%w: %s level=%d path=%v", ErrInvalidLevel, org.ID, org.Level, org.Path)
	}
	if len(org.Path) == 0 || org.Path[len(org.Path)-1] != org.ID {
		return fmt.Errorf("%w: %s path=%v", ErrInvalidPath, org.ID, org.Path)
	}
	if parent == nil {
		if len(org.Path) != 1 {
			return fmt.Errorf("%w: root %s path=%v", ErrInvalidPath, org.ID, org.Path)
		}
		if !org.IsDistributor() {
			return fmt.Errorf("%w: %s is %s", ErrRootNotDistributor, org.ID, org.Type)
		}
		return nil
	}
	if org.IsDistributor() {
		return fmt.Errorf("%w: %s under %s", ErrNestedDistributor, org.ID, parent.ID)
	}
	if len(org.Path) != len(parent.Path)+1 || !IsDescendantOf(org.Path, parent.Path) {
		return fmt.Errorf("%w: %s under %s", ErrInvalidPath, org.ID, parent.ID)
	}
	return nil
}

// Reparent moves the subtree rooted at org under newParent, rewriting the
// path and level of org and every node in subtree. subtree must hold the
// current descendants of org (org itself excluded).
func Reparent(org *model.Organization, newParent *model.Organization, subtree []*model.Organization) error {
	if IsDescendantOf(newParent.Path, org.Path) {
		return fmt.Errorf("%w: %s under %s", ErrCycle, org.ID, newParent.ID)
	}
	oldPath := org.Path
	if err := Attach(org, newParent); err != nil {
		return err
	}
	for _, n := range subtree {
		if !IsDescendantOf(n.Path, oldPath) {
			continue
		}
		rest := n.Path[len(oldPath):]
		p := make([]string, 0, len(org.Path)+len(rest))
		p = append(p, org.Path...)
		n.Path = append(p, rest...)
		n.Level = len(n.Path)
	}
	return nil
}

// AncestorIDs returns the IDs of the nodes on path ordered nearest first
// (the node itself first, the root last).
func AncestorIDs(path []string) []string {
	ids := make([]string, len(path))
	for i, id := range path {
		ids[len(path)-1-i] = id
	}
	return ids
}

// OrderChain sorts orgs deepest level first so the chain reads from the
// nearest parent up to the root.
func OrderChain(orgs []model.Organization) []model.Organization {
	out := make([]model.Organization, len(orgs))
	copy(out, orgs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Level > out[j-1].Level; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Distributor returns the top distributor in chain, or nil. chain is
// ordered nearest first, so the root-most distributor is the last one.
func Distributor(chain []model.Organization) *model.Organization {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].IsDistributor() {
			return &chain[i]
		}
	}
	return nil
}
