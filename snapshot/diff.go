package snapshot

import (
	"encoding/json"
	"sort"

	"github.com/ortelius/pdvd-vulncorr/model"
)

// KeySet is a set of dependency keys
type KeySet map[model.DependencyKey]struct{}

// Has reports membership
func (s KeySet) Has(k model.DependencyKey) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys ordered by component then version
func (s KeySet) Sorted() []model.DependencyKey {
	out := make([]model.DependencyKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComponentID != out[j].ComponentID {
			return out[i].ComponentID < out[j].ComponentID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// MarshalJSON renders the set as a sorted list
func (s KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// Keys collects the dependency keys of a dependency set
func Keys(deps []model.Dependency) KeySet {
	set := make(KeySet, len(deps))
	for _, d := range deps {
		set[d.DepKey()] = struct{}{}
	}
	return set
}

// DiffResult partitions two dependency sets by (component, version)
type DiffResult struct {
	Added     KeySet `json:"added"`
	Removed   KeySet `json:"removed"`
	Unchanged KeySet `json:"unchanged"`
}

// Diff compares the dependencies of an older and a newer snapshot
func Diff(older, newer []model.Dependency) DiffResult {
	before, after := Keys(older), Keys(newer)
	res := DiffResult{Added: KeySet{}, Removed: KeySet{}, Unchanged: KeySet{}}

	for k := range after {
		if before.Has(k) {
			res.Unchanged[k] = struct{}{}
		} else {
			res.Added[k] = struct{}{}
		}
	}
	for k := range before {
		if !after.Has(k) {
			res.Removed[k] = struct{}{}
		}
	}
	return res
}
