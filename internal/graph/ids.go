package graph

import (
	"sort"
	"strconv"
	"strings"
)

// ChildID returns the path ID for the index-th child (1-based) of a parent.
func ChildID(parentID string, index int) string {
	return parentID + "/" + strconv.Itoa(index)
}

// Depth returns how many levels below the root an ID sits. The root
// itself is depth 0.
func Depth(id string) int {
	return strings.Count(id, "/")
}

// ComparePathIDs orders IDs by path segment. Segments that are both
// integers compare numerically, so "root/2" sorts before "root/10";
// everything else compares as text. Shorter paths sort before their
// own descendants.
func ComparePathIDs(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")

	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an < bn {
				return -1
			}
			return 1
		}
		if as[i] < bs[i] {
			return -1
		}
		return 1
	}

	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

// SortPathIDs sorts IDs in place in path order.
func SortPathIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return ComparePathIDs(ids[i], ids[j]) < 0
	})
}
