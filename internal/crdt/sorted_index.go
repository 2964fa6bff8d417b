package crdt

import (
	"fmt"

	"github.com/google/btree"
)

// SortOrder names a listing order of dated, voted items
type SortOrder string

const (
	SortNew           SortOrder = "new"
	SortOld           SortOrder = "old"
	SortTop           SortOrder = "top"
	SortHot           SortOrder = "hot"
	SortConfidence    SortOrder = "confidence"
	SortControversial SortOrder = "controversial"
)

// ParseSortOrder validates a sort order name
func ParseSortOrder(s string) (SortOrder, error) {
	switch o := SortOrder(s); o {
	case SortNew, SortOld, SortTop, SortHot, SortConfidence, SortControversial:
		return o, nil
	default:
		return "", fmt.Errorf("unknown sort order %q", s)
	}
}

// rank is the key of an item for a sort order; higher ranks list first
func rank(order SortOrder, date int64, t VoteTally) float64 {
	switch order {
	case SortNew:
		return float64(date)
	case SortOld:
		return -float64(date)
	case SortTop:
		return float64(t.Score())
	case SortHot:
		return Hotness(date, t.Up, t.Down)
	case SortConfidence:
		return Confidence(t.Up, t.Down)
	case SortControversial:
		return Controversy(t.Up, t.Down)
	default:
		return 0
	}
}

type rankedItem struct {
	rank float64
	key  string
}

func rankedLess(a, b rankedItem) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	return a.key < b.key
}

// sortedIndex lists items in listing order. It is derived state, rebuilt
// from the source maps whenever they change.
type sortedIndex struct {
	tree  *btree.BTreeG[rankedItem]
	byKey map[string]rankedItem
}

func newSortedIndex() *sortedIndex {
	return &sortedIndex{
		tree:  btree.NewG[rankedItem](16, rankedLess),
		byKey: make(map[string]rankedItem),
	}
}

func (ix *sortedIndex) put(key string, r float64) {
	if old, ok := ix.byKey[key]; ok {
		ix.tree.Delete(old)
	}
	item := rankedItem{rank: r, key: key}
	ix.tree.ReplaceOrInsert(item)
	ix.byKey[key] = item
}

func (ix *sortedIndex) len() int {
	return ix.tree.Len()
}

// page lists up to limit keys strictly after the anchor after, or strictly
// before the anchor before, in listing order. An unknown anchor yields
// nothing. limit <= 0 means no limit.
func (ix *sortedIndex) page(after, before string, limit int) []string {
	out := []string{}
	full := func() bool { return limit > 0 && len(out) >= limit }

	switch {
	case before != "":
		pivot, ok := ix.byKey[before]
		if !ok {
			return out
		}
		ix.tree.DescendLessOrEqual(pivot, func(it rankedItem) bool {
			if it.key == before {
				return true
			}
			out = append(out, it.key)
			return !full()
		})
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case after != "":
		pivot, ok := ix.byKey[after]
		if !ok {
			return out
		}
		ix.tree.AscendGreaterOrEqual(pivot, func(it rankedItem) bool {
			if it.key == after {
				return true
			}
			out = append(out, it.key)
			return !full()
		})
	default:
		ix.tree.Ascend(func(it rankedItem) bool {
			out = append(out, it.key)
			return !full()
		})
	}
	return out
}
