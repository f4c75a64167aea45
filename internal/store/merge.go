package store

import (
	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

// Change describes what an upsert did to the collection.
type Change int

const (
	ChangeIgnored Change = iota
	ChangeInserted
	ChangeUpdated
	ChangeRemoved
)

func (c Change) String() string {
	switch c {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "ignored"
	}
}

// Upsert merges a pushed record into items, honouring the current filter:
// a known identity is replaced while it still matches and dropped once it
// does not; an unknown identity is appended only if it matches.
//
// items is never modified; the returned slice is new whenever the change is
// not ChangeIgnored.
func Upsert(items []schema.Item, it schema.Item, f filter.Set) ([]schema.Item, Change) {
	matches := filter.Matches(it, f)
	for i := range items {
		if items[i].ID != it.ID {
			continue
		}
		if !matches {
			out := make([]schema.Item, 0, len(items)-1)
			out = append(out, items[:i]...)
			return append(out, items[i+1:]...), ChangeRemoved
		}
		out := make([]schema.Item, len(items))
		copy(out, items)
		out[i] = it
		return out, ChangeUpdated
	}
	if !matches {
		return items, ChangeIgnored
	}
	out := make([]schema.Item, len(items), len(items)+1)
	copy(out, items)
	return append(out, it), ChangeInserted
}

// AppendPage returns items followed by every page row whose identity is not
// already present. The first occurrence of an identity wins.
func AppendPage(items, page []schema.Item) []schema.Item {
	seen := make(map[schema.ItemID]struct{}, len(items)+len(page))
	out := make([]schema.Item, 0, len(items)+len(page))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	for _, it := range page {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
