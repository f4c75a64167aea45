package store

import (
	"sort"
	"sync"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

// Store is the identity-keyed collection of items currently visible in a
// batch view. Pages from the REST API and pushed deltas both write to it.
//
// Every upsert advances a sequence number and leaves a mark for its identity.
// A page fetched before that point carries an older view of the row, so page
// installs taking a since value prefer the mark over the page row.
type Store struct {
	mu        sync.RWMutex
	items     []schema.Item
	seq       uint64
	marks     map[schema.ItemID]mark
	listeners []func()
}

type mark struct {
	seq     uint64
	item    schema.Item
	present bool
}

func New() *Store {
	return &Store{marks: make(map[schema.ItemID]mark)}
}

// OnChange registers fn to run after every write that alters the contents.
// Listeners run on the writer's goroutine without the store lock held.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Seq returns the current push sequence number. Fetches record it before
// issuing the request and hand it back to the *Since page installs.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Update installs fn(old) as the new contents. fn runs under the store lock
// and must not retain or mutate old.
func (s *Store) Update(fn func(old []schema.Item) []schema.Item) {
	s.mu.Lock()
	s.items = fn(s.items)
	listeners := s.listeners
	s.mu.Unlock()
	notify(listeners)
}

// ReplacePage discards the current contents and installs page.
func (s *Store) ReplacePage(page []schema.Item) {
	s.ReplacePageSince(page, s.Seq())
}

// AppendPage merges page after the current contents, skipping identities
// already present.
func (s *Store) AppendPage(page []schema.Item) int {
	return s.AppendPageSince(page, s.Seq())
}

// ReplacePageSince installs page as the new contents. Rows whose identity
// was pushed after since are replaced by the pushed record, or dropped if the
// push removed them; pushed records absent from the page are kept at the end.
func (s *Store) ReplacePageSince(page []schema.Item, since uint64) {
	s.mu.Lock()
	next := s.reconcile(page, since)

	inPage := make(map[schema.ItemID]struct{}, len(next))
	for _, it := range next {
		inPage[it.ID] = struct{}{}
	}
	for _, m := range s.newerMarks(since) {
		if !m.present {
			continue
		}
		if _, ok := inPage[m.item.ID]; ok {
			continue
		}
		next = append(next, m.item)
		inPage[m.item.ID] = struct{}{}
	}

	s.items = next
	s.prune(since)
	listeners := s.listeners
	s.mu.Unlock()
	notify(listeners)
}

// AppendPageSince merges page after the current contents and returns the
// number of rows added.
func (s *Store) AppendPageSince(page []schema.Item, since uint64) int {
	s.mu.Lock()
	before := len(s.items)
	s.items = AppendPage(s.items, s.reconcile(page, since))
	added := len(s.items) - before
	s.prune(since)
	listeners := s.listeners
	s.mu.Unlock()
	if added > 0 {
		notify(listeners)
	}
	return added
}

// Upsert applies a pushed record under f. See the package-level Upsert.
func (s *Store) Upsert(it schema.Item, f filter.Set) Change {
	s.mu.Lock()
	next, change := Upsert(s.items, it, f)
	s.items = next
	s.seq++
	s.marks[it.ID] = mark{seq: s.seq, item: it, present: change == ChangeInserted || change == ChangeUpdated}
	listeners := s.listeners
	s.mu.Unlock()
	if change != ChangeIgnored {
		notify(listeners)
	}
	return change
}

// Snapshot returns a copy of the current ordered contents.
func (s *Store) Snapshot() []schema.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Get returns the stored record for id.
func (s *Store) Get(id schema.ItemID) (schema.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if it.ID == id {
			return it, true
		}
	}
	return schema.Item{}, false
}

// reconcile swaps page rows for newer pushed records. Caller holds s.mu.
func (s *Store) reconcile(page []schema.Item, since uint64) []schema.Item {
	out := make([]schema.Item, 0, len(page))
	seen := make(map[schema.ItemID]struct{}, len(page))
	for _, it := range page {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if m, ok := s.marks[it.ID]; ok && m.seq > since {
			if m.present {
				out = append(out, m.item)
			}
			continue
		}
		out = append(out, it)
	}
	return out
}

func (s *Store) newerMarks(since uint64) []mark {
	var out []mark
	for _, m := range s.marks {
		if m.seq > since {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// prune drops marks a page fetched at since has already observed.
func (s *Store) prune(since uint64) {
	for id, m := range s.marks {
		if m.seq <= since {
			delete(s.marks, id)
		}
	}
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
