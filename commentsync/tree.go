package commentsync

import "time"

// TreeStore is the in-memory threaded comment collection for one content item.
//
// All mutations are synchronous and side-effect free beyond the store's own
// state, so the reconciler can be tested without any network or timers.
//
// Ordering invariants:
//   - top-level: pending entries pinned at the head in submission order,
//     then confirmed entries by CreatedAt descending
//   - replies: confirmed entries by CreatedAt ascending, pending entries last
//   - at most one entry per confirmed id
type TreeStore struct {
	roots  []*treeEntry
	byID   map[string]*treeEntry
	byCorr map[string]*treeEntry
}

type treeEntry struct {
	c       Comment
	replies []*treeEntry
}

// NewTreeStore constructs an empty TreeStore.
func NewTreeStore() *TreeStore {
	return &TreeStore{
		byID:   make(map[string]*treeEntry),
		byCorr: make(map[string]*treeEntry),
	}
}

// Len returns the total number of comments, replies included.
func (t *TreeStore) Len() int {
	n := len(t.roots)
	for _, r := range t.roots {
		n += len(r.replies)
	}
	return n
}

// HasID reports whether a confirmed id is present.
func (t *TreeStore) HasID(id string) bool {
	if id == "" {
		return false
	}
	_, ok := t.byID[id]
	return ok
}

// Get returns the comment with the given confirmed id.
func (t *TreeStore) Get(id string) (Comment, bool) {
	e, ok := t.byID[id]
	if !ok {
		return Comment{}, false
	}
	return e.c, true
}

// GetByCorrelation returns the locally originated comment for a correlation id.
func (t *TreeStore) GetByCorrelation(corr string) (Comment, bool) {
	e, ok := t.byCorr[corr]
	if !ok {
		return Comment{}, false
	}
	return e.c, true
}

// ConfirmedIDs returns every confirmed id currently in the tree, in view order.
func (t *TreeStore) ConfirmedIDs() []string {
	out := make([]string, 0, t.Len())
	for _, r := range t.roots {
		if r.c.ID != "" {
			out = append(out, r.c.ID)
		}
		for _, rep := range r.replies {
			if rep.c.ID != "" {
				out = append(out, rep.c.ID)
			}
		}
	}
	return out
}

// Insert places a comment according to the ordering invariants.
//
// Returns errDuplicateID when the confirmed id is already present and
// errParentMissing when a reply's parent is not a top-level entry in the tree
// (the caller decides whether to buffer the orphan).
func (t *TreeStore) Insert(c Comment) error {
	if c.ID != "" {
		if _, ok := t.byID[c.ID]; ok {
			return errDuplicateID
		}
	}

	e := &treeEntry{c: c}

	if c.IsReply() {
		parent, ok := t.byID[c.ParentID]
		if !ok || parent.c.IsReply() {
			return errParentMissing
		}
		parent.replies = insertReply(parent.replies, e)
	} else {
		t.roots = insertRoot(t.roots, e)
	}

	t.index(e)
	return nil
}

// ReplaceByCorrelation swaps a locally pending entry for its confirmed
// counterpart in place, preserving its current position to avoid view jitter.
func (t *TreeStore) ReplaceByCorrelation(corr string, confirmed Comment) bool {
	e, ok := t.byCorr[corr]
	if !ok {
		return false
	}

	oldID := e.c.ID
	e.c = confirmed
	e.c.State = StateConfirmed

	if oldID != "" && oldID != confirmed.ID {
		delete(t.byID, oldID)
	}
	t.index(e)
	return true
}

// Update applies authoritative content to an existing confirmed entry.
func (t *TreeStore) Update(id, content string, editedAt time.Time) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	e.c.Content = content
	e.c.EditedAt = editedAt
	e.c.State = StateConfirmed
	return true
}

// ApplyLocalEdit overwrites an entry's content optimistically and marks it
// pending until the broker's authoritative echo arrives.
func (t *TreeStore) ApplyLocalEdit(id, content string) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	e.c.Content = content
	e.c.State = StatePending
	return true
}

// MarkFailed transitions a locally pending entry to failed in place.
// The entry stays in the view so the user can retry it.
func (t *TreeStore) MarkFailed(corr string) bool {
	e, ok := t.byCorr[corr]
	if !ok {
		return false
	}
	e.c.State = StateFailed
	return true
}

// MarkFailedByID transitions an entry to failed by confirmed id.
// Used when an optimistic edit expires without a confirming echo.
func (t *TreeStore) MarkFailedByID(id string) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	e.c.State = StateFailed
	return true
}

// Remove deletes a comment by confirmed id. Removing a top-level comment
// removes its whole reply thread. Returns every removed id.
func (t *TreeStore) Remove(id string) []string {
	e, ok := t.byID[id]
	if !ok {
		return nil
	}

	if e.c.IsReply() {
		if parent, ok := t.byID[e.c.ParentID]; ok {
			parent.replies = removeEntry(parent.replies, e)
		}
		t.unindex(e)
		return []string{id}
	}

	removed := make([]string, 0, 1+len(e.replies))
	removed = append(removed, id)
	for _, rep := range e.replies {
		if rep.c.ID != "" {
			removed = append(removed, rep.c.ID)
		}
		t.unindex(rep)
	}
	t.roots = removeEntry(t.roots, e)
	t.unindex(e)
	return removed
}

// RemoveByCorrelation drops a locally originated entry that never confirmed.
func (t *TreeStore) RemoveByCorrelation(corr string) bool {
	e, ok := t.byCorr[corr]
	if !ok {
		return false
	}

	if e.c.IsReply() {
		if parent, ok := t.byID[e.c.ParentID]; ok {
			parent.replies = removeEntry(parent.replies, e)
		}
	} else {
		t.roots = removeEntry(t.roots, e)
	}
	t.unindex(e)
	return true
}

// OrderedList returns the flattened threaded view for rendering.
// The result is a copy: callers never observe later mutations.
func (t *TreeStore) OrderedList() []Comment {
	out := make([]Comment, 0, len(t.roots))
	for _, r := range t.roots {
		c := r.c
		if len(r.replies) > 0 {
			c.Replies = make([]Comment, 0, len(r.replies))
			for _, rep := range r.replies {
				c.Replies = append(c.Replies, rep.c)
			}
		}
		out = append(out, c)
	}
	return out
}

// ---- internal ----

func (t *TreeStore) index(e *treeEntry) {
	if e.c.ID != "" {
		t.byID[e.c.ID] = e
	}
	if e.c.ClientCorrelationID != "" {
		t.byCorr[e.c.ClientCorrelationID] = e
	}
}

func (t *TreeStore) unindex(e *treeEntry) {
	if e.c.ID != "" {
		delete(t.byID, e.c.ID)
	}
	if e.c.ClientCorrelationID != "" {
		delete(t.byCorr, e.c.ClientCorrelationID)
	}
}

// insertRoot keeps pending entries pinned at the head in submission order and
// confirmed entries sorted by CreatedAt descending after them.
func insertRoot(roots []*treeEntry, e *treeEntry) []*treeEntry {
	pin := 0
	for pin < len(roots) && roots[pin].c.State == StatePending {
		pin++
	}

	pos := len(roots)
	if e.c.State == StatePending {
		pos = pin
	} else {
		for i := pin; i < len(roots); i++ {
			if e.c.CreatedAt.After(roots[i].c.CreatedAt) {
				pos = i
				break
			}
		}
	}
	return insertAt(roots, pos, e)
}

// insertReply keeps confirmed replies sorted by CreatedAt ascending with
// pending replies trailing in submission order.
func insertReply(replies []*treeEntry, e *treeEntry) []*treeEntry {
	pos := len(replies)
	if e.c.State != StatePending {
		for i, r := range replies {
			if r.c.State == StatePending || r.c.CreatedAt.After(e.c.CreatedAt) {
				pos = i
				break
			}
		}
	}
	return insertAt(replies, pos, e)
}

func insertAt(s []*treeEntry, i int, e *treeEntry) []*treeEntry {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = e
	return s
}

func removeEntry(s []*treeEntry, e *treeEntry) []*treeEntry {
	for i, cur := range s {
		if cur == e {
			copy(s[i:], s[i+1:])
			s[len(s)-1] = nil
			return s[:len(s)-1]
		}
	}
	return s
}
