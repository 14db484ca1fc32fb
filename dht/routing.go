package dht

import (
	"crypto/rand"
	"math/big"
	"sort"
	"sync"
	"time"
)

// K is the Kademlia bucket capacity.
const K = 8

// Table is the routing table: an ordered sequence of buckets
// partitioning the 160-bit id space. Buckets hold at most K contacts;
// the bucket covering the local node's own id splits on overflow, any
// other full bucket rejects newcomers.
type Table struct {
	mu      sync.Mutex
	self    ID
	k       int
	buckets []*bucket
}

type bucket struct {
	lo, hi      *big.Int // id range [lo, hi)
	contacts    []Contact
	lastUpdated time.Time
}

func NewTable(self ID) *Table {
	maxID := new(big.Int).Lsh(big.NewInt(1), IDLength*8)
	return &Table{
		self: self,
		k:    K,
		buckets: []*bucket{
			{lo: big.NewInt(0), hi: maxID, lastUpdated: time.Now()},
		},
	}
}

func idInt(id ID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func (b *bucket) covers(id ID) bool {
	v := idInt(id)
	return b.lo.Cmp(v) <= 0 && v.Cmp(b.hi) < 0
}

func (b *bucket) indexOf(id ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (t *Table) bucketFor(id ID) *bucket {
	for _, b := range t.buckets {
		if b.covers(id) {
			return b
		}
	}
	// Unreachable: buckets partition the full space.
	return t.buckets[len(t.buckets)-1]
}

// AddContact inserts or refreshes a contact. Returns false when the
// covering bucket is full and may not split.
func (t *Table) AddContact(c Contact) bool {
	if c.ID == t.self || c.ID.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		b := t.bucketFor(c.ID)
		b.lastUpdated = time.Now()

		if i := b.indexOf(c.ID); i >= 0 {
			// Seen again: move to the most-recent end.
			b.contacts = append(append(b.contacts[:i:i], b.contacts[i+1:]...), c)
			return true
		}
		if len(b.contacts) < t.k {
			b.contacts = append(b.contacts, c)
			return true
		}
		if !b.covers(t.self) {
			return false
		}
		t.split(b)
	}
}

// split divides b at the midpoint of its range, preserving contact
// insertion order within each half.
func (t *Table) split(b *bucket) {
	mid := new(big.Int).Add(b.lo, b.hi)
	mid.Rsh(mid, 1)

	left := &bucket{lo: b.lo, hi: mid, lastUpdated: b.lastUpdated}
	right := &bucket{lo: mid, hi: b.hi, lastUpdated: b.lastUpdated}
	for _, c := range b.contacts {
		if idInt(c.ID).Cmp(mid) < 0 {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}

	for i, existing := range t.buckets {
		if existing == b {
			replaced := append([]*bucket{}, t.buckets[:i]...)
			replaced = append(replaced, left, right)
			t.buckets = append(replaced, t.buckets[i+1:]...)
			return
		}
	}
}

// RemoveContact drops a contact after confirmed unreachability. This is
// the only path by which an entry leaves the table.
func (t *Table) RemoveContact(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(id)
	if i := b.indexOf(id); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	}
}

// IsNew reports whether the table has no entry for id.
func (t *Table) IsNew(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketFor(id).indexOf(id) < 0
}

// FindNeighbors returns up to count contacts ordered by ascending XOR
// distance to target. Equal distances keep insertion order.
func (t *Table) FindNeighbors(target ID, exclude *ID, count int) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []Contact
	for _, b := range t.buckets {
		for _, c := range b.contacts {
			if exclude != nil && c.ID == *exclude {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	sortByDistance(candidates, target)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// Count returns the number of contacts in the table.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}

// RefreshIDs returns one random id inside every bucket that has not
// seen traffic for maxAge, to be used as find_node targets. Selected
// buckets count as touched so one stale bucket does not trigger a
// refresh on every pass.
func (t *Table) RefreshIDs(maxAge time.Duration) []ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []ID
	cutoff := time.Now().Add(-maxAge)
	for _, b := range t.buckets {
		if b.lastUpdated.After(cutoff) {
			continue
		}
		span := new(big.Int).Sub(b.hi, b.lo)
		offset, err := rand.Int(rand.Reader, span)
		if err != nil {
			continue
		}
		value := new(big.Int).Add(b.lo, offset)

		var id ID
		value.FillBytes(id[:])
		ids = append(ids, id)
		b.lastUpdated = time.Now()
	}
	return ids
}

func sortByDistance(contacts []Contact, target ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.Distance(target).Less(contacts[j].ID.Distance(target))
	})
}
