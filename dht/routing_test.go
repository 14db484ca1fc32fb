package dht

import (
	"net"
	"testing"
	"time"
)

func testID(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func testContact(b byte) Contact {
	return Contact{ID: testID(b), IP: net.IPv4(10, 0, 0, b), Port: 6881}
}

func TestDistanceMetric(t *testing.T) {
	a, b := NewRandomID(), NewRandomID()
	if a.Distance(b) != b.Distance(a) {
		t.Error("distance is not symmetric")
	}
	if !a.Distance(a).IsZero() {
		t.Error("distance to self is not zero")
	}
}

func TestFindNeighborsOrdering(t *testing.T) {
	table := NewTable(testID(0xff))
	for b := byte(1); b <= 20; b++ {
		table.AddContact(testContact(b))
	}

	target := testID(7)
	neighbors := table.FindNeighbors(target, nil, K)
	if len(neighbors) == 0 {
		t.Fatal("no neighbors returned")
	}
	if len(neighbors) > K {
		t.Fatalf("returned %d neighbors, want at most %d", len(neighbors), K)
	}
	for i := 1; i < len(neighbors); i++ {
		prev := neighbors[i-1].ID.Distance(target)
		cur := neighbors[i].ID.Distance(target)
		if cur.Less(prev) {
			t.Fatalf("neighbors out of order at %d: %s before %s", i, neighbors[i-1].ID, neighbors[i].ID)
		}
	}
	if neighbors[0].ID != target {
		t.Errorf("closest neighbor is %s, want %s", neighbors[0].ID, target)
	}
}

func TestFindNeighborsExclude(t *testing.T) {
	table := NewTable(testID(0xff))
	for b := byte(1); b <= 5; b++ {
		table.AddContact(testContact(b))
	}
	excluded := testID(3)
	for _, c := range table.FindNeighbors(testID(3), &excluded, K) {
		if c.ID == excluded {
			t.Fatal("excluded contact was returned")
		}
	}
}

func TestBucketRejectsWhenFull(t *testing.T) {
	// Self has a high id, so the low half of the space never splits.
	self, err := IDFromHex("ffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	table := NewTable(self)

	// IDs in the low half of the space: first byte zero.
	for b := byte(1); b <= K+4; b++ {
		var id ID
		id[1] = b
		table.AddContact(Contact{ID: id, IP: net.IPv4(10, 0, 0, b), Port: 6881})
	}

	// Eventually the low bucket fills up and some adds bounce, but
	// nothing is silently evicted.
	if got := table.Count(); got > 2*K {
		t.Errorf("table holds %d contacts, want at most %d", got, 2*K)
	}

	var known ID
	known[1] = 1
	if table.IsNew(known) {
		t.Error("first contact was evicted from a full bucket")
	}
}

func TestOwnRangeBucketSplits(t *testing.T) {
	self := testID(0x80)
	table := NewTable(self)

	for i := 0; i < 4*K; i++ {
		table.AddContact(Contact{ID: NewRandomID(), IP: net.IPv4(10, 0, 1, byte(i)), Port: 7000 + i})
	}
	if got := table.Count(); got <= K {
		t.Errorf("table holds %d contacts, splitting should allow more than %d", got, K)
	}
}

func TestRemoveContact(t *testing.T) {
	table := NewTable(testID(0xff))
	c := testContact(1)
	table.AddContact(c)
	if table.IsNew(c.ID) {
		t.Fatal("contact not added")
	}
	table.RemoveContact(c.ID)
	if !table.IsNew(c.ID) {
		t.Fatal("contact not removed")
	}
}

func TestRefreshIDs(t *testing.T) {
	table := NewTable(testID(0x80))
	table.AddContact(testContact(1))

	if ids := table.RefreshIDs(time.Hour); len(ids) != 0 {
		t.Errorf("fresh buckets reported as lonely: %v", ids)
	}
	ids := table.RefreshIDs(0)
	if len(ids) == 0 {
		t.Fatal("stale bucket not reported")
	}
	for _, id := range ids {
		if table.bucketFor(id) == nil {
			t.Errorf("refresh id %s outside any bucket", id)
		}
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	contacts := []Contact{testContact(1), testContact(2), testContact(3)}
	packed := packContacts(contacts)
	if len(packed) != 3*compactNodeLen {
		t.Fatalf("packed length = %d, want %d", len(packed), 3*compactNodeLen)
	}
	unpacked, err := unpackContacts(packed)
	if err != nil {
		t.Fatalf("unpackContacts failed: %v", err)
	}
	for i := range contacts {
		if unpacked[i].ID != contacts[i].ID || unpacked[i].Port != contacts[i].Port {
			t.Errorf("contact %d mismatch: %v vs %v", i, unpacked[i], contacts[i])
		}
		if !unpacked[i].IP.Equal(contacts[i].IP) {
			t.Errorf("contact %d IP mismatch: %v vs %v", i, unpacked[i].IP, contacts[i].IP)
		}
	}

	if _, err := unpackContacts(packed[:25]); err == nil {
		t.Error("truncated node data should be rejected")
	}
}

func TestTieBreakInsertionOrder(t *testing.T) {
	// Two contacts with the same id cannot coexist, so force equal
	// distances via the sort helper directly.
	target := testID(0)
	contacts := []Contact{
		{ID: testID(5), Port: 1},
		{ID: testID(5), Port: 2},
		{ID: testID(3), Port: 3},
	}
	sortByDistance(contacts, target)
	if contacts[0].ID != testID(3) {
		t.Fatalf("closest contact should sort first, got %v", contacts[0])
	}
	if contacts[1].Port != 1 || contacts[2].Port != 2 {
		t.Errorf("equal distances must preserve insertion order, got %v", contacts)
	}
}

func TestDistanceXOR(t *testing.T) {
	var a, b ID
	a[19] = 0xff
	b[19] = 0x0f
	got := a.Distance(b)
	var want ID
	want[19] = 0xf0
	if got != want {
		t.Errorf("Distance = %s, want %s", got, want)
	}
}
