// The routing table keeps one bucket per possible common prefix length with
// the local node, so knowledge density grows towards our own neighbourhood
// of the identifier space.

package dht

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PingFunc probes a contact for liveness and reports whether it answered
// within a bounded interval. Transport failures count as no answer.
type PingFunc func(Contact) bool

type RoutingTable struct {
	mu      sync.Mutex
	self    ID
	k       int
	buckets []*Bucket
}

// NewRoutingTable builds an empty table for the given local ID with buckets
// of capacity k.
func NewRoutingTable(self ID, k int) *RoutingTable {
	rt := &RoutingTable{
		self:    self,
		k:       k,
		buckets: make([]*Bucket, self.Bits()),
	}

	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(k)
	}

	return rt
}

func (rt *RoutingTable) Self() ID {
	return rt.self
}

// bucketIndex is the common prefix length of id with the local ID. Only
// valid for id != self.
func (rt *RoutingTable) bucketIndex(id ID) int {
	return rt.self.Xor(id).LeadingZeros()
}

// Insert ensures the contact is represented in the table.
//
// A known ID is refreshed to the front of its bucket. A new contact goes to
// the front if there is room; if the bucket is full the least recently seen
// contact is probed with ping, and only evicted if it fails to answer.
// Inserting the local ID is a no-op. The caller may be blocked for the
// duration of the probe.
func (rt *RoutingTable) Insert(c Contact, now time.Time, ping PingFunc) {
	if c.ID.Equals(rt.self) {
		return
	}

	if len(c.ID.Raw) != len(rt.self.Raw) {
		log.WithField("id", c.ID.String()).Warn("Contact ID width mismatch, ignoring")
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[rt.bucketIndex(c.ID)]

	if bucket.Refresh(c, now) {
		return
	}

	if !bucket.Full() {
		bucket.Prepend(c, now)
		return
	}

	tail, _ := bucket.Tail()

	// The probe may call back into the table (a successful ping records
	// the responder), so it runs unlocked and the bucket is checked again
	// afterwards.
	rt.mu.Unlock()
	alive := ping != nil && ping(tail)
	rt.mu.Lock()

	if alive {
		// The old contact is alive, keep it and drop the newcomer.
		bucket.Refresh(tail, now)
		return
	}

	bucket.Remove(tail.ID)

	if bucket.Refresh(c, now) || bucket.Full() {
		return
	}

	bucket.Prepend(c, now)

	log.WithFields(log.Fields{
		"evicted": tail.ID.String(),
		"for":     c.ID.String(),
	}).Debug("Bucket tail evicted")
}

// Remove drops a contact from the table, used on confirmed failure.
func (rt *RoutingTable) Remove(id ID) {
	if id.Equals(rt.self) || len(id.Raw) != len(rt.self.Raw) {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.buckets[rt.bucketIndex(id)].Remove(id)
}

// Len is the total number of contacts stored.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	size := 0

	for _, b := range rt.buckets {
		size += b.Len()
	}

	return size
}

// KClosest returns up to n contacts sorted ascending by XOR distance to
// target, ties broken by lower ID. The local node is never included.
//
// Collection starts at the target's bucket and walks outward in both
// directions until enough candidates are gathered, then sorts exactly.
func (rt *RoutingTable) KClosest(target ID, n int) []Contact {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// a target we share every prefix bit with lives in the nearest bucket
	index := len(rt.buckets) - 1

	if !target.Equals(rt.self) && len(target.Raw) == len(rt.self.Raw) {
		index = rt.bucketIndex(target)
	}

	candidates := make([]Contact, 0, n*2)

	for i := 0; i < len(rt.buckets); i++ {
		if index+i < len(rt.buckets) {
			candidates = append(candidates, rt.buckets[index+i].Contacts()...)
		}

		if i > 0 && index-i >= 0 {
			candidates = append(candidates, rt.buckets[index-i].Contacts()...)
		}

		if len(candidates) >= n*2 {
			break
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		switch Closer(target, candidates[i].ID, candidates[j].ID) {
		case -1:
			return true
		case 1:
			return false
		}

		return candidates[i].ID.Less(candidates[j].ID)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	return candidates
}
