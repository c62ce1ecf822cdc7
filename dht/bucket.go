package dht

import "time"

// Bucket is an LRU list of contacts sharing a common prefix length with the
// local node. Most recently seen contacts sit at the front.
type Bucket struct {
	k        int
	contacts []Contact
}

func NewBucket(k int) *Bucket {
	return &Bucket{
		k:        k,
		contacts: make([]Contact, 0, k),
	}
}

func (b *Bucket) Len() int {
	return len(b.contacts)
}

func (b *Bucket) Full() bool {
	return len(b.contacts) >= b.k
}

// Contacts returns a copy of the bucket contents, front first.
func (b *Bucket) Contacts() []Contact {
	ret := make([]Contact, len(b.contacts))
	copy(ret, b.contacts)

	return ret
}

func (b *Bucket) find(id ID) int {
	for i, c := range b.contacts {
		if c.ID.Equals(id) {
			return i
		}
	}

	return -1
}

// Contains reports whether the bucket holds a contact with the given ID.
func (b *Bucket) Contains(id ID) bool {
	return b.find(id) != -1
}

// Refresh moves an existing contact to the front, updating its endpoint and
// last seen time. Returns false if the contact is not in the bucket.
func (b *Bucket) Refresh(c Contact, now time.Time) bool {
	i := b.find(c.ID)

	if i == -1 {
		return false
	}

	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)

	c.LastSeen = now
	b.contacts = append([]Contact{c}, b.contacts...)

	return true
}

// Prepend inserts a new contact at the front. The caller ensures there is
// room and that the ID is not already present; a full bucket or a duplicate
// ID is a bug and panics.
func (b *Bucket) Prepend(c Contact, now time.Time) {
	if b.Full() || b.Contains(c.ID) {
		panic("dht: bucket invariant violated")
	}

	c.LastSeen = now
	b.contacts = append([]Contact{c}, b.contacts...)
}

// Tail returns the least recently seen contact.
func (b *Bucket) Tail() (Contact, bool) {
	if len(b.contacts) == 0 {
		return Contact{}, false
	}

	return b.contacts[len(b.contacts)-1], true
}

// Remove drops the contact with the given ID, if present.
func (b *Bucket) Remove(id ID) bool {
	i := b.find(id)

	if i == -1 {
		return false
	}

	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)

	return true
}
