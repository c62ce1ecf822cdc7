// The iterative lookup walks the network towards a target ID. It keeps a
// shortlist of the closest contacts heard of so far, queries up to alpha of
// them at a time, and stops once a full round of queries brings nothing
// closer.

package kades

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/kades/kades/dht"
	"github.com/kades/kades/proto"
)

type lookupMode int

const (
	lookupNode lookupMode = iota
	lookupValue
)

type lookupResult struct {
	Contacts []dht.Contact
	Value    []byte
}

const (
	stateUnqueried = iota
	stateInFlight
	stateResponded
	stateFailed
)

type lookupEntry struct {
	contact dht.Contact
	state   int
}

// shortlist is the lookup's working set, kept sorted by distance to the
// target. Only the main lookup loop touches it, so it needs no locking.
type shortlist struct {
	target  dht.ID
	self    dht.ID
	entries []*lookupEntry
	seen    map[string]*lookupEntry
}

func newShortlist(target, self dht.ID) *shortlist {
	return &shortlist{
		target: target,
		self:   self,
		seen:   make(map[string]*lookupEntry),
	}
}

// add merges contacts into the shortlist, skipping ourselves and anything
// already present. It reports whether the closest known contact changed.
func (s *shortlist) add(contacts []dht.Contact) bool {
	var prevBest *lookupEntry

	if len(s.entries) > 0 {
		prevBest = s.entries[0]
	}

	added := false

	for _, c := range contacts {
		if c.ID.Equals(s.self) {
			continue
		}

		key := string(c.ID.Raw)

		if _, ok := s.seen[key]; ok {
			continue
		}

		e := &lookupEntry{contact: c, state: stateUnqueried}
		s.seen[key] = e
		s.entries = append(s.entries, e)
		added = true
	}

	if !added {
		return false
	}

	sort.SliceStable(s.entries, func(i, j int) bool {
		switch dht.Closer(s.target, s.entries[i].contact.ID, s.entries[j].contact.ID) {
		case -1:
			return true
		case 1:
			return false
		default:
			return s.entries[i].contact.ID.Less(s.entries[j].contact.ID)
		}
	})

	return prevBest == nil || s.entries[0] != prevBest
}

func (s *shortlist) find(id dht.ID) *lookupEntry {
	return s.seen[string(id.Raw)]
}

// nextCandidate returns the closest unqueried entry within the window of
// the n closest live entries, or nil when the window is exhausted.
func (s *shortlist) nextCandidate(n int) *lookupEntry {
	live := 0

	for _, e := range s.entries {
		if e.state == stateFailed {
			continue
		}

		if e.state == stateUnqueried {
			return e
		}

		live++

		if live >= n {
			break
		}
	}

	return nil
}

// responded collects the n closest contacts that answered.
func (s *shortlist) responded(n int) []dht.Contact {
	out := make([]dht.Contact, 0, n)

	for _, e := range s.entries {
		if e.state != stateResponded {
			continue
		}

		out = append(out, e.contact)

		if len(out) == n {
			break
		}
	}

	return out
}

type rpcResult struct {
	from  dht.Contact
	peers []dht.Contact
	value []byte
	err   error
}

// lookup runs the iterative search. In value mode it returns as soon as any
// peer hands back the value; a search that converges without a hit carries
// the closest responders and no value. In node mode it converges on the k
// closest responsive contacts.
func (n *Node) lookup(ctx context.Context, target dht.ID, mode lookupMode) (*lookupResult, error) {
	seeds := n.table.KClosest(target, n.cfg.K)

	if len(seeds) == 0 {
		return nil, ErrNoKnownContacts
	}

	sl := newShortlist(target, n.self.ID)
	sl.add(seeds)

	// buffered so a worker can always post its result, even after the
	// lookup has returned
	results := make(chan rpcResult, n.cfg.Alpha)

	inFlight := 0
	sinceImprove := 0

	for {
		for inFlight < n.cfg.Alpha && sinceImprove < n.cfg.Alpha {
			e := sl.nextCandidate(n.cfg.K)

			if e == nil {
				break
			}

			e.state = stateInFlight
			inFlight++

			go n.query(ctx, e.contact, target, mode, results)
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--

			e := sl.find(res.from.ID)

			if res.err != nil {
				e.state = stateFailed
				sinceImprove++
				continue
			}

			e.state = stateResponded

			if mode == lookupValue && res.value != nil {
				n.cacheForward(ctx, sl, res.from, target, res.value)

				return &lookupResult{
					Contacts: sl.responded(n.cfg.K),
					Value:    res.value,
				}, nil
			}

			if sl.add(res.peers) {
				sinceImprove = 0
			} else {
				sinceImprove++
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &lookupResult{Contacts: sl.responded(n.cfg.K)}, nil
}

// query asks one contact for the target and posts the outcome. The routing
// table is updated here rather than in the main loop, so a lookup the
// caller abandoned still refreshes what it learned.
func (n *Node) query(ctx context.Context, c dht.Contact, target dht.ID,
	mode lookupMode, results chan<- rpcResult) {

	peers, value, err := n.sendFind(ctx, c, target, mode)

	if err != nil {
		n.table.Remove(c.ID)
	} else {
		n.table.Insert(c, n.clock.Now(), n.probe)
	}

	results <- rpcResult{from: c, peers: peers, value: value, err: err}
}

func (n *Node) sendFind(ctx context.Context, c dht.Contact, target dht.ID,
	mode lookupMode) ([]dht.Contact, []byte, error) {

	cmd := proto.CmdFindContact

	if mode == lookupValue {
		cmd = proto.CmdFindValue
	}

	body, err := msgpack.Marshal(&proto.FindReq{
		Sender: n.self.ID.Raw,
		Target: target.Raw,
	})

	if err != nil {
		return nil, nil, err
	}

	respCmd, respBody, err := n.msgr.SendRequest(ctx, c.Addr, cmd, body,
		n.cfg.RequestTimeout)

	if err != nil {
		return nil, nil, ErrUnreachable
	}

	switch respCmd {
	case proto.CmdContacts:
		var resp proto.ContactsResp
		err = msgpack.Unmarshal(respBody, &resp)

		if err != nil {
			return nil, nil, ErrUnreachable
		}

		return n.fromPeers(resp.Peers), nil, nil

	case proto.CmdFoundValue:
		var resp proto.FoundValueResp
		err = msgpack.Unmarshal(respBody, &resp)

		if err != nil {
			return nil, nil, ErrUnreachable
		}

		return n.fromPeers(resp.Peers), resp.Value, nil

	default:
		return nil, nil, ErrUnreachable
	}
}

// fromPeers converts wire peers to contacts, dropping any with a foreign
// ID width.
func (n *Node) fromPeers(peers []proto.Peer) []dht.Contact {
	contacts := make([]dht.Contact, 0, len(peers))

	for _, p := range peers {
		if len(p.ID)*8 != n.cfg.HashBits {
			log.WithField("peer", p.Addr).Debug("Dropping peer with mismatched ID width")
			continue
		}

		contacts = append(contacts, dht.NewContact(dht.NewID(p.ID), p.Addr))
	}

	return contacts
}

// cacheForward stores a found value at the closest responded contact that
// did not have it, shortening the path for the next lookup.
func (n *Node) cacheForward(ctx context.Context, sl *shortlist, holder dht.Contact,
	id dht.ID, value []byte) {

	for _, e := range sl.entries {
		if e.state != stateResponded || e.contact.ID.Equals(holder.ID) {
			continue
		}

		err := n.sendStore(ctx, e.contact, id, value)

		if err != nil {
			log.WithFields(log.Fields{
				"key":  id.String(),
				"peer": e.contact.Addr,
			}).Debug("Cache forward failed: ", err.Error())
		}

		return
	}
}
