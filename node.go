// Node ties the pieces together: the routing table seeds lookups, lookups
// drive the messenger, and everything a peer tells us flows back into the
// routing table.

package kades

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/kades/kades/common"
	"github.com/kades/kades/dht"
	"github.com/kades/kades/proto"
)

type Node struct {
	cfg   Config
	self  dht.Contact
	table *dht.RoutingTable
	store dht.Store
	msgr  *proto.Messenger

	clock common.Clock
	rng   common.RNG
	log   log.FieldLogger
}

type Option func(*Node)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock common.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// WithRNG replaces the nonce source.
func WithRNG(rng common.RNG) Option {
	return func(n *Node) { n.rng = rng }
}

// WithLogger replaces the logger that receives Store's replication failure
// warnings. All other log output of the node, its handlers, lookups and
// routing table goes to the logrus standard logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(n *Node) { n.log = logger }
}

// NewNode builds a node around an injected store and messenger, and
// installs the inbound handler. The node answers requests from that point
// on.
func NewNode(cfg Config, self dht.ID, store dht.Store, msgr *proto.Messenger,
	opts ...Option) (*Node, error) {

	err := cfg.validate()

	if err != nil {
		return nil, err
	}

	if self.Bits() != cfg.HashBits {
		return nil, fmt.Errorf("%w: node ID is %d bits, network uses %d",
			ErrConfig, self.Bits(), cfg.HashBits)
	}

	n := &Node{
		cfg:   cfg,
		self:  dht.NewContact(self, msgr.Addr()),
		store: store,
		msgr:  msgr,
		clock: common.SystemClock{},
		rng:   common.CryptoRNG{},
		log:   log.StandardLogger(),
	}

	for _, opt := range opts {
		opt(n)
	}

	n.table = dht.NewRoutingTable(self, cfg.K)

	msgr.Serve(n.handleRequest)

	return n, nil
}

// Self is this node's own contact.
func (n *Node) Self() dht.Contact {
	return n.self
}

// Table exposes the routing table, read-mostly for callers.
func (n *Node) Table() *dht.RoutingTable {
	return n.table
}

func (n *Node) Close() error {
	return n.msgr.Close()
}

// probe is the liveness check the routing table runs before evicting a
// bucket tail. Any failure counts as no answer.
func (n *Node) probe(c dht.Contact) bool {
	return n.Ping(context.Background(), c.Addr) == nil
}

// Ping checks addr is alive and, on success, records the responder in the
// routing table. The reply must echo our nonce.
func (n *Node) Ping(ctx context.Context, addr string) error {
	nonce := n.rng.Uint64()

	body, err := msgpack.Marshal(&proto.PingReq{Sender: n.self.ID.Raw, Nonce: nonce})

	if err != nil {
		return err
	}

	cmd, respBody, err := n.msgr.SendRequest(ctx, addr, proto.CmdPing, body,
		n.cfg.RequestTimeout)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if cmd != proto.CmdPong {
		return fmt.Errorf("%w: unexpected reply %s", ErrUnreachable, cmd)
	}

	var pong proto.PingResp
	err = msgpack.Unmarshal(respBody, &pong)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if pong.Nonce != nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrUnreachable)
	}

	if len(pong.Sender)*8 != n.cfg.HashBits {
		return fmt.Errorf("%w: peer ID is %d bits, network uses %d",
			ErrConfig, len(pong.Sender)*8, n.cfg.HashBits)
	}

	n.table.Insert(dht.NewContact(dht.NewID(pong.Sender), addr), n.clock.Now(), n.probe)

	return nil
}

// Store hashes key to its ID, keeps the value locally and replicates it to
// the k closest nodes found by lookup. Individual replication failures are
// logged; only a total failure is surfaced.
func (n *Node) Store(ctx context.Context, key, value []byte) (dht.ID, error) {
	id := dht.DeriveID(key, n.cfg.HashBits)

	// the origin always holds its own values
	err := n.store.Put(id, value, n.clock.Now())

	if err != nil {
		return dht.ID{}, err
	}

	res, err := n.lookup(ctx, id, lookupNode)

	if err == ErrNoKnownContacts {
		// alone in the network, the local copy is all there is
		return id, nil
	}

	if err != nil {
		return dht.ID{}, err
	}

	if len(res.Contacts) == 0 {
		return id, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	stored := 0

	for _, c := range res.Contacts {
		wg.Add(1)

		go func(c dht.Contact) {
			defer wg.Done()

			err := n.sendStore(ctx, c, id, value)

			if err != nil {
				n.log.WithFields(log.Fields{
					"key":  id.String(),
					"peer": c.Addr,
				}).Warn("Replication failed: ", err.Error())
				return
			}

			mu.Lock()
			stored++
			mu.Unlock()
		}(c)
	}

	wg.Wait()

	if stored == 0 {
		return dht.ID{}, ErrStoreFailed
	}

	return id, nil
}

// FindValue fetches the value stored under id. The local store is consulted
// first; a local hit returns an empty contact list. When no peer holds the
// value the closest contacts come back with a nil value.
func (n *Node) FindValue(ctx context.Context, id dht.ID) ([]dht.Contact, []byte, error) {
	if value, ok := n.store.Get(id, n.clock.Now()); ok {
		return []dht.Contact{}, value, nil
	}

	res, err := n.lookup(ctx, id, lookupValue)

	if err != nil {
		return nil, nil, err
	}

	return res.Contacts, res.Value, nil
}

// FindContact looks up the k closest contacts to id. If one of them is id
// itself it is surfaced as the exact match.
func (n *Node) FindContact(ctx context.Context, id dht.ID) ([]dht.Contact, *dht.Contact, error) {
	res, err := n.lookup(ctx, id, lookupNode)

	if err != nil {
		return nil, nil, err
	}

	for i := range res.Contacts {
		if res.Contacts[i].ID.Equals(id) {
			return res.Contacts, &res.Contacts[i], nil
		}
	}

	return res.Contacts, nil, nil
}

// Join bootstraps from a known address: ping it, then look our own ID up
// to populate the routing table with our neighbourhood.
func (n *Node) Join(ctx context.Context, bootstrap string) error {
	err := n.Ping(ctx, bootstrap)

	if err != nil {
		return err
	}

	_, _, err = n.FindContact(ctx, n.self.ID)

	return err
}

func (n *Node) sendStore(ctx context.Context, c dht.Contact, id dht.ID, value []byte) error {
	body, err := msgpack.Marshal(&proto.StoreReq{
		Sender: n.self.ID.Raw,
		Key:    id.Raw,
		Value:  value,
	})

	if err != nil {
		return err
	}

	cmd, respBody, err := n.msgr.SendRequest(ctx, c.Addr, proto.CmdStore, body,
		n.cfg.RequestTimeout)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if cmd != proto.CmdStoreOk {
		return fmt.Errorf("%w: unexpected reply %s", ErrUnreachable, cmd)
	}

	var ok proto.StoreOk
	err = msgpack.Unmarshal(respBody, &ok)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return nil
}
