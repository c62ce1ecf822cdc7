package kades_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/kades/kades"
	"github.com/kades/kades/common"
	"github.com/kades/kades/dht"
	"github.com/kades/kades/proto"
)

// Clusters run over an in-memory network with 8 bit IDs, which keeps the
// identifier space small enough to reason about by hand.
func testConfig() kades.Config {
	return kades.Config{
		HashBits:       8,
		K:              4,
		Alpha:          2,
		RequestTimeout: 200 * time.Millisecond,
	}
}

type cluster struct {
	t   *testing.T
	net *proto.ChanNet
	cfg kades.Config
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:   t,
		net: proto.NewChanNet(),
		cfg: testConfig(),
	}
}

func (c *cluster) spawn(idByte byte, addr string, store dht.Store) *kades.Node {
	msgr := proto.NewMessenger(c.net.Listen(addr), common.CryptoRNG{})

	n, err := kades.NewNode(c.cfg, dht.NewID([]byte{idByte}), store, msgr)
	require.NoError(c.t, err)

	c.t.Cleanup(func() { n.Close() })

	return n
}

func tableHolds(n *kades.Node, id dht.ID) bool {
	for _, c := range n.Table().KClosest(id, n.Table().Len()) {
		if c.ID.Equals(id) {
			return true
		}
	}

	return false
}

func TestNewNodeRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.K = 0

	c := newCluster(t)
	msgr := proto.NewMessenger(c.net.Listen("a"), common.CryptoRNG{})

	_, err := kades.NewNode(cfg, dht.NewID([]byte{0x01}), dht.NewMemStore(0), msgr)
	require.ErrorIs(t, err, kades.ErrConfig)
}

func TestNewNodeRejectsWidthMismatch(t *testing.T) {
	c := newCluster(t)
	msgr := proto.NewMessenger(c.net.Listen("a"), common.CryptoRNG{})

	_, err := kades.NewNode(c.cfg, dht.NewID([]byte{0x01, 0x02}),
		dht.NewMemStore(0), msgr)
	require.ErrorIs(t, err, kades.ErrConfig)
}

func TestPingInsertsBothWays(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))

	require.NoError(t, a.Ping(context.Background(), "b"))

	require.True(t, tableHolds(a, b.Self().ID), "pinger should learn the responder")
	require.True(t, tableHolds(b, a.Self().ID), "responder should learn the pinger")
}

func TestPingUnreachable(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))

	err := a.Ping(context.Background(), "nowhere")
	require.ErrorIs(t, err, kades.ErrUnreachable)
}

func TestStoreAndFindAlone(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))

	id, err := a.Store(context.Background(), []byte("key"), []byte("value"))
	require.NoError(t, err, "a lone node keeps the value itself")

	contacts, value, err := a.FindValue(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)
	require.Empty(t, contacts, "a local hit carries no contacts")
}

func TestStoreReplicates(t *testing.T) {
	c := newCluster(t)

	aStore := dht.NewMemStore(0)
	bStore := dht.NewMemStore(0)
	cStore := dht.NewMemStore(0)

	a := c.spawn(0x01, "a", aStore)
	b := c.spawn(0x02, "b", bStore)
	cc := c.spawn(0x04, "c", cStore)

	require.NoError(t, b.Join(context.Background(), "a"))
	require.NoError(t, cc.Join(context.Background(), "a"))

	id, err := a.Store(context.Background(), []byte("key"), []byte("value"))
	require.NoError(t, err)

	require.Equal(t, 2, bStore.Len()+cStore.Len(),
		"with k above the network size every peer holds a replica")

	// a node that never saw the store still finds the value
	d := c.spawn(0x08, "d", dht.NewMemStore(0))
	require.NoError(t, d.Join(context.Background(), "a"))

	_, value, err := d.FindValue(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)
}

func TestStoreIsIdempotent(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))

	id1, err := a.Store(context.Background(), []byte("key"), []byte("value"))
	require.NoError(t, err)

	id2, err := a.Store(context.Background(), []byte("key"), []byte("value"))
	require.NoError(t, err)

	require.True(t, id1.Equals(id2))

	_, value, err := b.FindValue(context.Background(), id1)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)
}

// A retransmitted datagram must produce the same reply and leave the node in
// the same state as the first delivery.
func TestDuplicateStoreRequest(t *testing.T) {
	c := newCluster(t)

	store := dht.NewMemStore(0)
	a := c.spawn(0x01, "a", store)

	raw := proto.NewMessenger(c.net.Listen("raw"), common.CryptoRNG{})
	raw.Serve(nil)
	t.Cleanup(func() { raw.Close() })

	sender := dht.NewID([]byte{0x07})
	id := dht.DeriveID([]byte("key"), 8)

	body, err := msgpack.Marshal(&proto.StoreReq{
		Sender: sender.Raw,
		Key:    id.Raw,
		Value:  []byte("value"),
	})
	require.NoError(t, err)

	cmd1, resp1, err := raw.SendRequest(context.Background(), "a",
		proto.CmdStore, body, c.cfg.RequestTimeout)
	require.NoError(t, err)

	cmd2, resp2, err := raw.SendRequest(context.Background(), "a",
		proto.CmdStore, body, c.cfg.RequestTimeout)
	require.NoError(t, err)

	require.Equal(t, cmd1, cmd2)
	require.Equal(t, resp1, resp2)

	require.Equal(t, 1, store.Len())
	require.Equal(t, 1, a.Table().Len())
	require.True(t, tableHolds(a, sender))
}

func TestFindValueMiss(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))

	contacts, value, err := a.FindValue(context.Background(), dht.DeriveID([]byte("missing"), 8))
	require.NoError(t, err)
	require.Nil(t, value)
	require.NotEmpty(t, contacts, "a miss still returns the closest responders")
}

func TestFindContactExact(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))
	cc := c.spawn(0x04, "c", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))
	require.NoError(t, cc.Join(context.Background(), "a"))

	_, exact, err := a.FindContact(context.Background(), cc.Self().ID)
	require.NoError(t, err)
	require.NotNil(t, exact, "the target is online and should be surfaced")
	require.True(t, exact.ID.Equals(cc.Self().ID))
}

func TestFindContactAbsent(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))

	contacts, exact, err := a.FindContact(context.Background(), dht.NewID([]byte{0x70}))
	require.NoError(t, err)
	require.Nil(t, exact)
	require.NotEmpty(t, contacts, "the closest live contacts still come back")
}

func TestFindContactNoContacts(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))

	_, _, err := a.FindContact(context.Background(), dht.NewID([]byte{0x70}))
	require.ErrorIs(t, err, kades.ErrNoKnownContacts)

	_, _, err = a.FindValue(context.Background(), dht.NewID([]byte{0x70}))
	require.ErrorIs(t, err, kades.ErrNoKnownContacts)
}

func TestJoinPopulatesTable(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))
	cc := c.spawn(0x04, "c", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))
	require.NoError(t, cc.Join(context.Background(), "a"))

	require.True(t, tableHolds(cc, a.Self().ID))
	require.True(t, tableHolds(cc, b.Self().ID),
		"joining should discover peers beyond the bootstrap node")
}

func TestJoinUnreachableBootstrap(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))

	err := a.Join(context.Background(), "nowhere")
	require.ErrorIs(t, err, kades.ErrUnreachable)
}

func TestLookupToleratesDeadContact(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))
	cc := c.spawn(0x04, "c", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))
	require.NoError(t, cc.Join(context.Background(), "a"))

	// c drops off the network without a word
	require.NoError(t, cc.Close())

	contacts, _, err := a.FindContact(context.Background(), dht.NewID([]byte{0x70}))
	require.NoError(t, err, "one dead contact must not fail the lookup")

	for _, found := range contacts {
		require.False(t, found.ID.Equals(cc.Self().ID),
			"a dead contact must not be reported as a result")
	}

	require.False(t, tableHolds(a, cc.Self().ID),
		"a confirmed failure should drop the contact from the table")
}

func TestLookupContextCancel(t *testing.T) {
	c := newCluster(t)

	a := c.spawn(0x01, "a", dht.NewMemStore(0))
	b := c.spawn(0x02, "b", dht.NewMemStore(0))

	require.NoError(t, b.Join(context.Background(), "a"))
	require.NoError(t, b.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := a.FindContact(ctx, dht.NewID([]byte{0x70}))
	require.ErrorIs(t, err, context.Canceled)
}
