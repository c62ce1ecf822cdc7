// Inbound request dispatch. Every request teaches us about its sender
// before being answered, so even a node that only ever receives traffic
// builds a routing table.

package kades

import (
	log "github.com/sirupsen/logrus"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/kades/kades/dht"
	"github.com/kades/kades/proto"
)

// learn records the sender of an inbound request in the routing table.
// Senders with the wrong ID width belong to a different network and are
// ignored entirely.
func (n *Node) learn(senderRaw []byte, from string) bool {
	if len(senderRaw)*8 != n.cfg.HashBits {
		log.WithFields(log.Fields{
			"from": from,
			"bits": len(senderRaw) * 8,
		}).Warn("Dropping request from peer with mismatched ID width")
		return false
	}

	n.table.Insert(dht.NewContact(dht.NewID(senderRaw), from), n.clock.Now(), n.probe)

	return true
}

// handleRequest answers a single inbound request. Handlers are idempotent:
// a retransmitted store or ping simply produces the same answer again.
func (n *Node) handleRequest(from string, cmd string, body []byte) *proto.Response {
	switch cmd {
	case proto.CmdPing:
		return n.handlePing(from, body)
	case proto.CmdStore:
		return n.handleStore(from, body)
	case proto.CmdFindContact:
		return n.handleFindContact(from, body)
	case proto.CmdFindValue:
		return n.handleFindValue(from, body)
	default:
		log.WithFields(log.Fields{
			"from": from,
			"cmd":  cmd,
		}).Debug("Unknown command")
		return nil
	}
}

func (n *Node) handlePing(from string, body []byte) *proto.Response {
	var req proto.PingReq
	err := msgpack.Unmarshal(body, &req)

	if err != nil {
		log.WithField("from", from).Warn("Malformed ping: ", err.Error())
		return nil
	}

	if !n.learn(req.Sender, from) {
		return nil
	}

	return n.respond(proto.CmdPong, &proto.PingResp{
		Sender: n.self.ID.Raw,
		Nonce:  req.Nonce,
	})
}

func (n *Node) handleStore(from string, body []byte) *proto.Response {
	var req proto.StoreReq
	err := msgpack.Unmarshal(body, &req)

	if err != nil {
		log.WithField("from", from).Warn("Malformed store: ", err.Error())
		return nil
	}

	if !n.learn(req.Sender, from) {
		return nil
	}

	if len(req.Key)*8 != n.cfg.HashBits {
		log.WithField("from", from).Warn("Store with mismatched key width")
		return nil
	}

	id := dht.NewID(req.Key)
	err = n.store.Put(id, req.Value, n.clock.Now())

	if err != nil {
		log.WithFields(log.Fields{
			"from": from,
			"key":  id.String(),
		}).Error("Store failed: ", err.Error())
		return nil
	}

	return n.respond(proto.CmdStoreOk, &proto.StoreOk{
		Sender: n.self.ID.Raw,
		Key:    req.Key,
	})
}

func (n *Node) handleFindContact(from string, body []byte) *proto.Response {
	var req proto.FindReq
	err := msgpack.Unmarshal(body, &req)

	if err != nil {
		log.WithField("from", from).Warn("Malformed find: ", err.Error())
		return nil
	}

	if !n.learn(req.Sender, from) {
		return nil
	}

	if len(req.Target)*8 != n.cfg.HashBits {
		log.WithField("from", from).Warn("Find with mismatched target width")
		return nil
	}

	closest := n.table.KClosest(dht.NewID(req.Target), n.cfg.K)

	return n.respond(proto.CmdContacts, &proto.ContactsResp{
		Sender: n.self.ID.Raw,
		Peers:  toPeers(closest),
	})
}

func (n *Node) handleFindValue(from string, body []byte) *proto.Response {
	var req proto.FindReq
	err := msgpack.Unmarshal(body, &req)

	if err != nil {
		log.WithField("from", from).Warn("Malformed find: ", err.Error())
		return nil
	}

	if !n.learn(req.Sender, from) {
		return nil
	}

	if len(req.Target)*8 != n.cfg.HashBits {
		log.WithField("from", from).Warn("Find with mismatched target width")
		return nil
	}

	id := dht.NewID(req.Target)
	closest := n.table.KClosest(id, n.cfg.K)

	if value, ok := n.store.Get(id, n.clock.Now()); ok {
		return n.respond(proto.CmdFoundValue, &proto.FoundValueResp{
			Sender: n.self.ID.Raw,
			Value:  value,
			Peers:  toPeers(closest),
		})
	}

	return n.respond(proto.CmdContacts, &proto.ContactsResp{
		Sender: n.self.ID.Raw,
		Peers:  toPeers(closest),
	})
}

func (n *Node) respond(cmd string, payload interface{}) *proto.Response {
	body, err := msgpack.Marshal(payload)

	if err != nil {
		log.Error("Failed to encode response: ", err.Error())
		return nil
	}

	return &proto.Response{Cmd: cmd, Body: body}
}

func toPeers(contacts []dht.Contact) []proto.Peer {
	peers := make([]proto.Peer, 0, len(contacts))

	for _, c := range contacts {
		peers = append(peers, proto.Peer{ID: c.ID.Raw, Addr: c.Addr})
	}

	return peers
}
