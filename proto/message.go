package proto

import (
	"errors"

	msgpack "gopkg.in/vmihailenco/msgpack.v2"
)

// Command tags for every message on the wire. Requests and replies carry
// distinct tags so a handler never has to guess by shape.
const (
	CmdPing        = "kades.ping"
	CmdPong        = "kades.pong"
	CmdStore       = "kades.store"
	CmdStoreOk     = "kades.store.ok"
	CmdFindContact = "kades.find.contact"
	CmdFindValue   = "kades.find.value"
	CmdContacts    = "kades.contacts"
	CmdFoundValue  = "kades.value"
)

// MaxMessageSize bounds a single datagram, far above anything the protocol
// produces with sane value sizes.
const MaxMessageSize = 64 * 1024

// Message is the envelope around every request and reply. Correlation is by
// explicit nonce: a reply carries the nonce of the request it answers, and
// the Reply flag set.
type Message struct {
	Cmd   string
	Nonce uint64
	Reply bool
	Body  []byte
}

func (m *Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	var msg Message
	err := msgpack.Unmarshal(data, &msg)

	if err != nil {
		return nil, err
	}

	return &msg, nil
}

// Write encodes iface into the message body.
func (m *Message) Write(iface interface{}) error {
	body, err := msgpack.Marshal(iface)

	if err != nil {
		return err
	}

	m.Body = body

	return nil
}

// Read decodes the message body into iface.
func (m *Message) Read(iface interface{}) error {
	return msgpack.Unmarshal(m.Body, iface)
}

// Peer is a contact as it travels on the wire.
type Peer struct {
	ID   []byte
	Addr string
}

// PingReq checks a peer is alive. The nonce must come back unchanged.
type PingReq struct {
	Sender []byte
	Nonce  uint64
}

type PingResp struct {
	Sender []byte
	Nonce  uint64
}

// StoreReq asks a peer to hold a value under a key.
type StoreReq struct {
	Sender []byte
	Key    []byte
	Value  []byte
}

type StoreOk struct {
	Sender []byte
	Key    []byte
}

// FindReq asks for the k closest contacts to a target. The command tag
// decides whether the peer may answer with a stored value instead.
type FindReq struct {
	Sender []byte
	Target []byte
}

type ContactsResp struct {
	Sender []byte
	Peers  []Peer
}

type FoundValueResp struct {
	Sender []byte
	Value  []byte
	Peers  []Peer
}
